package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T, node string) (*SessionIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSessionIndex(rdb, node, time.Minute), mr
}

func TestSessionIndex_TouchAndRemove(t *testing.T) {
	idx, _ := newIndex(t, "node-a")
	ctx := context.Background()

	require.NoError(t, idx.Touch(ctx, "doc-1", "s1"))
	require.NoError(t, idx.Touch(ctx, "doc-1", "s2"))
	require.NoError(t, idx.Touch(ctx, "doc-2", "s3"))

	entries, err := idx.Sessions(ctx, "doc-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []SessionEntry{{SessionID: "s1", Node: "node-a"}, {SessionID: "s2", Node: "node-a"}}, entries)

	docs, err := idx.Documents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, docs)

	require.NoError(t, idx.Remove(ctx, "doc-1", "s1"))
	n, err := idx.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionIndex_ExpiredSessionsAreSwept(t *testing.T) {
	idx, mr := newIndex(t, "node-a")
	ctx := context.Background()
	base := time.Now()
	idx.now = func() time.Time { return base }

	require.NoError(t, idx.Touch(ctx, "doc-1", "stale"))
	idx.now = func() time.Time { return base.Add(30 * time.Second) }
	require.NoError(t, idx.Touch(ctx, "doc-1", "fresh"))

	idx.now = func() time.Time { return base.Add(70 * time.Second) }
	entries, err := idx.Sessions(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].SessionID)
	fields, err := mr.HKeys(nodesKey("doc-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, fields)

	idx.now = func() time.Time { return base.Add(5 * time.Minute) }
	n, err := idx.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	docs, err := idx.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

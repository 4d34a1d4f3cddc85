package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseRecordStore(t *testing.T, s RecordStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	first := Record{
		DocumentID: "doc/1",
		State:      []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00},
		Content:    "Hello",
		Revision:   1,
		Vector:     map[string]uint64{"alice": 1},
		SavedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, first))

	got, err := s.Load(ctx, "doc/1")
	require.NoError(t, err)
	assert.Equal(t, first.State, got.State)
	assert.Equal(t, "Hello", got.Content)
	assert.Equal(t, uint64(1), got.Revision)
	assert.Equal(t, first.Vector, got.Vector)
	assert.True(t, first.SavedAt.Equal(got.SavedAt))

	second := first
	second.Content = "Hello World"
	second.Revision = 2
	second.Vector = map[string]uint64{"alice": 1, "bob": 1}
	require.NoError(t, s.Save(ctx, second))

	got, err = s.Load(ctx, "doc/1")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", got.Content)
	assert.Equal(t, uint64(2), got.Revision)
	assert.Equal(t, second.Vector, got.Vector)

	require.Error(t, s.Save(ctx, Record{}))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseRecordStore(t, s)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := Record{DocumentID: "d", State: []byte("abc"), Vector: map[string]uint64{"a": 1}}
	require.NoError(t, s.Save(ctx, rec))
	rec.State[0] = 'x'
	rec.Vector["a"] = 9

	got, err := s.Load(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.State)
	assert.Equal(t, uint64(1), got.Vector["a"])
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseRecordStore(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	exerciseRecordStore(t, NewRedisStore(rdb))
	assert.True(t, mr.Exists("DocState:{docID:doc/1}"))
}

func TestRevisionArgs(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("CST", 8*3600))
	args, err := revisionArgs(Record{
		DocumentID: "doc-1",
		Content:    "ab",
		Revision:   3,
		Vector:     map[string]uint64{"alice": 2, "bob": 1},
		SavedAt:    at,
	})
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, "doc-1", args[0])
	assert.Equal(t, uint64(3), args[1])
	assert.Equal(t, "ab", args[2])
	assert.JSONEq(t, `{"alice":2,"bob":1}`, args[3].(string))
	assert.Equal(t, at.UTC(), args[4])

	// 新文档没有向量也要写成 {}
	args, err = revisionArgs(Record{DocumentID: "doc-2"})
	require.NoError(t, err)
	assert.Equal(t, "{}", args[3])

	_, err = revisionArgs(Record{})
	require.Error(t, err)
}

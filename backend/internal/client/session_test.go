package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/persist"
	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/relay"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/undo"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type relayEnv struct {
	hub   *relay.Hub
	store *store.MemoryStore
}

func newRelay(t *testing.T) *relayEnv {
	t.Helper()
	st := store.NewMemoryStore()
	var hub *relay.Hub
	pm := persist.NewManager(st, persist.Options{
		Debounce:    10 * time.Millisecond,
		MaxWait:     40 * time.Millisecond,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		OnSaved:     func(docID string, rec store.Record) { hub.NotifySaved(docID, rec) },
		OnWarning:   func(docID string, err error) { hub.NotifyWarning(docID, err) },
	})
	hub = relay.NewHub(pm, relay.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		_ = pm.Close(ctx)
	})
	return &relayEnv{hub: hub, store: st}
}

func open(t *testing.T, dial Dialer, origin string, opts ...func(*Options)) *Session {
	t.Helper()
	opt := Options{DocumentID: "doc-1", Origin: origin}
	for _, fn := range opts {
		fn(&opt)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := Open(ctx, dial, opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func edit(t *testing.T, s *Session, ops ...delta.Op) {
	t.Helper()
	u, err := s.Edit(delta.Delta(ops))
	require.NoError(t, err)
	require.NotNil(t, u)
}

func eventuallyContent(t *testing.T, s *Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Content() == want }, waitFor, tick,
		"%s has %q, want %q", s.Origin(), s.Content(), want)
}

func TestSession_HelloWorld(t *testing.T) {
	env := newRelay(t)
	dial := LocalDialer(env.hub, "")

	a := open(t, dial, "alice")
	edit(t, a, delta.Insert("Hello"))
	assert.Equal(t, "Hello", a.Content())

	b := open(t, dial, "bob")
	assert.Equal(t, "Hello", b.Content())
	edit(t, b, delta.Retain(5), delta.Insert(" World"))

	eventuallyContent(t, a, "Hello World")
	assert.Equal(t, "Hello World", b.Content())
}

func TestSession_RemoteChangesReachEditor(t *testing.T) {
	env := newRelay(t)
	dial := LocalDialer(env.hub, "")

	var applied atomic.Int32
	a := open(t, dial, "alice", func(o *Options) {
		o.OnChange = func(ch crdt.Change) { applied.Add(int32(len(ch.Deltas))) }
	})
	b := open(t, dial, "bob")
	edit(t, b, delta.Insert("hey"))

	eventuallyContent(t, a, "hey")
	assert.Positive(t, applied.Load())
}

func TestSession_DisconnectForceSaves(t *testing.T) {
	env := newRelay(t)
	dial := LocalDialer(env.hub, "")
	ctx := context.Background()

	a := open(t, dial, "alice", func(o *Options) { o.DocumentID = "doc-x" })
	edit(t, a, delta.Insert("X"))
	require.NoError(t, a.Close(ctx))

	rec, err := env.store.Load(ctx, "doc-x")
	require.NoError(t, err)
	assert.Equal(t, "X", rec.Content)
	assert.Empty(t, env.hub.OpenDocuments())

	c := open(t, dial, "carol", func(o *Options) { o.DocumentID = "doc-x" })
	assert.Equal(t, "X", c.Content())

	_, err = a.Edit(delta.Delta{delta.Insert("late")})
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_UndoOnlyOwnEdits(t *testing.T) {
	env := newRelay(t)
	dial := LocalDialer(env.hub, "")
	noCoalesce := func(o *Options) { o.Undo = undo.Options{CoalesceWindow: -1} }

	a := open(t, dial, "alice", noCoalesce)
	b := open(t, dial, "bob", noCoalesce)

	edit(t, a, delta.Insert("a"))
	eventuallyContent(t, b, "a")
	edit(t, b, delta.Retain(1), delta.Insert("b"))
	eventuallyContent(t, a, "ab")
	edit(t, a, delta.Retain(2), delta.Insert("c"))
	eventuallyContent(t, b, "abc")

	deltas, err := a.Undo()
	require.NoError(t, err)
	assert.NotEmpty(t, deltas)
	assert.Equal(t, "ab", a.Content())

	_, err = a.Undo()
	require.NoError(t, err)
	assert.Equal(t, "b", a.Content())
	assert.False(t, a.CanUndo())

	deltas, err = a.Undo()
	require.NoError(t, err)
	assert.Nil(t, deltas)

	eventuallyContent(t, b, "b")

	_, err = a.Redo()
	require.NoError(t, err)
	assert.Equal(t, "ab", a.Content())
	eventuallyContent(t, b, "ab")
}

func TestSession_LateJoinerConverges(t *testing.T) {
	env := newRelay(t)
	dial := LocalDialer(env.hub, "")

	a := open(t, dial, "alice")
	b := open(t, dial, "bob")
	edit(t, a, delta.Insert("one "))
	edit(t, b, delta.Insert("two "))
	edit(t, a, delta.Delete(1))
	converged(t, 7, a, b)

	c := open(t, dial, "carol")
	assert.Equal(t, a.Content(), c.Content())
	edit(t, c, delta.Insert("!"))
	converged(t, 8, a, b, c)
}

func converged(t *testing.T, runes int, ss ...*Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		want := ss[0].Content()
		if len([]rune(want)) != runes {
			return false
		}
		for _, s := range ss[1:] {
			if s.Content() != want {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

type offlineLink struct {
	Link
	offline *atomic.Bool
}

func (l offlineLink) Send(ctx context.Context, msg protocol.Message) error {
	if l.offline.Load() && msg.Type == protocol.TypeUpdate {
		return errors.New("network unreachable")
	}
	return l.Link.Send(ctx, msg)
}

func TestSession_ReconnectResendsRetained(t *testing.T) {
	env := newRelay(t)
	local := LocalDialer(env.hub, "")
	var offline atomic.Bool
	dial := func(ctx context.Context, sessionID string) (Link, error) {
		l, err := local(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return offlineLink{Link: l, offline: &offline}, nil
	}

	a := open(t, dial, "alice")
	b := open(t, local, "bob")

	edit(t, a, delta.Insert("x"))
	eventuallyContent(t, b, "x")
	require.Eventually(t, func() bool { return a.Unacked() == 0 }, waitFor, tick)
	assert.Equal(t, uint64(1), a.Durable())

	offline.Store(true)
	edit(t, a, delta.Retain(1), delta.Insert("y"))
	assert.Equal(t, 1, a.Unacked())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, "x", b.Content())

	offline.Store(false)
	require.NoError(t, a.Reconnect(context.Background()))
	eventuallyContent(t, b, "xy")
	require.Eventually(t, func() bool { return a.Unacked() == 0 }, waitFor, tick)
}

func TestSession_RelayBehindIsResynced(t *testing.T) {
	first := newRelay(t)
	second := newRelay(t)
	var target atomic.Pointer[relay.Hub]
	target.Store(first.hub)
	dial := func(ctx context.Context, sessionID string) (Link, error) {
		return NewLocalLink(target.Load(), sessionID, ""), nil
	}

	a := open(t, dial, "alice")
	edit(t, a, delta.Insert("abc"))
	require.Eventually(t, func() bool { return a.Unacked() == 0 }, waitFor, tick)

	// 换到一个没有这份文档的 relay
	target.Store(second.hub)
	require.NoError(t, a.Reconnect(context.Background()))

	require.Eventually(t, func() bool {
		content, err := second.hub.Content(context.Background(), "doc-1")
		return err == nil && content == "abc"
	}, waitFor, tick)
	assert.Equal(t, "abc", a.Content())
}

func TestSession_UnauthorizedJoinNotice(t *testing.T) {
	env := newRelay(t)
	notices := make(chan protocol.Message, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Open(ctx, LocalDialer(env.hub, "doc-other"), Options{
		DocumentID: "doc-1",
		Origin:     "alice",
		OnNotice:   func(m protocol.Message) { notices <- m },
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case m := <-notices:
		assert.Equal(t, protocol.CodeUnauthorizedJoin, m.Code)
	case <-time.After(waitFor):
		t.Fatal("no notice")
	}
}

// stallLink 模拟写不动的 socket：stalled 时 Send 一直等到 release 或 ctx 结束
type stallLink struct {
	Link
	stalled *atomic.Bool
	release chan struct{}
}

func (l stallLink) Send(ctx context.Context, msg protocol.Message) error {
	if l.stalled.Load() {
		select {
		case <-l.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.Link.Send(ctx, msg)
}

func TestSession_EditDoesNotWaitForStalledLink(t *testing.T) {
	env := newRelay(t)
	local := LocalDialer(env.hub, "")
	var stalled atomic.Bool
	release := make(chan struct{})
	dial := func(ctx context.Context, sessionID string) (Link, error) {
		l, err := local(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return stallLink{Link: l, stalled: &stalled, release: release}, nil
	}

	a := open(t, dial, "alice", func(o *Options) { o.Undo = undo.Options{CoalesceWindow: -1} })
	b := open(t, local, "bob")

	stalled.Store(true)
	start := time.Now()
	edit(t, a, delta.Insert("x"))
	edit(t, a, delta.Retain(1), delta.Insert("y"))
	_, err := a.Undo()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "x", a.Content())

	// 对端的更新照样能合并进来
	edit(t, b, delta.Insert("b"))
	require.Eventually(t, func() bool { return len([]rune(a.Content())) == 2 }, waitFor, tick)
	assert.Contains(t, a.Content(), "b")

	stalled.Store(false)
	close(release)
	converged(t, 2, a, b)
	assert.Contains(t, b.Content(), "x")
}

func TestSession_FullQueueRecoversThroughRejoin(t *testing.T) {
	env := newRelay(t)
	local := LocalDialer(env.hub, "")
	var stalled atomic.Bool
	release := make(chan struct{})
	dial := func(ctx context.Context, sessionID string) (Link, error) {
		l, err := local(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return stallLink{Link: l, stalled: &stalled, release: release}, nil
	}

	a := open(t, dial, "alice", func(o *Options) { o.OutboundQueue = 2 })
	b := open(t, local, "bob")

	stalled.Store(true)
	want := ""
	for i := 0; i < 10; i++ {
		if i == 0 {
			edit(t, a, delta.Insert("a"))
		} else {
			edit(t, a, delta.Retain(i), delta.Insert("a"))
		}
		want += "a"
	}
	assert.Equal(t, want, a.Content())

	stalled.Store(false)
	close(release)
	eventuallyContent(t, b, want)
	require.Eventually(t, func() bool { return a.Unacked() == 0 }, waitFor, tick)
}

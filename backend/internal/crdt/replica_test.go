package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/delta"
)

func edit(t *testing.T, r *Replica, d ...delta.Op) *Update {
	t.Helper()
	u, err := r.ApplyLocalEdit(delta.Delta(d))
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestApplyLocalEdit_Hello(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	u := edit(t, a, delta.Insert("Hello"))

	assert.Equal(t, "Hello", a.Content())
	assert.Equal(t, "Hello", a.Text())
	assert.Equal(t, "alice:1", u.ID)
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, StateVector{"alice": 1}, a.StateVector())
	assert.Empty(t, u.Deps)
}

func TestApplyLocalEdit_Malformed(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("abc"))

	_, err := a.ApplyLocalEdit(delta.Delta{delta.Retain(2), delta.Delete(5)})
	require.ErrorIs(t, err, ErrMalformedDelta)
	assert.Equal(t, "abc", a.Content())

	u, err := a.ApplyLocalEdit(delta.Delta{delta.Retain(3)})
	require.NoError(t, err)
	assert.Nil(t, u)

	bad := NewReplica("doc-1", OriginRemote)
	_, err = bad.ApplyLocalEdit(delta.Delta{delta.Insert("x")})
	require.ErrorIs(t, err, ErrMalformedDelta)
}

func TestBootstrapScenario(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("Hello"))

	snap, err := a.Snapshot()
	require.NoError(t, err)

	b := NewReplica("doc-1", "bob")
	_, err = b.MergeSnapshot(snap)
	require.NoError(t, err)
	require.Equal(t, "Hello", b.Content())

	ub := edit(t, b, delta.Retain(5), delta.Insert(" World"))
	assert.Equal(t, StateVector{"alice": 1}, ub.Deps)

	changes, err := a.ApplyRemote(ub)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "Hello World", a.Content())
	assert.Equal(t, "Hello World", b.Content())
	assert.Equal(t, []delta.Delta{{delta.Retain(5), delta.Insert(" World")}}, changes[0].Deltas)
}

func TestConvergence_AllDeliveryOrders(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	b := NewReplica("doc-1", "bob")

	a1 := edit(t, a, delta.Insert("ab"))
	b1 := edit(t, b, delta.Insert("xy"))
	a2 := edit(t, a, delta.Retain(1), delta.Insert("Z"))
	b2 := edit(t, b, delta.Retain(1), delta.Delete(1))
	updates := []*Update{a1, a2, b1, b2}

	var want string
	for _, perm := range permutations(len(updates)) {
		c := NewReplica("doc-1", "carol")
		view := NewPieceTable("")
		deliver := func(u *Update) {
			changes, err := c.ApplyRemote(u)
			require.NoError(t, err)
			for _, ch := range changes {
				for _, d := range ch.Deltas {
					require.NoError(t, view.Apply(d))
				}
			}
		}
		for _, i := range perm {
			deliver(updates[i])
		}
		// 重复投递
		deliver(updates[perm[0]])
		deliver(updates[perm[len(perm)-1]])

		require.Zero(t, c.Pending(), "perm %v", perm)
		require.Equal(t, c.Text(), c.Content(), "perm %v", perm)
		require.Equal(t, c.Content(), view.String(), "perm %v", perm)
		if want == "" {
			want = c.Content()
		}
		require.Equal(t, want, c.Content(), "perm %v", perm)
	}
	assert.Equal(t, "xaZb", want)

	// 原始副本互相合并后也收敛
	for _, u := range []*Update{b1, b2} {
		_, err := a.ApplyRemote(u)
		require.NoError(t, err)
	}
	for _, u := range []*Update{a1, a2} {
		_, err := b.ApplyRemote(u)
		require.NoError(t, err)
	}
	assert.Equal(t, want, a.Content())
	assert.Equal(t, want, b.Content())
}

func TestConcurrentInsertSamePosition(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	b := NewReplica("doc-1", "bob")
	base := edit(t, a, delta.Insert("--"))
	_, err := b.ApplyRemote(base)
	require.NoError(t, err)

	ua := edit(t, a, delta.Retain(1), delta.Insert("A"))
	ub := edit(t, b, delta.Retain(1), delta.Insert("B"))
	_, err = a.ApplyRemote(ub)
	require.NoError(t, err)
	_, err = b.ApplyRemote(ua)
	require.NoError(t, err)

	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, "-BA-", a.Content())
}

func TestApplyRemote_Idempotent(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	u := edit(t, a, delta.Insert("once"))

	b := NewReplica("doc-1", "bob")
	changes, err := b.ApplyRemote(u)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	snap1, err := b.Snapshot()
	require.NoError(t, err)

	changes, err = b.ApplyRemote(u)
	require.NoError(t, err)
	assert.Empty(t, changes)
	snap2, err := b.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, "once", b.Content())
	assert.Equal(t, snap1, snap2)
}

func TestApplyRemote_MalformedLeavesReplicaUntouched(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("keep"))
	before := a.StateVector()

	ghost := &Update{
		ID:     "mallory:1",
		Origin: "mallory",
		Seq:    1,
		Deps:   StateVector{},
		Ops: []Op{
			{Kind: OpInsert, ID: ID{Clock: 9, Client: "mallory"}, Parent: ID{Clock: 3, Client: "ghost"}, Text: "x"},
		},
	}
	_, err := a.ApplyRemote(ghost)
	require.ErrorIs(t, err, ErrMalformedUpdate)
	assert.Equal(t, "keep", a.Content())
	assert.Equal(t, before, a.StateVector())

	_, err = DecodeUpdate([]byte(`{"id":"x"`))
	require.ErrorIs(t, err, ErrMalformedUpdate)

	wrongID := &Update{ID: "mallory:7", Origin: "mallory", Seq: 1, Ops: ghost.Ops}
	require.ErrorIs(t, wrongID.Validate(), ErrMalformedUpdate)

	reserved := &Update{ID: "remote:1", Origin: OriginRemote, Seq: 1, Ops: ghost.Ops}
	require.ErrorIs(t, reserved.Validate(), ErrMalformedUpdate)
}

func TestEncodeDecodeUpdate(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("hi"))
	u := edit(t, a, delta.Format(2, map[string]any{"bold": true}))

	b, err := u.Encode()
	require.NoError(t, err)
	got, err := DecodeUpdate(b)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.Deps, got.Deps)
	require.Len(t, got.Ops, 2)
	assert.Equal(t, OpFormat, got.Ops[0].Kind)
}

func TestFormatting_LastWriterWins(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	b := NewReplica("doc-1", "bob")
	base := edit(t, a, delta.Insert("ab"))
	_, err := b.ApplyRemote(base)
	require.NoError(t, err)

	fa := edit(t, a, delta.Format(2, map[string]any{"color": "red"}))
	fb := edit(t, b, delta.Format(2, map[string]any{"color": "blue"}))
	_, err = a.ApplyRemote(fb)
	require.NoError(t, err)
	_, err = b.ApplyRemote(fa)
	require.NoError(t, err)

	assert.Equal(t, a.Delta(), b.Delta())
	// 同一时钟下 client 较大的一方胜出
	assert.Equal(t, delta.Delta{{Kind: delta.KindInsert, Text: "ab", Attrs: map[string]any{"color": "blue"}}}, a.Delta())
}

func TestInvert(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	u1 := edit(t, a, delta.Insert("Hello"))
	u2 := edit(t, a, delta.Retain(5), delta.Insert(" World"))

	inv2, deltas, err := a.Invert([]*Update{u2})
	require.NoError(t, err)
	require.NotNil(t, inv2)
	assert.Equal(t, "Hello", a.Content())
	assert.Equal(t, []delta.Delta{{delta.Retain(5), delta.Delete(6)}}, deltas)

	inv1, _, err := a.Invert([]*Update{u1})
	require.NoError(t, err)
	require.NotNil(t, inv1)
	assert.Equal(t, "", a.Content())

	redo, _, err := a.Invert([]*Update{inv1})
	require.NoError(t, err)
	require.NotNil(t, redo)
	assert.Equal(t, "Hello", a.Content())

	// 已经撤销过的内容再次撤销：没有可逆的效果
	again, _, err := a.Invert([]*Update{u2})
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestInvert_DeleteAndFormat(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("abc"))

	del := edit(t, a, delta.Retain(1), delta.Delete(1))
	require.Equal(t, "ac", a.Content())
	_, _, err := a.Invert([]*Update{del})
	require.NoError(t, err)
	assert.Equal(t, "abc", a.Content())

	f := edit(t, a, delta.Format(3, map[string]any{"bold": true}))
	require.Equal(t, map[string]any{"bold": true}, a.Delta()[0].Attrs)
	_, _, err = a.Invert([]*Update{f})
	require.NoError(t, err)
	assert.Equal(t, delta.Delta{delta.Insert("abc")}, a.Delta())

	// 逆操作本身也是普通更新，其他副本照常合并
	b := NewReplica("doc-1", "bob")
	for _, u := range a.Diff(StateVector{}) {
		_, err := b.ApplyRemote(u)
		require.NoError(t, err)
	}
	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, a.Delta(), b.Delta())
}

func TestDiffAndLogFloor(t *testing.T) {
	a := NewReplica("doc-1", "alice", WithLogCapacity(2))
	edit(t, a, delta.Insert("a"))
	u2 := edit(t, a, delta.Insert("b"))
	u3 := edit(t, a, delta.Insert("c"))

	assert.Equal(t, 2, a.LogLen())
	assert.False(t, a.CanDiff(StateVector{}))
	assert.True(t, a.CanDiff(StateVector{"alice": 1}))
	assert.Equal(t, []*Update{u2, u3}, a.Diff(StateVector{"alice": 1}))
	assert.Empty(t, a.Diff(StateVector{"alice": 3}))
}

func TestMergeSnapshot_IntoDivergedReplica(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	b := NewReplica("doc-1", "bob")
	base := edit(t, a, delta.Insert("base"))
	_, err := b.ApplyRemote(base)
	require.NoError(t, err)

	ua := edit(t, a, delta.Retain(4), delta.Insert("-a"))
	edit(t, a, delta.Delete(1))
	ub := edit(t, b, delta.Insert("b-"))

	snap, err := a.Snapshot()
	require.NoError(t, err)
	changes, err := b.MergeSnapshot(snap)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	assert.Equal(t, OriginPersisted, changes[0].Origin)

	_, err = a.ApplyRemote(ub)
	require.NoError(t, err)
	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, b.Text(), b.Content())

	// 快照覆盖的更新不能再从 b 的日志里增量提供
	assert.False(t, b.CanDiff(StateVector{"alice": 0}))
	changes, err = b.ApplyRemote(ua)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestSnapshotContent(t *testing.T) {
	a := NewReplica("doc-1", "alice")
	edit(t, a, delta.Insert("你好, world"))
	edit(t, a, delta.Retain(2), delta.Delete(1))
	snap, err := a.Snapshot()
	require.NoError(t, err)

	text, sv, err := SnapshotContent(snap)
	require.NoError(t, err)
	assert.Equal(t, "你好 world", text)
	assert.Equal(t, StateVector{"alice": 2}, sv)

	_, err = NewReplica("other", "bob").MergeSnapshot(snap)
	require.ErrorIs(t, err, ErrMalformedSnapshot)
	_, _, err = SnapshotContent([]byte("not zstd"))
	require.ErrorIs(t, err, ErrMalformedSnapshot)
}

package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/delta"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newScope(t *testing.T, origin string) (*crdt.Replica, *Manager, *fakeClock) {
	t.Helper()
	r := crdt.NewReplica("doc-1", origin)
	m := New(r, Options{})
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clk.now
	return r, m, clk
}

func local(t *testing.T, r *crdt.Replica, m *Manager, d ...delta.Op) *crdt.Update {
	t.Helper()
	u, err := r.ApplyLocalEdit(delta.Delta(d))
	require.NoError(t, err)
	require.NoError(t, m.OnLocalUpdate(u))
	return u
}

func TestUndoIsolation(t *testing.T) {
	a, m, clk := newScope(t, "alice")
	b := crdt.NewReplica("doc-1", "bob")

	e1 := local(t, a, m, delta.Insert("Hello"))
	clk.advance(time.Second)

	_, err := b.ApplyRemote(e1)
	require.NoError(t, err)
	r1, err := b.ApplyLocalEdit(delta.Delta{delta.Retain(5), delta.Insert(" World")})
	require.NoError(t, err)
	_, err = a.ApplyRemote(r1)
	require.NoError(t, err)

	local(t, a, m, delta.Retain(11), delta.Insert("!"))
	require.Equal(t, "Hello World!", a.Content())

	u, _, err := m.Undo()
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Origin)
	assert.Equal(t, "Hello World", a.Content())

	_, _, err = m.Undo()
	require.NoError(t, err)
	assert.Equal(t, " World", a.Content())

	u, _, err = m.Undo()
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Equal(t, " World", a.Content())

	_, _, err = m.Redo()
	require.NoError(t, err)
	assert.Equal(t, "Hello World", a.Content())
	_, _, err = m.Redo()
	require.NoError(t, err)
	assert.Equal(t, "Hello World!", a.Content())
}

func TestOnLocalUpdate_RejectsForeignOrigin(t *testing.T) {
	_, m, _ := newScope(t, "alice")
	b := crdt.NewReplica("doc-1", "bob")
	u, err := b.ApplyLocalEdit(delta.Delta{delta.Insert("x")})
	require.NoError(t, err)

	require.ErrorIs(t, m.OnLocalUpdate(u), ErrForeignOrigin)
	assert.False(t, m.CanUndo())
}

func TestCoalescing(t *testing.T) {
	a, m, clk := newScope(t, "alice")

	local(t, a, m, delta.Insert("a"))
	clk.advance(100 * time.Millisecond)
	local(t, a, m, delta.Retain(1), delta.Insert("b"))
	clk.advance(100 * time.Millisecond)
	local(t, a, m, delta.Retain(2), delta.Insert("c"))
	clk.advance(time.Second)
	local(t, a, m, delta.Retain(3), delta.Insert("d"))

	n, _ := m.Depth()
	assert.Equal(t, 2, n)

	_, _, err := m.Undo()
	require.NoError(t, err)
	assert.Equal(t, "abc", a.Content())
	_, _, err = m.Undo()
	require.NoError(t, err)
	assert.Equal(t, "", a.Content())
}

func TestUndoBreaksCoalescing(t *testing.T) {
	a, m, clk := newScope(t, "alice")

	local(t, a, m, delta.Insert("a"))
	_, _, err := m.Undo()
	require.NoError(t, err)
	clk.advance(10 * time.Millisecond)
	local(t, a, m, delta.Insert("b"))
	clk.advance(10 * time.Millisecond)

	undo, redo := m.Depth()
	assert.Equal(t, 1, undo)
	assert.Equal(t, 0, redo, "new local edit clears redo")

	_, _, err = m.Undo()
	require.NoError(t, err)
	assert.Equal(t, "", a.Content())
}

func TestSkipsGroupsRevertedByOthers(t *testing.T) {
	a, m, clk := newScope(t, "alice")
	b := crdt.NewReplica("doc-1", "bob")

	e1 := local(t, a, m, delta.Insert("xy"))
	clk.advance(time.Second)
	e2 := local(t, a, m, delta.Retain(2), delta.Insert("z"))
	for _, u := range []*crdt.Update{e1, e2} {
		_, err := b.ApplyRemote(u)
		require.NoError(t, err)
	}
	// bob 删掉了 alice 第二次输入的内容
	del, err := b.ApplyLocalEdit(delta.Delta{delta.Retain(2), delta.Delete(1)})
	require.NoError(t, err)
	_, err = a.ApplyRemote(del)
	require.NoError(t, err)

	u, _, err := m.Undo()
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "", a.Content())
	assert.False(t, m.CanUndo())
}

func TestMaxDepth(t *testing.T) {
	r := crdt.NewReplica("doc-1", "alice")
	m := New(r, Options{MaxDepth: 2, CoalesceWindow: -1})

	local(t, r, m, delta.Insert("a"))
	local(t, r, m, delta.Retain(1), delta.Insert("b"))
	local(t, r, m, delta.Retain(2), delta.Insert("c"))
	n, _ := m.Depth()
	assert.Equal(t, 2, n)

	for m.CanUndo() {
		_, _, err := m.Undo()
		require.NoError(t, err)
	}
	assert.Equal(t, "a", r.Content())
}

package undo

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"collabSync/backend/internal/crdt"
	"collabSync/backend/internal/delta"
)

var ErrForeignOrigin = errors.New("update origin is outside this undo scope")

const (
	DefaultCoalesceWindow = 500 * time.Millisecond
	DefaultMaxDepth       = 100
)

// Engine is the part of the replica the manager needs. The manager never
// sees the transport or the session that owns it.
type Engine interface {
	Origin() string
	Invert(updates []*crdt.Update) (*crdt.Update, []delta.Delta, error)
}

type Options struct {
	CoalesceWindow time.Duration
	MaxDepth       int
}

// group 是一次撤销的单位：合并窗口内连续的本地更新
type group struct {
	ids  []string
	last time.Time
}

// Manager is one session's undo scope. It only ever records updates whose
// origin is the session's own marker. Not safe for concurrent use.
type Manager struct {
	engine Engine
	origin string
	window time.Duration
	depth  int

	undo  []group
	redo  []group
	index map[string]*crdt.Update

	// 撤销/重做之后下一次本地编辑必须另起一组
	sealed bool
	now    func() time.Time
}

func New(engine Engine, opt Options) *Manager {
	if opt.CoalesceWindow < 0 {
		opt.CoalesceWindow = 0
	} else if opt.CoalesceWindow == 0 {
		opt.CoalesceWindow = DefaultCoalesceWindow
	}
	if opt.MaxDepth <= 0 {
		opt.MaxDepth = DefaultMaxDepth
	}
	return &Manager{
		engine: engine,
		origin: engine.Origin(),
		window: opt.CoalesceWindow,
		depth:  opt.MaxDepth,
		index:  make(map[string]*crdt.Update),
		now:    time.Now,
	}
}

// OnLocalUpdate records a locally generated update, merging it into the
// previous group when it arrives within the coalescing window. The redo stack
// is cleared.
func (m *Manager) OnLocalUpdate(u *crdt.Update) error {
	if u == nil {
		return nil
	}
	if u.Origin != m.origin {
		return fmt.Errorf("%w: %s recorded by %s", ErrForeignOrigin, u.ID, m.origin)
	}
	now := m.now()
	m.dropAll(m.redo)
	m.redo = nil
	m.index[u.ID] = u

	if n := len(m.undo); n > 0 && !m.sealed && now.Sub(m.undo[n-1].last) < m.window {
		m.undo[n-1].ids = append(m.undo[n-1].ids, u.ID)
		m.undo[n-1].last = now
		return nil
	}
	m.sealed = false
	m.undo = append(m.undo, group{ids: []string{u.ID}, last: now})
	if len(m.undo) > m.depth {
		m.drop(m.undo[0])
		m.undo = m.undo[1:]
	}
	return nil
}

// Undo reverts the most recent local group that still has an effect. The
// returned update is already applied to the replica and must be propagated
// like any other local edit. A nil update means there was nothing to undo.
func (m *Manager) Undo() (*crdt.Update, []delta.Delta, error) {
	return m.step(&m.undo, &m.redo)
}

// Redo reapplies the most recently undone group.
func (m *Manager) Redo() (*crdt.Update, []delta.Delta, error) {
	return m.step(&m.redo, &m.undo)
}

func (m *Manager) step(from, to *[]group) (*crdt.Update, []delta.Delta, error) {
	m.sealed = true
	for len(*from) > 0 {
		g := (*from)[len(*from)-1]
		*from = (*from)[:len(*from)-1]

		updates := make([]*crdt.Update, 0, len(g.ids))
		for _, id := range g.ids {
			if u := m.index[id]; u != nil {
				updates = append(updates, u)
			}
		}
		inv, deltas, err := m.engine.Invert(updates)
		if err != nil {
			*from = append(*from, g)
			return nil, nil, err
		}
		m.drop(g)
		if inv == nil {
			// 这一组的效果已被其他人的编辑抵消
			glog.V(2).Infof("undo: origin=%s skip empty group %v", m.origin, g.ids)
			continue
		}
		m.index[inv.ID] = inv
		*to = append(*to, group{ids: []string{inv.ID}, last: m.now()})
		if len(*to) > m.depth {
			m.drop((*to)[0])
			*to = (*to)[1:]
		}
		return inv, deltas, nil
	}
	return nil, nil, nil
}

func (m *Manager) drop(g group) {
	for _, id := range g.ids {
		delete(m.index, id)
	}
}

func (m *Manager) dropAll(gs []group) {
	for _, g := range gs {
		m.drop(g)
	}
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Depth returns the sizes of the undo and redo stacks.
func (m *Manager) Depth() (undo, redo int) { return len(m.undo), len(m.redo) }

// Clear empties both stacks, used when the session is torn down.
func (m *Manager) Clear() {
	m.undo, m.redo = nil, nil
	m.index = make(map[string]*crdt.Update)
}

package crdt

import (
	"fmt"
	"sort"

	"github.com/golang/glog"
)

// ApplyRemote merges an update produced elsewhere.
//
// Duplicates are no-ops. An update whose dependencies are not yet covered is
// held back and applied once they are, so delivery order does not matter.
// A structurally invalid update returns ErrMalformedUpdate and leaves the
// replica untouched. The returned changes include any held-back updates that
// became applicable.
func (r *Replica) ApplyRemote(u *Update) ([]Change, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.Seq <= r.sv[u.Origin] {
		return nil, nil
	}
	if _, ok := r.pending[u.ID]; ok {
		return nil, nil
	}
	if !r.sv.Covers(u.Deps) {
		r.pending[u.ID] = u
		if glog.V(2) {
			glog.Infof("crdt: doc=%s hold %s, have %s need %s", r.docID, u.ID, r.sv, u.Deps)
		}
		return nil, nil
	}
	ch, err := r.applyUpdate(u)
	if err != nil {
		return nil, err
	}
	return append([]Change{ch}, r.drainPending()...), nil
}

// drainPending applies every held-back update whose dependencies are now met.
func (r *Replica) drainPending() []Change {
	var out []Change
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		ids := make([]string, 0, len(r.pending))
		for id := range r.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			u := r.pending[id]
			if u.Seq <= r.sv[u.Origin] {
				delete(r.pending, id)
				continue
			}
			if !r.sv.Covers(u.Deps) {
				continue
			}
			delete(r.pending, id)
			progress = true
			ch, err := r.applyUpdate(u)
			if err != nil {
				glog.Warningf("crdt: doc=%s drop held update: %v", r.docID, err)
				continue
			}
			out = append(out, ch)
		}
	}
	return out
}

// applyUpdate integrates a causally ready update. References are checked
// before anything is mutated.
func (r *Replica) applyUpdate(u *Update) (Change, error) {
	if err := r.checkRefs(u); err != nil {
		return Change{}, err
	}
	var p patcher
	for _, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			prev := op.Parent
			for i, ch := range []rune(op.Text) {
				e := &element{
					id:     ID{Clock: op.ID.Clock + uint64(i), Client: op.ID.Client},
					parent: prev,
					r:      ch,
				}
				for _, k := range sortedKeys(op.Attrs) {
					r.setAttr(e, k, op.Attrs[k], e.id)
				}
				idx := r.integrate(e)
				p.insert(idx, string(ch), e.visibleAttrs())
				prev = e.id
			}
		case OpDelete:
			if idx, ok := r.tombstone(r.elems[op.Target]); ok {
				p.delete(idx)
			}
		case OpFormat:
			e := r.elems[op.Target]
			if r.setAttr(e, op.Key, op.Value, op.ID) && !e.deleted {
				p.format(r.visibleBefore(r.indexOf(e.id)), op.Key, op.Value)
			}
		}
	}
	r.applyPatch(&p)
	r.sv[u.Origin] = u.Seq
	r.log.append(u)
	return Change{Origin: u.Origin, Update: u, Deltas: p.out}, nil
}

func (r *Replica) checkRefs(u *Update) error {
	created := make(map[ID]struct{})
	known := func(id ID) (uint64, bool) {
		if id == head {
			return 0, true
		}
		if _, ok := created[id]; ok {
			return id.Clock, true
		}
		if e, ok := r.elems[id]; ok {
			return e.id.Clock, true
		}
		return 0, false
	}
	for i, op := range u.Ops {
		switch op.Kind {
		case OpInsert:
			pc, ok := known(op.Parent)
			if !ok {
				return fmt.Errorf("%w: %s: op %d: unknown parent %s", ErrMalformedUpdate, u.ID, i, op.Parent)
			}
			if op.ID.Clock <= pc {
				return fmt.Errorf("%w: %s: op %d: clock %d not after parent %d", ErrMalformedUpdate, u.ID, i, op.ID.Clock, pc)
			}
			for _, id := range op.runeIDs() {
				if _, dup := known(id); dup {
					return fmt.Errorf("%w: %s: op %d: element %s already exists", ErrMalformedUpdate, u.ID, i, id)
				}
				created[id] = struct{}{}
			}
		case OpDelete, OpFormat:
			if _, ok := known(op.Target); !ok || op.Target == head {
				return fmt.Errorf("%w: %s: op %d: unknown target %s", ErrMalformedUpdate, u.ID, i, op.Target)
			}
		}
	}
	return nil
}

package crdt

import (
	"fmt"
	"time"

	"collabSync/backend/internal/delta"
)

// txn collects the ops of one locally generated update. Every op is
// integrated as soon as it is recorded, so later ops see earlier ones.
type txn struct {
	r     *Replica
	ops   []Op
	patch patcher
}

func (r *Replica) begin() *txn { return &txn{r: r} }

func (t *txn) insert(parent ID, text []rune, attrs map[string]any) {
	r := t.r
	first := ID{Clock: r.clock + 1, Client: r.origin}
	prev := parent
	for _, ch := range text {
		e := &element{
			id:     ID{Clock: r.clock + 1, Client: r.origin},
			parent: prev,
			r:      ch,
		}
		for _, k := range sortedKeys(attrs) {
			r.setAttr(e, k, attrs[k], e.id)
		}
		idx := r.integrate(e)
		t.patch.insert(idx, string(ch), e.visibleAttrs())
		prev = e.id
	}
	t.ops = append(t.ops, Op{Kind: OpInsert, ID: first, Parent: parent, Text: string(text), Attrs: cloneAttrs(attrs)})
}

func (t *txn) delete(id ID) {
	e := t.r.elems[id]
	if e == nil {
		return
	}
	idx, ok := t.r.tombstone(e)
	if !ok {
		return
	}
	t.patch.delete(idx)
	t.ops = append(t.ops, Op{Kind: OpDelete, Target: id})
}

func (t *txn) format(id ID, key string, value any) {
	r := t.r
	e := r.elems[id]
	if e == nil {
		return
	}
	var prev any
	if cur, ok := e.attrs[key]; ok {
		prev = cur.Value
	}
	if equalValue(prev, value) {
		return
	}
	stamp := ID{Clock: r.clock + 1, Client: r.origin}
	r.setAttr(e, key, value, stamp)
	if !e.deleted {
		t.patch.format(r.visibleBefore(r.indexOf(id)), key, value)
	}
	t.ops = append(t.ops, Op{Kind: OpFormat, ID: stamp, Target: id, Key: key, Value: value, Prev: prev})
}

// commit seals the collected ops into an Update and appends it to the log.
func (t *txn) commit() *Update {
	r := t.r
	r.applyPatch(&t.patch)
	if len(t.ops) == 0 {
		return nil
	}
	deps := r.sv.Clone()
	seq := r.sv[r.origin] + 1
	r.sv[r.origin] = seq
	u := &Update{
		ID:        UpdateID(r.origin, seq),
		Origin:    r.origin,
		Seq:       seq,
		Ops:       t.ops,
		Deps:      deps,
		CreatedAt: time.Now().UTC(),
	}
	r.log.append(u)
	return u
}

// ApplyLocalEdit encodes an editor delta as an Update, applies it to this
// replica and returns it for propagation and undo recording. A delta that
// changes nothing yields a nil Update.
func (r *Replica) ApplyLocalEdit(d delta.Delta) (*Update, error) {
	if err := validOrigin(r.origin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if err := d.Validate(r.visible); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if d.IsNoop() {
		return nil, nil
	}
	t := r.begin()
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if len(op.Attrs) > 0 {
				for _, e := range r.visibleRange(pos, op.Count) {
					for _, k := range sortedKeys(op.Attrs) {
						t.format(e.id, k, op.Attrs[k])
					}
				}
			}
			pos += op.Count
		case delta.KindInsert:
			parent := head
			if pos > 0 {
				parent = r.visibleRange(pos-1, 1)[0].id
			}
			text := []rune(op.Text)
			t.insert(parent, text, op.Attrs)
			pos += len(text)
		case delta.KindDelete:
			for _, e := range r.visibleRange(pos, op.Count) {
				t.delete(e.id)
			}
		}
	}
	return t.commit(), nil
}

// Invert builds and applies a new local update that reverses the effect of
// the given updates (newest last). Inserted runes are deleted, deleted runes
// are re-inserted as fresh copies right after their tombstones, and formats
// are written back to the value their creator saw. It returns a nil Update
// when nothing is left to reverse.
func (r *Replica) Invert(updates []*Update) (*Update, []delta.Delta, error) {
	if err := validOrigin(r.origin); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	t := r.begin()
	for i := len(updates) - 1; i >= 0; i-- {
		ops := updates[i].Ops
		for j := len(ops) - 1; j >= 0; j-- {
			op := ops[j]
			switch op.Kind {
			case OpInsert:
				for _, id := range op.runeIDs() {
					t.delete(id)
				}
			case OpDelete:
				if e := r.elems[op.Target]; e != nil {
					t.insert(e.id, []rune{e.r}, e.visibleAttrs())
				}
			case OpFormat:
				t.format(op.Target, op.Key, op.Prev)
			}
		}
	}
	u := t.commit()
	if u == nil {
		return nil, nil, nil
	}
	return u, t.patch.out, nil
}

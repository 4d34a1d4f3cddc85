package crdt

import (
	"maps"
	"sort"
	"strings"

	"github.com/golang/glog"

	"collabSync/backend/internal/delta"
)

type attr struct {
	Value any `json:"v"`
	Stamp ID  `json:"s"`
}

type element struct {
	id      ID
	parent  ID
	r       rune
	deleted bool
	attrs   map[string]attr
}

// visibleAttrs returns the live attribute values (removed keys are skipped).
func (e *element) visibleAttrs() map[string]any {
	if len(e.attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.attrs))
	for k, a := range e.attrs {
		if a.Value != nil {
			out[k] = a.Value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Replica is one (client, document) copy of the document.
//
// Elements form an RGA: each element is inserted after a parent, siblings are
// ordered by descending ID and the document is the depth-first walk from head.
// order keeps that walk (tombstones included) so integration is a scan.
//
// A Replica is not safe for concurrent use; its owner serializes access.
type Replica struct {
	docID  string
	origin string
	clock  uint64
	sv     StateVector

	elems   map[ID]*element
	order   []*element
	visible int

	pending map[string]*Update
	log     *opLog
	buf     Buffer
}

type Option func(*Replica)

// WithLogCapacity bounds the op log used for incremental catch-up.
func WithLogCapacity(n int) Option {
	return func(r *Replica) { r.log = newOpLog(n) }
}

func NewReplica(docID, origin string, opts ...Option) *Replica {
	r := &Replica{
		docID:   docID,
		origin:  origin,
		sv:      StateVector{},
		elems:   make(map[ID]*element),
		pending: make(map[string]*Update),
		log:     newOpLog(defaultLogCapacity),
		buf:     newBuffer(""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Replica) DocumentID() string { return r.docID }
func (r *Replica) Origin() string     { return r.origin }

// StateVector returns a copy of the causal summary.
func (r *Replica) StateVector() StateVector { return r.sv.Clone() }

// Content is the materialized text.
func (r *Replica) Content() string { return r.buf.String() }

// Len is the number of visible runes.
func (r *Replica) Len() int { return r.visible }

// Pending is the number of received updates waiting for their dependencies.
func (r *Replica) Pending() int { return len(r.pending) }

// LogLen is the number of updates currently retained for catch-up.
func (r *Replica) LogLen() int { return r.log.len() }

// Text walks the element order. It always equals Content.
func (r *Replica) Text() string {
	var sb strings.Builder
	for _, e := range r.order {
		if !e.deleted {
			sb.WriteRune(e.r)
		}
	}
	return sb.String()
}

// Delta renders the visible document as an insert-only delta with attributes,
// the form an editor uses for its initial render.
func (r *Replica) Delta() delta.Delta {
	var out delta.Delta
	for _, e := range r.order {
		if e.deleted {
			continue
		}
		attrs := e.visibleAttrs()
		if n := len(out); n > 0 && sameAttrs(out[n-1].Attrs, attrs) {
			out[n-1].Text += string(e.r)
			continue
		}
		out = append(out, delta.Op{Kind: delta.KindInsert, Text: string(e.r), Attrs: attrs})
	}
	return out
}

// Diff returns the logged updates a peer at sv is missing.
func (r *Replica) Diff(sv StateVector) []*Update {
	return r.log.since(sv)
}

// CanDiff reports whether Diff(sv) is a complete catch-up for a peer at sv.
func (r *Replica) CanDiff(sv StateVector) bool {
	for c, n := range r.sv {
		if sv[c] < n && r.log.floor[c] > sv[c] {
			return false
		}
	}
	return true
}

func (r *Replica) indexOf(id ID) int {
	if id == head {
		return -1
	}
	for i, e := range r.order {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (r *Replica) visibleBefore(i int) int {
	n := 0
	for _, e := range r.order[:i] {
		if !e.deleted {
			n++
		}
	}
	return n
}

// visibleRange returns count visible elements starting at visible position pos.
func (r *Replica) visibleRange(pos, count int) []*element {
	out := make([]*element, 0, count)
	n := 0
	for _, e := range r.order {
		if e.deleted {
			continue
		}
		if n >= pos {
			out = append(out, e)
			if len(out) == count {
				break
			}
		}
		n++
	}
	return out
}

func (r *Replica) observe(c uint64) {
	if c > r.clock {
		r.clock = c
	}
}

// integrate places a new element after its parent, skipping the subtrees of
// siblings with a greater ID, and returns its visible index.
func (r *Replica) integrate(e *element) int {
	i := r.indexOf(e.parent) + 1
	for i < len(r.order) && e.id.Less(r.order[i].id) {
		i++
	}
	r.order = append(r.order, nil)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = e
	r.elems[e.id] = e
	r.observe(e.id.Clock)
	if !e.deleted {
		r.visible++
	}
	return r.visibleBefore(i)
}

func (r *Replica) tombstone(e *element) (int, bool) {
	if e.deleted {
		return 0, false
	}
	idx := r.visibleBefore(r.indexOf(e.id))
	e.deleted = true
	r.visible--
	return idx, true
}

// setAttr applies a last-writer-wins attribute write.
func (r *Replica) setAttr(e *element, key string, value any, stamp ID) bool {
	r.observe(stamp.Clock)
	if cur, ok := e.attrs[key]; ok && !cur.Stamp.Less(stamp) {
		return false
	}
	if e.attrs == nil {
		e.attrs = make(map[string]attr)
	}
	e.attrs[key] = attr{Value: value, Stamp: stamp}
	return true
}

// applyPatch keeps the materialized buffer in step with the element order.
func (r *Replica) applyPatch(p *patcher) {
	for _, d := range p.out {
		if err := r.buf.Apply(d); err != nil {
			glog.Errorf("crdt: doc=%s buffer diverged, rebuilding: %v", r.docID, err)
			r.buf = newBuffer(r.Text())
			return
		}
	}
}

func sameAttrs(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !equalValue(v, w) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	switch a.(type) {
	case string, bool, float64, int, int64, nil:
		return a == b
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneAttrs(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return maps.Clone(m)
}

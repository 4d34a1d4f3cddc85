package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

const snapshotVersion = 1

type snapshotElement struct {
	ID      ID              `json:"id"`
	Parent  ID              `json:"p"`
	Text    string          `json:"t"`
	Deleted bool            `json:"d,omitempty"`
	Attrs   map[string]attr `json:"a,omitempty"`
}

type snapshotState struct {
	Version    int               `json:"version"`
	DocumentID string            `json:"documentId"`
	Clock      uint64            `json:"clock"`
	Vector     StateVector       `json:"vector"`
	Elements   []snapshotElement `json:"elements"`
}

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// Snapshot serializes the full state (elements in document order, tombstones
// included, plus the state vector) so a joiner can converge without replaying
// the operation log.
func (r *Replica) Snapshot() ([]byte, error) {
	st := snapshotState{
		Version:    snapshotVersion,
		DocumentID: r.docID,
		Clock:      r.clock,
		Vector:     r.sv.Clone(),
		Elements:   make([]snapshotElement, 0, len(r.order)),
	}
	for _, e := range r.order {
		st.Elements = append(st.Elements, snapshotElement{
			ID:      e.id,
			Parent:  e.parent,
			Text:    string(e.r),
			Deleted: e.deleted,
			Attrs:   e.attrs,
		})
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return zenc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeSnapshot(b []byte) (*snapshotState, error) {
	raw, err := zdec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	var st snapshotState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if st.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedSnapshot, st.Version)
	}
	return &st, nil
}

// SnapshotContent decodes a snapshot and returns its visible text without
// building a replica.
func SnapshotContent(b []byte) (string, StateVector, error) {
	st, err := decodeSnapshot(b)
	if err != nil {
		return "", nil, err
	}
	var text []rune
	for _, e := range st.Elements {
		if !e.Deleted {
			text = append(text, []rune(e.Text)...)
		}
	}
	return string(text), st.Vector, nil
}

// MergeSnapshot folds a snapshot into this replica, empty or not. Unknown
// elements are integrated, tombstones and attributes are merged, and the state
// vector takes the per-origin maximum. Updates covered by the snapshot but
// absent from the log can no longer be served incrementally.
//
// The first returned change carries the snapshot's own effect; it is followed
// by held-back updates that became applicable.
func (r *Replica) MergeSnapshot(b []byte) ([]Change, error) {
	st, err := decodeSnapshot(b)
	if err != nil {
		return nil, err
	}
	if st.DocumentID != "" && r.docID != "" && st.DocumentID != r.docID {
		return nil, fmt.Errorf("%w: snapshot of %s merged into %s", ErrMalformedSnapshot, st.DocumentID, r.docID)
	}
	// 父节点必须出现在子节点之前，先整体校验，再修改副本
	seen := make(map[ID]struct{}, len(st.Elements))
	for i, se := range st.Elements {
		if utf8.RuneCountInString(se.Text) != 1 {
			return nil, fmt.Errorf("%w: element %d holds %q", ErrMalformedSnapshot, i, se.Text)
		}
		if se.ID.IsZero() {
			return nil, fmt.Errorf("%w: element %d has no id", ErrMalformedSnapshot, i)
		}
		if se.Parent != head {
			if _, ok := seen[se.Parent]; !ok {
				if _, ok := r.elems[se.Parent]; !ok {
					return nil, fmt.Errorf("%w: element %s precedes its parent %s", ErrMalformedSnapshot, se.ID, se.Parent)
				}
			}
		}
		seen[se.ID] = struct{}{}
	}

	var p patcher
	for _, se := range st.Elements {
		e, ok := r.elems[se.ID]
		if !ok {
			e = &element{id: se.ID, parent: se.Parent, r: []rune(se.Text)[0], deleted: se.Deleted}
			for k, a := range se.Attrs {
				r.setAttr(e, k, a.Value, a.Stamp)
			}
			idx := r.integrate(e)
			if !e.deleted {
				p.insert(idx, se.Text, e.visibleAttrs())
			}
			continue
		}
		if se.Deleted {
			if idx, ok := r.tombstone(e); ok {
				p.delete(idx)
			}
		}
		keys := make([]string, 0, len(se.Attrs))
		for k := range se.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a := se.Attrs[k]
			if r.setAttr(e, k, a.Value, a.Stamp) && !e.deleted {
				p.format(r.visibleBefore(r.indexOf(e.id)), k, a.Value)
			}
		}
	}
	r.applyPatch(&p)
	r.observe(st.Clock)
	for c, n := range st.Vector {
		if n > r.sv[c] {
			r.sv[c] = n
			r.log.raiseFloor(c, n)
		}
	}
	out := []Change{{Origin: OriginPersisted, Deltas: p.out}}
	return append(out, r.drainPending()...), nil
}

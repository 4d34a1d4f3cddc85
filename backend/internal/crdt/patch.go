package crdt

import (
	"unicode/utf8"

	"collabSync/backend/internal/delta"
)

// patcher turns element-level effects into positional deltas, merging runs
// that land next to each other.
type patcher struct {
	out      []delta.Delta
	lastKind delta.Kind
	lastKey  string
	lastIdx  int
	lastLen  int
}

func (p *patcher) push(idx int, op delta.Op) {
	d := make(delta.Delta, 0, 2)
	if idx > 0 {
		d = append(d, delta.Retain(idx))
	}
	d = append(d, op)
	p.out = append(p.out, d)
}

func (p *patcher) tail() *delta.Op {
	d := p.out[len(p.out)-1]
	return &d[len(d)-1]
}

func (p *patcher) insert(idx int, text string, attrs map[string]any) {
	n := utf8.RuneCountInString(text)
	if len(p.out) > 0 && p.lastKind == delta.KindInsert && idx == p.lastIdx+p.lastLen && sameAttrs(p.tail().Attrs, attrs) {
		p.tail().Text += text
		p.lastLen += n
		return
	}
	p.push(idx, delta.Op{Kind: delta.KindInsert, Text: text, Attrs: cloneAttrs(attrs)})
	p.lastKind, p.lastIdx, p.lastLen = delta.KindInsert, idx, n
}

func (p *patcher) delete(idx int) {
	if len(p.out) > 0 && p.lastKind == delta.KindDelete && idx == p.lastIdx {
		p.tail().Count++
		return
	}
	p.push(idx, delta.Delete(1))
	p.lastKind, p.lastIdx, p.lastLen = delta.KindDelete, idx, 1
}

func (p *patcher) format(idx int, key string, value any) {
	if len(p.out) > 0 && p.lastKind == delta.KindRetain && p.lastKey == key &&
		idx == p.lastIdx+p.lastLen && equalValue(p.tail().Attrs[key], value) {
		p.tail().Count++
		p.lastLen++
		return
	}
	p.push(idx, delta.Format(1, map[string]any{key: value}))
	p.lastKind, p.lastKey, p.lastIdx, p.lastLen = delta.KindRetain, key, idx, 1
}

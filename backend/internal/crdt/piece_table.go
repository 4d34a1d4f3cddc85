package crdt

import (
	"fmt"
	"strings"

	"collabSync/backend/internal/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	n        int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, n: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.n }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.n)
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		for _, r := range src[p.offset : p.offset+p.length] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Apply 按 delta 修改内容。属性（attrs）不影响文本，由副本自己维护。
// 越界的 delta 直接返回错误，且不修改内容。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(pt.n); err != nil {
		return fmt.Errorf("piece table: %w", err)
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}
	pt.n += len(text)

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		// 末尾追加；与上一片连续时直接延长
		if last := len(pt.pieces) - 1; last >= 0 && pt.pieces[last].buf == bufAdd &&
			pt.pieces[last].offset+pt.pieces[last].length == start {
			pt.pieces[last].length += len(text)
			return len(text)
		}
		pt.pieces = append(pt.pieces, np)
		return len(text)
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, np)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := min(remain, can)

		leftLen := offset
		rightLen := cur.length - offset - take
		repl := make([]piece, 0, 2)
		if leftLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		newPieces := make([]piece, 0, len(pt.pieces)+1)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		newPieces = append(newPieces, repl...)
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces

		// 左半段保留时，下一段从左半段之后继续
		if leftLen > 0 {
			idx++
		}
		offset = 0
		remain -= take
		pt.n -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

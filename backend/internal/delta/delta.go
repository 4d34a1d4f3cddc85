package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等），nil 值表示移除
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrInvalid = errors.New("invalid delta")

func Retain(n int) Op { return Op{Kind: KindRetain, Count: n} }

func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }

func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

// Format retains n runes and sets attrs on them.
func Format(n int, attrs map[string]any) Op {
	return Op{Kind: KindRetain, Count: n, Attrs: attrs}
}

// Validate checks the delta against a document of docLen runes.
func (d Delta) Validate(docLen int) error {
	pos := 0
	for i, op := range d {
		switch op.Kind {
		case KindRetain:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d: retain count %d", ErrInvalid, i, op.Count)
			}
			if pos+op.Count > docLen {
				return fmt.Errorf("%w: op %d: retain past end (%d > %d)", ErrInvalid, i, pos+op.Count, docLen)
			}
			for k := range op.Attrs {
				if k == "" {
					return fmt.Errorf("%w: op %d: empty attribute key", ErrInvalid, i)
				}
			}
			pos += op.Count
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d: empty insert", ErrInvalid, i)
			}
			if !utf8.ValidString(op.Text) {
				return fmt.Errorf("%w: op %d: insert is not valid utf-8", ErrInvalid, i)
			}
			// 插入不消耗原文档，但之后的位置整体后移
			n := utf8.RuneCountInString(op.Text)
			pos += n
			docLen += n
		case KindDelete:
			if op.Count <= 0 {
				return fmt.Errorf("%w: op %d: delete count %d", ErrInvalid, i, op.Count)
			}
			if pos+op.Count > docLen {
				return fmt.Errorf("%w: op %d: delete past end (%d > %d)", ErrInvalid, i, pos+op.Count, docLen)
			}
			docLen -= op.Count
		default:
			return fmt.Errorf("%w: op %d: unknown kind %q", ErrInvalid, i, op.Kind)
		}
	}
	return nil
}

// IsNoop reports whether applying d changes nothing.
func (d Delta) IsNoop() bool {
	for _, op := range d {
		if op.Kind != KindRetain || len(op.Attrs) > 0 {
			return false
		}
	}
	return true
}

// Text concatenates the inserted text of a document-shaped delta.
func (d Delta) Text() string {
	var n int
	for _, op := range d {
		n += len(op.Text)
	}
	b := make([]byte, 0, n)
	for _, op := range d {
		if op.Kind == KindInsert {
			b = append(b, op.Text...)
		}
	}
	return string(b)
}

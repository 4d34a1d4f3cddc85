package delta

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		d      Delta
		docLen int
		ok     bool
	}{
		{"empty", Delta{}, 0, true},
		{"insert into empty", Delta{Insert("Hello")}, 0, true},
		{"retain then insert", Delta{Retain(5), Insert(" World")}, 5, true},
		{"retain past end", Delta{Retain(6)}, 5, false},
		{"delete past end", Delta{Retain(3), Delete(3)}, 5, false},
		{"delete inserted text", Delta{Insert("ab"), Delete(2)}, 0, true},
		{"negative retain", Delta{{Kind: KindRetain, Count: -1}}, 5, false},
		{"empty insert", Delta{Insert("")}, 5, false},
		{"unknown kind", Delta{{Kind: "move", Count: 1}}, 5, false},
		{"invalid utf8", Delta{Insert(string([]byte{0xff, 0xfe}))}, 0, false},
		{"format", Delta{Format(2, map[string]any{"bold": true})}, 2, true},
		{"multibyte", Delta{Insert("你好"), Retain(1)}, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.d.Validate(tc.docLen)
			if tc.ok && err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Validate() error = %v, want ErrInvalid", err)
				}
			}
		})
	}
}

func TestIsNoop(t *testing.T) {
	if !(Delta{Retain(3)}).IsNoop() {
		t.Fatalf("plain retain should be a no-op")
	}
	if (Delta{Format(3, map[string]any{"bold": true})}).IsNoop() {
		t.Fatalf("format retain is not a no-op")
	}
	if (Delta{Insert("x")}).IsNoop() {
		t.Fatalf("insert is not a no-op")
	}
}

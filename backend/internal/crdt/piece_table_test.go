package crdt

import (
	"testing"

	"collabSync/backend/internal/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		delta.Retain(5),               // 跳过 "Hello"
		delta.Insert(" collaborative"), // 在 pos=5 插入
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	d := delta.Delta{
		delta.Retain(5),  // "Hello"
		delta.Delete(14), // " collaborative"
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if pt.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", pt.Len(), len(want))
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("")
	for _, d := range []delta.Delta{
		{delta.Insert("abc")},
		{delta.Retain(3), delta.Insert("def")},
		{delta.Insert("012")},
		{delta.Retain(2), delta.Delete(5)},
	} {
		if err := pt.Apply(d); err != nil {
			t.Fatalf("Apply(%v) error = %v", d, err)
		}
	}
	if got, want := pt.String(), "01def"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_RejectsOutOfRange(t *testing.T) {
	pt := NewPieceTable("abc")
	if err := pt.Apply(delta.Delta{delta.Retain(2), delta.Delete(2)}); err == nil {
		t.Fatalf("Apply() = nil, want error")
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("content changed after rejected delta: %q", got)
	}
}

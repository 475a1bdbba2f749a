package ustr

import "testing"

func TestEqFixedExactWidth(t *testing.T) {
	name := Ustr("hello")
	field := name.ToFixed()
	if !name.Eq(FromFixed(field)) {
		t.Fatalf("round trip through fixed field changed name")
	}
	if !name.EqFixed(field) {
		t.Fatalf("EqFixed should match its own encoding")
	}
	if Ustr("hell").EqFixed(field) {
		t.Fatalf("shorter prefix must not match")
	}
}

func TestEqFixedOverlong(t *testing.T) {
	long := make(Ustr, NameWidth+1)
	var field [NameWidth]byte
	if long.EqFixed(field) {
		t.Fatalf("overlong name must never match a fixed field")
	}
}

func TestMkUstrSliceTruncatesAtNUL(t *testing.T) {
	buf := []uint8{'a', 'b', 0, 'c'}
	got := MkUstrSlice(buf)
	if got.String() != "ab" {
		t.Fatalf("got %q, want %q", got.String(), "ab")
	}
}

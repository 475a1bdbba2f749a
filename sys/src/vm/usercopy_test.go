package vm

import (
	"bytes"
	"testing"

	"limits"
	"mem"
)

func TestUserCopierRoundTrip(t *testing.T) {
	pt, kroot := freshKernel(32)
	as := Create(pt, kroot)
	as.MapRange(limits.UserStartVMA, 3*mem.PGSIZE, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	msg := bytes.Repeat([]byte("abcdefgh"), 1024) // spans multiple pages
	in := NewUserCopier(as, limits.UserStartVMA, len(msg))
	n, err := in.CopyIn(msg)
	if err != 0 || n != len(msg) {
		t.Fatalf("CopyIn: n=%v err=%v, want n=%v err=0", n, err, len(msg))
	}

	out := NewUserCopier(as, limits.UserStartVMA, len(msg))
	got := make([]byte, len(msg))
	n, err = out.CopyOut(got)
	if err != 0 || n != len(msg) {
		t.Fatalf("CopyOut: n=%v err=%v, want n=%v err=0", n, err, len(msg))
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("round-tripped bytes do not match")
	}
}

func TestUserCopierRejectsUnmappedRange(t *testing.T) {
	pt, kroot := freshKernel(32)
	as := Create(pt, kroot)
	as.MapFixed(limits.UserStartVMA, mem.PTE_R|mem.PTE_W|mem.PTE_U)

	uc := NewUserCopier(as, limits.UserStartVMA, 2*mem.PGSIZE)
	buf := make([]byte, 2*mem.PGSIZE)
	n, err := uc.CopyIn(buf)
	if err == 0 {
		t.Fatalf("expected an error copying into a partially unmapped range")
	}
	if n != mem.PGSIZE {
		t.Fatalf("expected exactly one page's worth copied before the failure, got %v", n)
	}
}

func TestUserCopierRejectsReadOnlyWrite(t *testing.T) {
	pt, kroot := freshKernel(32)
	as := Create(pt, kroot)
	as.MapFixed(limits.UserStartVMA, mem.PTE_R|mem.PTE_U)

	uc := NewUserCopier(as, limits.UserStartVMA, mem.PGSIZE)
	if _, err := uc.CopyIn(make([]byte, mem.PGSIZE)); err == 0 {
		t.Fatalf("expected CopyIn to fail against a read-only page")
	}
}

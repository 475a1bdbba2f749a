package mem

import "testing"

func freshAllocator(npages int) *PageAllocator {
	return NewPageAllocator(make([]byte, npages*PGSIZE))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pa := freshAllocator(4)
	if pa.Nfree() != 4 {
		t.Fatalf("Nfree() = %v, want 4", pa.Nfree())
	}
	a := pa.Alloc()
	b := pa.Alloc()
	if a == b {
		t.Fatalf("Alloc returned the same frame twice: %v", a)
	}
	if pa.Nfree() != 2 {
		t.Fatalf("Nfree() = %v, want 2", pa.Nfree())
	}
	pa.Free(a)
	if pa.Nfree() != 3 {
		t.Fatalf("Nfree() = %v, want 3", pa.Nfree())
	}
	c := pa.Alloc()
	if c != a {
		t.Fatalf("Alloc() = %v, want reused frame %v", c, a)
	}
	_ = b
}

func TestAllocZeroesFrame(t *testing.T) {
	pa := freshAllocator(2)
	f := pa.Alloc()
	page := pa.Page(f)
	for i := range page {
		page[i] = 0xff
	}
	pa.Free(f)
	f2 := pa.Alloc()
	page2 := pa.Page(f2)
	for i, b := range page2 {
		if b != 0 {
			t.Fatalf("byte %v of reallocated frame = %#x, want 0", i, b)
		}
	}
}

func TestAllocExhaustionHalts(t *testing.T) {
	pa := freshAllocator(1)
	pa.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Alloc to halt the kernel when frames are exhausted")
		}
	}()
	pa.Alloc()
}

func TestNewPageAllocatorRejectsUnaligned(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected NewPageAllocator to halt on a non-page-aligned arena")
		}
	}()
	NewPageAllocator(make([]byte, PGSIZE+1))
}

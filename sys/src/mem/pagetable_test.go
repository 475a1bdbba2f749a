package mem

import (
	"limits"
	"testing"
)

func freshPageTable(npages int) (*PageTable, Pa_t) {
	alloc := freshAllocator(npages)
	pt := NewPageTable(alloc)
	root := pt.NewRoot()
	return pt, root
}

func TestMapAndLookupRoundTrip(t *testing.T) {
	pt, root := freshPageTable(16)
	va := limits.UserStartVMA
	frame := pt.AllocAndMapPage(root, va, PTE_R|PTE_W|PTE_U)
	pte, ok := pt.lookup(root, va)
	if !ok {
		t.Fatalf("lookup failed for mapped va %#x", va)
	}
	if pte.ppn() != frame {
		t.Fatalf("lookup ppn = %v, want %v", pte.ppn(), frame)
	}
	if pte.flags()&(PTE_R|PTE_W|PTE_U|PTE_V) != (PTE_R | PTE_W | PTE_U | PTE_V) {
		t.Fatalf("mapped pte missing expected flags: %#x", pte.flags())
	}
}

func TestLeafPTEImpliesValidFrame(t *testing.T) {
	pt, root := freshPageTable(16)
	base := limits.UserStartVMA
	pt.AllocAndMapRange(root, base, 3*PGSIZE, PTE_R|PTE_W|PTE_U)
	for off := 0; off < 3*PGSIZE; off += PGSIZE {
		pte, ok := pt.lookup(root, base+uintptr(off))
		if !ok || !pte.valid() {
			t.Fatalf("expected valid leaf at offset %v", off)
		}
		if int(pte.ppn())+PGSIZE > pt.alloc.Nframes()*PGSIZE {
			t.Fatalf("leaf ppn %v out of arena bounds", pte.ppn())
		}
	}
}

func TestValidateVptrLenRejectsUnmapped(t *testing.T) {
	pt, root := freshPageTable(16)
	base := limits.UserStartVMA
	pt.AllocAndMapPage(root, base, PTE_R|PTE_U)
	if pt.ValidateVptrLen(root, base, PGSIZE, false) != true {
		t.Fatalf("expected mapped single page to validate read-only")
	}
	if pt.ValidateVptrLen(root, base, PGSIZE, true) {
		t.Fatalf("expected read-only page to fail a writable validation")
	}
	if pt.ValidateVptrLen(root, base, 2*PGSIZE, false) {
		t.Fatalf("expected validation spanning an unmapped page to fail")
	}
}

func TestValidateVstrFindsTerminator(t *testing.T) {
	pt, root := freshPageTable(16)
	base := limits.UserStartVMA
	frame := pt.AllocAndMapPage(root, base, PTE_R|PTE_U)
	page := pt.alloc.Page(frame)
	copy(page, []byte("hello\x00garbage"))
	n, ok := pt.ValidateVstr(root, base, 64)
	if !ok {
		t.Fatalf("expected ValidateVstr to succeed")
	}
	if n != 5 {
		t.Fatalf("ValidateVstr length = %v, want 5", n)
	}
}

func TestValidateVstrRejectsMissingTerminator(t *testing.T) {
	pt, root := freshPageTable(16)
	base := limits.UserStartVMA
	frame := pt.AllocAndMapPage(root, base, PTE_R|PTE_U)
	page := pt.alloc.Page(frame)
	for i := range page {
		page[i] = 'a'
	}
	if _, ok := pt.ValidateVstr(root, base, 8); ok {
		t.Fatalf("expected ValidateVstr to fail without a NUL within maxlen")
	}
}

func TestHandlePageFaultMapsWithinUserRegion(t *testing.T) {
	pt, root := freshPageTable(16)
	fault := limits.UserStartVMA + 5*PGSIZE + 100
	if err := pt.HandlePageFault(root, fault); err != 0 {
		t.Fatalf("HandlePageFault returned error %v", err)
	}
	page := fault &^ uintptr(PGOFFSET)
	pte, ok := pt.lookup(root, page)
	if !ok {
		t.Fatalf("expected page fault to install a mapping")
	}
	if pte.flags()&(PTE_R|PTE_W|PTE_U) != (PTE_R | PTE_W | PTE_U) {
		t.Fatalf("fault-installed page missing rw-u flags: %#x", pte.flags())
	}
}

func TestHandlePageFaultOutsideUserRegionHalts(t *testing.T) {
	pt, root := freshPageTable(16)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a fault outside the user region to halt the kernel")
		}
	}()
	pt.HandlePageFault(root, limits.UserEndVMA+PGSIZE)
}

func TestUnmapAndFreeUserReclaimsFrames(t *testing.T) {
	pt, root := freshPageTable(64)
	before := pt.alloc.Nfree()
	base := limits.UserStartVMA
	pt.AllocAndMapRange(root, base, 8*PGSIZE, PTE_R|PTE_W|PTE_U)
	afterMap := pt.alloc.Nfree()
	if afterMap >= before {
		t.Fatalf("expected frames to be consumed by mapping")
	}
	pt.UnmapAndFreeUser(root)
	if pt.alloc.Nfree() != before {
		t.Fatalf("Nfree() after unmap = %v, want %v (all user frames reclaimed)", pt.alloc.Nfree(), before)
	}
	if _, ok := pt.lookup(root, base); ok {
		t.Fatalf("expected mapping to be gone after UnmapAndFreeUser")
	}
}

func TestCopyKernelEntriesSharesGlobalOnly(t *testing.T) {
	pt, src := freshPageTable(16)
	dst := pt.NewRoot()
	kva := limits.RAMStartVMA
	pt.MapPage(src, kva, pt.alloc.Alloc(), PTE_R|PTE_W|PTE_G)
	uva := limits.UserStartVMA
	pt.AllocAndMapPage(src, uva, PTE_R|PTE_U)

	pt.CopyKernelEntries(dst, src)

	if _, ok := pt.lookup(dst, kva); !ok {
		t.Fatalf("expected global kernel mapping to be shared into dst")
	}
	if _, ok := pt.lookup(dst, uva); ok {
		t.Fatalf("expected user mapping not to be copied into dst")
	}
}

// Package vm implements per-process address spaces over the Sv39 page
// tables in mem: kernel/user root construction, fork-time duplication,
// teardown, and the page-fault entry point. Generalized from the
// teacher's Vm_t, stripped of copy-on-write, shared/file-backed
// mappings, and multi-CPU TLB shootdown — this is a single-hart
// teaching kernel with exactly two address-space operations (fork,
// demand-paged stack/heap growth), not a general mmap subsystem.
package vm

import (
	"sync"

	"defs"
	"limits"
	"mem"
)

// AddressSpace is one process's root page table plus the allocator
// used to grow and shrink it. The mutex serializes page-fault handling
// against fork/teardown for this address space.
type AddressSpace struct {
	mu   sync.Mutex
	pt   *mem.PageTable
	Root mem.Pa_t
}

// InitKernelMap builds the shared kernel root table: an identity map of
// [limits.RAMStartVMA, limits.RAMStartVMA+ramSize) as global,
// kernel-only, read-write. Every process address space copies this
// root's top-level entries so kernel code and data stay mapped and
// are never duplicated or freed per-process.
func InitKernelMap(pt *mem.PageTable, ramSize int) mem.Pa_t {
	root := pt.NewRoot()
	for off := 0; off < ramSize; off += mem.PGSIZE {
		va := limits.RAMStartVMA + uintptr(off)
		pt.MapPage(root, va, mem.Pa_t(off), mem.PTE_R|mem.PTE_W|mem.PTE_G)
	}
	return root
}

// Create returns a fresh address space whose kernel mappings are
// shared with kernelRoot and whose user region is empty.
func Create(pt *mem.PageTable, kernelRoot mem.Pa_t) *AddressSpace {
	root := pt.NewRoot()
	pt.CopyKernelEntries(root, kernelRoot)
	return &AddressSpace{pt: pt, Root: root}
}

// Clone duplicates as's user mappings into a brand-new address space
// that shares the same kernel root entries. Every user page is
// byte-for-byte copied into a freshly allocated frame — there is no
// copy-on-write sharing here, matching the spec's fork semantics.
func (as *AddressSpace) Clone(kernelRoot mem.Pa_t) *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := Create(as.pt, kernelRoot)
	as.pt.ForEachUserLeaf(as.Root, func(va uintptr, pa mem.Pa_t, flags uint64) {
		newFrame := as.pt.AllocAndMapPage(child.Root, va, flags)
		copy(as.pt.Page(newFrame), as.pt.Page(pa))
	})
	return child
}

// HandleFault grows the user region to cover faultAddr, per
// mem.PageTable.HandlePageFault.
func (as *AddressSpace) HandleFault(faultAddr uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.HandlePageFault(as.Root, faultAddr)
}

// MapFixed installs one explicit page mapping at an address the caller
// has already chosen. The ELF loader uses the range form, MapRange.
func (as *AddressSpace) MapFixed(va uintptr, flags uint64) mem.Pa_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.AllocAndMapPage(as.Root, va, flags)
}

// MapRange is the range form of MapFixed.
func (as *AddressSpace) MapRange(va uintptr, size int, flags uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.AllocAndMapRange(as.Root, va, size, flags)
}

// SetRangeFlags rewrites permission bits across an already-mapped
// range, used after the ELF loader finishes copying a segment's file
// contents in to apply the segment's real (possibly read-only or
// executable) permissions.
func (as *AddressSpace) SetRangeFlags(va uintptr, size int, flags uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.SetRangeFlags(as.Root, va, size, flags)
}

// ValidateVptrLen reports whether [uva, uva+length) is entirely mapped
// and user-accessible with the requested permissions.
func (as *AddressSpace) ValidateVptrLen(uva uintptr, length int, writable bool) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.ValidateVptrLen(as.Root, uva, length, writable)
}

// ValidateVstr reports whether a NUL-terminated string at uva lies
// within mapped, user-readable pages, and returns its length.
func (as *AddressSpace) ValidateVstr(uva uintptr, maxlen int) (int, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.ValidateVstr(as.Root, uva, maxlen)
}

// Reclaim frees every user-owned frame and the root frame itself. The
// address space must not be used afterward.
func (as *AddressSpace) Reclaim() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.UnmapAndFreeUser(as.Root)
	as.pt.FreeFrame(as.Root)
}

// UnmapUser frees every user-owned frame but keeps the root table, so the
// address space remains usable afterward. Used by exec, which reuses the
// calling process's address space rather than building a fresh one.
func (as *AddressSpace) UnmapUser() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pt.UnmapAndFreeUser(as.Root)
}

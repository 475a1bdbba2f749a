// Package mem implements physical frame allocation and the Sv39 page
// table walker used by the virtual memory manager.
//
// There is no real physical memory backing this simulation, so the
// allocator manages a flat Go byte slice standing in for RAM: Pa_t is a
// byte offset into that slice rather than a hardware address, and the
// free list is threaded through free frames with encoding/binary rather
// than the teacher's unsafe.Pointer casts, since there is no mapped
// address space for unsafe arithmetic to be valid over.
package mem

import (
	"encoding/binary"
	"sync"

	"klog"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the offset bits of an address.
const PGOFFSET Pa_t = PGSIZE - 1

// PGMASK masks the page-number bits of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t is a physical address: a byte offset into the simulated RAM arena
// owned by a PageAllocator. It is not a real hardware address.
type Pa_t uintptr

// Pg_t is a page-sized byte buffer, addressable as a slice of RAM.
type Pg_t = []byte

// PageAllocator owns a simulated physical RAM arena and hands out and
// reclaims page-sized frames from it via a singly linked free list.
// The "next" pointer for a free frame is stored as the first 8 bytes of
// the frame itself, little-endian, following the same trick the teacher
// uses for its page free lists but over a plain byte slice instead of a
// pointer cast.
type PageAllocator struct {
	mu       sync.Mutex
	ram      []byte
	freehead Pa_t
	hasFree  bool
	nframes  int
	nfree    int
}

// noFree is the sentinel "next" value marking the end of the free list.
const noFree = ^Pa_t(0)

// NewPageAllocator builds a PageAllocator over ramBytes, which must be a
// multiple of PGSIZE. Every frame starts on the free list.
func NewPageAllocator(ramBytes []byte) *PageAllocator {
	if len(ramBytes)%PGSIZE != 0 {
		klog.Fatal("mem: ram size %v is not page-aligned", len(ramBytes))
	}
	pa := &PageAllocator{ram: ramBytes}
	n := len(ramBytes) / PGSIZE
	pa.nframes = n
	if n == 0 {
		return pa
	}
	for i := 0; i < n; i++ {
		frame := Pa_t(i * PGSIZE)
		next := noFree
		if i+1 < n {
			next = Pa_t((i + 1) * PGSIZE)
		}
		binary.LittleEndian.PutUint64(pa.ram[frame:frame+8], uint64(next))
	}
	pa.freehead = 0
	pa.hasFree = true
	pa.nfree = n
	return pa
}

// Alloc removes and returns a zeroed frame from the free list, halting
// the kernel if none remain.
func (pa *PageAllocator) Alloc() Pa_t {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if !pa.hasFree {
		klog.Fatal("mem: out of physical frames")
	}
	frame := pa.freehead
	next := Pa_t(binary.LittleEndian.Uint64(pa.ram[frame : frame+8]))
	if next == noFree {
		pa.hasFree = false
	} else {
		pa.freehead = next
	}
	pa.nfree--
	for i := range pa.ram[frame : frame+Pa_t(PGSIZE)] {
		pa.ram[frame+Pa_t(i)] = 0
	}
	return frame
}

// Free returns frame to the free list. The caller must not touch the
// frame's contents afterward.
func (pa *PageAllocator) Free(frame Pa_t) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	next := noFree
	if pa.hasFree {
		next = pa.freehead
	}
	binary.LittleEndian.PutUint64(pa.ram[frame:frame+8], uint64(next))
	pa.freehead = frame
	pa.hasFree = true
	pa.nfree++
}

// Page returns a mutable view of the bytes backing frame.
func (pa *PageAllocator) Page(frame Pa_t) Pg_t {
	return pa.ram[frame : frame+Pa_t(PGSIZE)]
}

// Nframes returns the total number of frames managed by pa.
func (pa *PageAllocator) Nframes() int {
	return pa.nframes
}

// Nfree returns the number of frames currently on the free list.
func (pa *PageAllocator) Nfree() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.nfree
}

package elf

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"defs"
	"mem"
	"vm"
)

// fakeLoader adapts a bytes.Reader to the Loader interface's seek
// convention (absolute repositioning via Seek(pos int) defs.Err_t).
type fakeLoader struct {
	r *bytes.Reader
}

func (f *fakeLoader) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *fakeLoader) Seek(pos int) defs.Err_t {
	if _, err := f.r.Seek(int64(pos), io.SeekStart); err != nil {
		return defs.EIO
	}
	return 0
}

func buildElf(entry, vaddr uint64, data []byte, memsz uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	buf := make([]byte, ehdrSize+phdrSize+len(data))

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2)   // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 243) // EM_RISCV
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(buf[56:58], 1)        // phnum

	ph := buf[ehdrSize:]
	binary.LittleEndian.PutUint32(ph[0:4], 1)   // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 0x7) // R|W|X
	binary.LittleEndian.PutUint64(ph[8:16], ehdrSize+phdrSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(data)))
	binary.LittleEndian.PutUint64(ph[40:48], memsz)

	copy(buf[ehdrSize+phdrSize:], data)
	return buf
}

func freshSpace(t *testing.T) *vm.AddressSpace {
	t.Helper()
	alloc := mem.NewPageAllocator(make([]byte, 256*mem.PGSIZE))
	pt := mem.NewPageTable(alloc)
	kroot := vm.InitKernelMap(pt, 256*mem.PGSIZE)
	return vm.Create(pt, kroot)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	as := freshSpace(t)
	l := &fakeLoader{r: bytes.NewReader(make([]byte, 128))}
	if _, err := Load(l, as, 0x1000, 0x10000); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for a bad header, got %v", err)
	}
}

func TestLoadRejectsOutOfRangeSegment(t *testing.T) {
	as := freshSpace(t)
	const userStart = uintptr(0x81000000)
	const userEnd = uintptr(0x88000000)
	img := buildElf(uint64(userStart), uint64(userEnd), []byte{1, 2, 3, 4}, 4096)
	l := &fakeLoader{r: bytes.NewReader(img)}
	if _, err := Load(l, as, userStart, userEnd); err != defs.EINVAL {
		t.Fatalf("expected EINVAL for an out-of-range segment, got %v", err)
	}
}

func TestLoadMapsSegmentAndZeroFillsTail(t *testing.T) {
	as := freshSpace(t)
	const userStart = uintptr(0x81000000)
	const userEnd = uintptr(0x88000000)
	vaddr := uint64(userStart)
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	img := buildElf(vaddr, vaddr, data, 4096)
	l := &fakeLoader{r: bytes.NewReader(img)}

	entry, err := Load(l, as, userStart, userEnd)
	if err != 0 {
		t.Fatalf("load failed: %v", err)
	}
	if entry != uintptr(vaddr) {
		t.Fatalf("expected entry %#x, got %#x", vaddr, entry)
	}

	uc := vm.NewUserCopier(as, uintptr(vaddr), 8)
	out := make([]byte, 8)
	if _, err := uc.CopyOut(out); err != 0 {
		t.Fatalf("copyout failed: %v", err)
	}
	for i, b := range data {
		if out[i] != b {
			t.Fatalf("byte %d: expected %#x, got %#x", i, b, out[i])
		}
	}
	for i := len(data); i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("expected zero-filled tail at byte %d, got %#x", i, out[i])
		}
	}
}

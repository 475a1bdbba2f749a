// Package elf loads a 64-bit little-endian RISC-V executable into a
// freshly prepared user address space. Grounded on the teacher's
// debug/elf-based chentry.go for the convention of decoding fixed-size
// ELF records with encoding/binary rather than unsafe struct overlay,
// generalized here from a section-table reader into a full segment
// loader since this kernel has no auxiliary loader support.
package elf

import (
	"encoding/binary"
	"io"

	"defs"
	"mem"
	"vm"
)

const ehdrSize = 64
const phdrSize = 56
const eiNident = 16

const (
	elfMag0 = 0x7f
	elfMag1 = 'E'
	elfMag2 = 'L'
	elfMag3 = 'F'

	elfClass64   = 2
	elfData2LSB  = 1
	etExec       = 2
	emRiscv      = 243
	ptLoad       = 1

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// Loader is the capability this package needs from an open file: a
// sequential reader that also supports absolute repositioning, matching
// the source's ioseek+ioread pattern.
type Loader interface {
	io.Reader
	Seek(pos int) defs.Err_t
}

type ehdr struct {
	ident   [eiNident]byte
	typ     uint16
	machine uint16
	version uint32
	entry   uint64
	phoff   uint64
	shoff   uint64
	flags   uint32
	ehsize  uint16
	phentsz uint16
	phnum   uint16
}

func decodeEhdr(raw []byte) ehdr {
	var e ehdr
	copy(e.ident[:], raw[0:eiNident])
	e.typ = binary.LittleEndian.Uint16(raw[16:18])
	e.machine = binary.LittleEndian.Uint16(raw[18:20])
	e.version = binary.LittleEndian.Uint32(raw[20:24])
	e.entry = binary.LittleEndian.Uint64(raw[24:32])
	e.phoff = binary.LittleEndian.Uint64(raw[32:40])
	e.shoff = binary.LittleEndian.Uint64(raw[40:48])
	e.flags = binary.LittleEndian.Uint32(raw[48:52])
	e.ehsize = binary.LittleEndian.Uint16(raw[52:54])
	e.phentsz = binary.LittleEndian.Uint16(raw[54:56])
	e.phnum = binary.LittleEndian.Uint16(raw[56:58])
	return e
}

func verifyEhdr(e ehdr) defs.Err_t {
	if e.ident[0] != elfMag0 || e.ident[1] != elfMag1 || e.ident[2] != elfMag2 || e.ident[3] != elfMag3 {
		return defs.EINVAL
	}
	if e.ident[5] != elfData2LSB {
		return defs.EINVAL
	}
	if e.ident[4] != elfClass64 {
		return defs.EINVAL
	}
	if e.machine != emRiscv {
		return defs.EINVAL
	}
	if e.typ != etExec {
		return defs.EINVAL
	}
	if e.phoff == 0 || e.phnum == 0 {
		return defs.EINVAL
	}
	return 0
}

type phdr struct {
	typ    uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	paddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

func decodePhdr(raw []byte) phdr {
	var p phdr
	p.typ = binary.LittleEndian.Uint32(raw[0:4])
	p.flags = binary.LittleEndian.Uint32(raw[4:8])
	p.offset = binary.LittleEndian.Uint64(raw[8:16])
	p.vaddr = binary.LittleEndian.Uint64(raw[16:24])
	p.paddr = binary.LittleEndian.Uint64(raw[24:32])
	p.filesz = binary.LittleEndian.Uint64(raw[32:40])
	p.memsz = binary.LittleEndian.Uint64(raw[40:48])
	p.align = binary.LittleEndian.Uint64(raw[48:56])
	return p
}

func readFull(l Loader, buf []byte) (int, defs.Err_t) {
	total := 0
	for total < len(buf) {
		n, err := l.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, defs.EIO
		}
		if n == 0 {
			break
		}
	}
	return total, 0
}

// Load reads an ELF64 executable from l, maps and populates its LOAD
// segments into as, and returns the entry point. No segment is mapped
// if header verification fails.
func Load(l Loader, as *vm.AddressSpace, userStart, userEnd uintptr) (uintptr, defs.Err_t) {
	if err := l.Seek(0); err != 0 {
		return 0, defs.EIO
	}
	raw := make([]byte, ehdrSize)
	if n, err := readFull(l, raw); err != 0 || n != ehdrSize {
		return 0, defs.EIO
	}
	hdr := decodeEhdr(raw)
	if err := verifyEhdr(hdr); err != 0 {
		return 0, err
	}

	for i := 0; i < int(hdr.phnum); i++ {
		pos := int(hdr.phoff) + i*phdrSize
		if err := l.Seek(pos); err != 0 {
			return 0, defs.EIO
		}
		praw := make([]byte, phdrSize)
		if n, err := readFull(l, praw); err != 0 || n != phdrSize {
			return 0, defs.EIO
		}
		ph := decodePhdr(praw)
		if ph.typ != ptLoad {
			continue
		}

		vaddr := uintptr(ph.vaddr)
		if vaddr < userStart || vaddr+uintptr(ph.memsz) > userEnd {
			return 0, defs.EINVAL
		}

		pageStart := vaddr &^ uintptr(mem.PGOFFSET)
		pageEnd := (vaddr + uintptr(ph.memsz) + uintptr(mem.PGOFFSET)) &^ uintptr(mem.PGOFFSET)
		as.MapRange(pageStart, int(pageEnd-pageStart), mem.PTE_U|mem.PTE_R|mem.PTE_W)

		if err := l.Seek(int(ph.offset)); err != 0 {
			return 0, defs.EIO
		}
		segBuf := make([]byte, ph.filesz)
		if n, err := readFull(l, segBuf); err != 0 || uint64(n) != ph.filesz {
			return 0, defs.EIO
		}
		uc := vm.NewUserCopier(as, vaddr, int(ph.filesz))
		if _, err := uc.CopyIn(segBuf); err != 0 {
			return 0, err
		}
		if ph.memsz > ph.filesz {
			zeroLen := int(ph.memsz - ph.filesz)
			zc := vm.NewUserCopier(as, vaddr+uintptr(ph.filesz), zeroLen)
			if _, err := zc.CopyIn(make([]byte, zeroLen)); err != 0 {
				return 0, err
			}
		}

		perms := uint64(mem.PTE_U)
		if ph.flags&pfX != 0 {
			perms |= mem.PTE_X
		}
		if ph.flags&pfW != 0 {
			perms |= mem.PTE_W
		}
		if ph.flags&pfR != 0 {
			perms |= mem.PTE_R
		}
		as.SetRangeFlags(pageStart, int(pageEnd-pageStart), perms)
	}

	return uintptr(hdr.entry), 0
}

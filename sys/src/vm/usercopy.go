package vm

import (
	"defs"
	"mem"
)

// UserCopier copies bytes between kernel buffers and a single
// contiguous user address range, tracking how much of the range has
// been consumed so a partial transfer can be resumed. Generalized from
// the teacher's Userbuf_t, with the COW/resource-accounting machinery
// dropped: every page in range is either already mapped or the
// transfer fails outright, since this kernel has no lazy file-backed
// mappings for a copy to fault in.
type UserCopier struct {
	as  *AddressSpace
	uva uintptr
	len int
	off int
}

// NewUserCopier returns a copier over [uva, uva+length) in as.
func NewUserCopier(as *AddressSpace, uva uintptr, length int) *UserCopier {
	return &UserCopier{as: as, uva: uva, len: length}
}

// Remain reports how many bytes are left to transfer.
func (uc *UserCopier) Remain() int {
	return uc.len - uc.off
}

func (uc *UserCopier) tx(buf []byte, toUser bool) (int, defs.Err_t) {
	uc.as.mu.Lock()
	defer uc.as.mu.Unlock()

	n := 0
	for len(buf) > 0 && uc.off < uc.len {
		va := uc.uva + uintptr(uc.off)
		pageVA := va &^ uintptr(mem.PGOFFSET)
		pa, flags, ok := uc.as.pt.LookupFlags(uc.as.Root, pageVA)
		if !ok {
			return n, defs.EBADFMT
		}
		need := mem.PTE_V | mem.PTE_U | mem.PTE_R
		if toUser {
			need |= mem.PTE_W
		}
		if flags&need != need {
			return n, defs.EBADFMT
		}
		frame := uc.as.pt.Page(pa)
		pageOff := int(va & uintptr(mem.PGOFFSET))
		avail := mem.PGSIZE - pageOff
		if avail > len(buf) {
			avail = len(buf)
		}
		if left := uc.len - uc.off; avail > left {
			avail = left
		}
		if toUser {
			copy(frame[pageOff:pageOff+avail], buf[:avail])
		} else {
			copy(buf[:avail], frame[pageOff:pageOff+avail])
		}
		buf = buf[avail:]
		uc.off += avail
		n += avail
	}
	return n, 0
}

// CopyOut copies from the copier's user memory range into dst.
func (uc *UserCopier) CopyOut(dst []byte) (int, defs.Err_t) {
	return uc.tx(dst, false)
}

// CopyIn copies src into the copier's user memory range.
func (uc *UserCopier) CopyIn(src []byte) (int, defs.Err_t) {
	return uc.tx(src, true)
}

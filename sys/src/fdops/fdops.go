// Package fdops names the capability set shared by every IO backend, so
// that fd and proc can depend on an interface rather than a concrete
// variant type.
package fdops

import "defs"

// Fdops_i is the operation set every IO variant (memory buffer, filesystem
// file, block device) implements. Per the design note on replacing the
// vtable-of-function-pointers idiom, concrete implementations are tagged
// Go structs, not method tables; this interface exists only so call sites
// that don't care about the concrete variant can stay backend-agnostic.
type Fdops_i interface {
	Close() defs.Err_t
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Ioctl(cmd int, arg int) (int, defs.Err_t)
	// Reopen is called when a descriptor is duplicated (fork); it bumps
	// the owning variant's reference count.
	Reopen() defs.Err_t
	// Refcnt reports the current reference count, for diagnostics (pioref).
	Refcnt() int32
}

// Ioctl commands, shared across all variants where meaningful.
const (
	IOCTL_GETLEN = iota
	IOCTL_GETPOS
	IOCTL_SETPOS
	IOCTL_SETLEN // memory-buffer only
	IOCTL_GETBLKSZ
)

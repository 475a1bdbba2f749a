// Package fd implements the open-file-descriptor entry shared by every
// process's descriptor table: an IO backend reference plus the
// permission bits checked on read/write.
package fd

import "defs"
import "fdops"

// File descriptor permission bits.
const (
	FD_READ    = 0x1 // read permission
	FD_WRITE   = 0x2 // write permission
	FD_CLOEXEC = 0x4 // close-on-exec flag
)

// Fd_t represents one process's open file descriptor.
type Fd_t struct {
	// Fops is an interface implemented via a pointer receiver, thus Fops
	// is a reference to the shared backing IO object, not a value.
	Fops  fdops.Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor for fork, bumping the
// backing IO object's reference count via Reopen.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Close_panic closes the descriptor and panics if the close fails,
// for call sites (exit) that cannot tolerate a close error.
func Close_panic(f *Fd_t) {
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}

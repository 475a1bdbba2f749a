package proc

import (
	"errors"
	"fmt"

	"defs"
	"elf"
	"fd"
	"fdops"
	"io"
	"klog"
	"limits"
	"ustr"
	"vm"
)

func newCopier(p *Process, uva uintptr, length int) *vm.UserCopier {
	return vm.NewUserCopier(p.As, uva, length)
}

// Syscall numbers, assigned in the order spec.md's syscall table lists
// them; the table leaves the Number column blank, so this ordering is
// this tree's own arbitrary-but-fixed choice.
const (
	SYS_EXIT = iota
	SYS_MSGOUT
	SYS_DEVOPEN
	SYS_FSOPEN
	SYS_CLOSE
	SYS_READ
	SYS_WRITE
	SYS_IOCTL
	SYS_EXEC
	SYS_FORK
	SYS_WAIT
	SYS_USLEEP
	SYS_PIOREF
)

// device instance names recognized by sysdevopen.
const (
	DevRawdisk = "rawdisk"
	DevStat    = "stat"
)

// SyscallLayer implements the thirteen kernel entry points, each
// validating its user-supplied pointers through the calling process's
// address space before touching kernel state.
type SyscallLayer struct {
	pt *ProcessTable
}

// NewSyscallLayer wraps pt with the syscall entry points that drive it.
func NewSyscallLayer(pt *ProcessTable) *SyscallLayer {
	return &SyscallLayer{pt: pt}
}

func (sl *SyscallLayer) allocFd(p *Process, want int, backend fdops.Fdops_i) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if want >= 0 {
		if want >= limits.PROCESS_IOMAX {
			return 0, defs.EBADFD
		}
		if p.Iotab[want] != nil {
			return 0, defs.EBADFD
		}
		p.Iotab[want] = &fd.Fd_t{Fops: backend, Perms: fd.FD_READ | fd.FD_WRITE}
		return want, 0
	}
	for i := 0; i < limits.PROCESS_IOMAX; i++ {
		if p.Iotab[i] == nil {
			p.Iotab[i] = &fd.Fd_t{Fops: backend, Perms: fd.FD_READ | fd.FD_WRITE}
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

func (p *Process) fdAt(fdno int) (*fd.Fd_t, defs.Err_t) {
	if fdno < 0 || fdno >= limits.PROCESS_IOMAX {
		return nil, defs.EBADFD
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.Iotab[fdno]
	if f == nil {
		return nil, defs.EBADFD
	}
	return f, 0
}

// Exit implements sysexit: tear the process down. Per the syscall
// table, control never returns from this past process_exit.
func (sl *SyscallLayer) Exit(p *Process) {
	sl.pt.exit(p)
}

// readCString fetches a NUL-terminated string at uva via the process's
// address space validator, which already enforces the max-length bound.
func readCString(p *Process, uva uintptr, maxlen int) (string, defs.Err_t) {
	n, ok := p.As.ValidateVstr(uva, maxlen)
	if !ok {
		return "", defs.EBADFMT
	}
	buf := make([]byte, n)
	cz := newCopier(p, uva, n)
	if _, err := cz.CopyOut(buf); err != 0 {
		return "", err
	}
	return string(buf), 0
}

// MsgOut implements sysmsgout. The original validates the user string
// via a commented-out call; this tree re-enables that validation rather
// than trusting an unchecked user pointer.
func (sl *SyscallLayer) MsgOut(p *Process, uva uintptr, length int) defs.Err_t {
	msg, err := readCString(p, uva, length)
	if err != 0 {
		return err
	}
	fmt.Println(msg)
	return 0
}

// DevOpen implements sysdevopen.
func (sl *SyscallLayer) DevOpen(p *Process, wantFd int, name string, instno int) (int, defs.Err_t) {
	if name == "" {
		return 0, defs.EINVAL
	}
	backend, err := sl.pt.openDevice(name, instno)
	if err != 0 {
		return 0, err
	}
	return sl.allocFd(p, wantFd, backend)
}

// FsOpen implements sysfsopen.
func (sl *SyscallLayer) FsOpen(p *Process, wantFd int, name string) (int, defs.Err_t) {
	if name == "" {
		return 0, defs.EINVAL
	}
	if sl.pt.fsys == nil {
		return 0, defs.ENOENT
	}
	slot, err := sl.pt.fsys.Open(ustr.MkUstrSlice([]byte(name)))
	if err != 0 {
		return 0, err
	}
	backend := io.NewFsFile(sl.pt.fsys, slot)
	return sl.allocFd(p, wantFd, backend)
}

// Close implements sysclose.
func (sl *SyscallLayer) Close(p *Process, fdno int) defs.Err_t {
	f, err := sl.fdAndClear(p, fdno)
	if err != 0 {
		return err
	}
	return f.Fops.Close()
}

func (sl *SyscallLayer) fdAndClear(p *Process, fdno int) (*fd.Fd_t, defs.Err_t) {
	if fdno < 0 || fdno >= limits.PROCESS_IOMAX {
		return nil, defs.EBADFD
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.Iotab[fdno]
	if f == nil {
		return nil, defs.EBADFD
	}
	p.Iotab[fdno] = nil
	return f, 0
}

// Read implements sysread.
func (sl *SyscallLayer) Read(p *Process, fdno int, uva uintptr, bufsz int) (int, defs.Err_t) {
	f, err := p.fdAt(fdno)
	if err != 0 {
		return 0, err
	}
	if !p.As.ValidateVptrLen(uva, bufsz, true) {
		return 0, defs.EBADFMT
	}
	tmp := make([]byte, bufsz)
	n, err := f.Fops.Read(tmp)
	if err != 0 {
		return 0, err
	}
	cz := newCopier(p, uva, n)
	if _, err := cz.CopyIn(tmp[:n]); err != 0 {
		return 0, err
	}
	return n, 0
}

// Write implements syswrite.
func (sl *SyscallLayer) Write(p *Process, fdno int, uva uintptr, length int) (int, defs.Err_t) {
	f, err := p.fdAt(fdno)
	if err != 0 {
		return 0, err
	}
	tmp := make([]byte, length)
	cz := newCopier(p, uva, length)
	if _, err := cz.CopyOut(tmp); err != 0 {
		return 0, err
	}
	return f.Fops.Write(tmp)
}

// Ioctl implements sysioctl. Unlike the original, which discards the
// real result and always returns 0 on success, this tree propagates the
// actual return value (e.g. the length queried by IOCTL_GETLEN).
func (sl *SyscallLayer) Ioctl(p *Process, fdno int, cmd int, arg int) (int, defs.Err_t) {
	f, err := p.fdAt(fdno)
	if err != 0 {
		return 0, err
	}
	return f.Fops.Ioctl(cmd, arg)
}

// fdLoader adapts an fdops.Fdops_i into the sequential-reader-plus-seek
// shape elf.Load needs, via the position ioctls every variant supports.
type fdLoader struct {
	backend fdops.Fdops_i
}

func (l *fdLoader) Read(buf []byte) (int, error) {
	n, err := l.backend.Read(buf)
	if err != 0 {
		return n, errors.New(err.Error())
	}
	return n, nil
}

func (l *fdLoader) Seek(pos int) defs.Err_t {
	_, err := l.backend.Ioctl(fdops.IOCTL_SETPOS, pos)
	return err
}

// Exec implements sysexec: load a fresh image over the calling
// process's own address space and jump to its entry point. Per
// process_exec, the address space's root table is reused, not rebuilt:
// only the user mappings are torn down first.
func (sl *SyscallLayer) Exec(p *Process, fdno int) (uintptr, defs.Err_t) {
	f, err := sl.fdAndClear(p, fdno)
	if err != 0 {
		return 0, err
	}
	defer f.Fops.Close()

	p.As.UnmapUser()

	loader := &fdLoader{backend: f.Fops}
	entry, err := elf.Load(loader, p.As, limits.UserStartVMA, limits.UserEndVMA)
	if err != 0 {
		return 0, err
	}
	return entry, 0
}

// Fork implements sysfork: allocate a child process record and hand
// back a trap frame primed for it (child's a0 cleared, matching the
// zero-return-value-in-the-child convention), for whatever drives this
// simulated machine to resume as the new thread.
func (sl *SyscallLayer) Fork(parent *Process, tf *TrapFrame) (*Process, TrapFrame, defs.Err_t) {
	child, err := sl.pt.forkProcess(parent)
	if err != 0 {
		return nil, TrapFrame{}, err
	}
	childTf := *tf
	childTf.X[defs.TFR_A0] = 0
	return child, childTf, 0
}

// Wait implements syswait: tid 0 waits for any child, a specific tid
// waits for that one.
func (sl *SyscallLayer) Wait(p *Process, tid int) (int, defs.Err_t) {
	return sl.pt.wait(p, tid)
}

// Usleep implements sysusleep.
func (sl *SyscallLayer) Usleep(us uint64) defs.Err_t {
	sl.pt.tm.Usleep(us)
	return 0
}

// Pioref implements syspioref: report every open descriptor's backing
// refcount, for diagnostics. Empty slots read -1.
func (sl *SyscallLayer) Pioref(p *Process) [limits.PROCESS_IOMAX]int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [limits.PROCESS_IOMAX]int32
	for i, f := range p.Iotab {
		if f != nil {
			out[i] = f.Fops.Refcnt()
		} else {
			out[i] = -1
		}
	}
	return out
}

// Dispatch decodes a7/a0-a2 from tf per the calling convention and
// routes to the matching syscall method, writing the result back into
// a0 the way syscall_handler does.
func (sl *SyscallLayer) Dispatch(p *Process, tf *TrapFrame) {
	num := tf.X[defs.TFR_A7]
	a0 := int64(tf.X[defs.TFR_A0])
	a1 := tf.X[defs.TFR_A1]
	a2 := int64(tf.X[defs.TFR_A2])

	var ret int64
	switch num {
	case SYS_EXIT:
		sl.Exit(p)
		return
	case SYS_MSGOUT:
		err := sl.MsgOut(p, uintptr(a0), int(a1))
		ret = int64(err)
	case SYS_DEVOPEN:
		name, serr := readCString(p, uintptr(a1), limits.FSNameLen)
		if serr != 0 {
			ret = int64(serr)
			break
		}
		n, err := sl.DevOpen(p, int(a0), name, int(a2))
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_FSOPEN:
		name, serr := readCString(p, uintptr(a1), limits.FSNameLen)
		if serr != 0 {
			ret = int64(serr)
			break
		}
		n, err := sl.FsOpen(p, int(a0), name)
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_CLOSE:
		ret = int64(sl.Close(p, int(a0)))
	case SYS_READ:
		n, err := sl.Read(p, int(a0), uintptr(a1), int(a2))
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_WRITE:
		n, err := sl.Write(p, int(a0), uintptr(a1), int(a2))
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_IOCTL:
		n, err := sl.Ioctl(p, int(a0), int(a1), int(a2))
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_EXEC:
		entry, err := sl.Exec(p, int(a0))
		if err != 0 {
			ret = int64(err)
			break
		}
		// Success never returns to the caller's old program counter:
		// the trap frame is reused to jump straight into the new image.
		tf.Sepc = uint64(entry)
		tf.Sstatus &^= sstatusSPP
		tf.Sstatus |= sstatusSPIE
		tf.X[defs.TFR_SP] = uint64(limits.UserStackVMA)
		return
	case SYS_FORK:
		child, childTf, err := sl.Fork(p, tf)
		if err != 0 {
			ret = int64(err)
			break
		}
		child.PendingTf = &childTf
		ret = int64(child.Pid)
	case SYS_WAIT:
		n, err := sl.Wait(p, int(a0))
		if err != 0 {
			ret = int64(err)
		} else {
			ret = int64(n)
		}
	case SYS_USLEEP:
		ret = int64(sl.Usleep(uint64(a0)))
	case SYS_PIOREF:
		refs := sl.Pioref(p)
		for i, refcnt := range refs {
			if refcnt >= 0 {
				klog.Debug("pid %d: fd slot %d refcnt %d", p.Pid, i, refcnt)
			}
		}
		ret = 0
	default:
		ret = int64(defs.ENOTSUP)
	}
	tf.X[defs.TFR_A0] = uint64(ret)
}

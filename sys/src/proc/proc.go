// Package proc implements the process table and process manager: process
// records, fork/exec/exit, and the trap/syscall dispatch that drives them.
// Grounded on the teacher's process lifecycle shape, generalized from a
// single flat x86 process struct to the fd/address-space/thread-note
// triple this kernel's process record actually needs.
package proc

import (
	"sync"

	"accnt"
	"defs"
	"fd"
	"fdops"
	"fs"
	"limits"
	"mem"
	"stats"
	"tinfo"
	"vm"
)

// DeviceOpener opens instance instno of a named device, returning an IO
// backend ready to install in a process's descriptor table.
type DeviceOpener func(instno int) (fdops.Fdops_i, defs.Err_t)

// Process is one live process: its descriptor table, its address space,
// and enough bookkeeping to support fork/wait.
type Process struct {
	mu sync.Mutex

	Pid       int
	ParentPid int
	Tid       defs.Tid_t

	As    *vm.AddressSpace
	Iotab [limits.PROCESS_IOMAX]*fd.Fd_t

	// Children lists pids forked from this process that haven't yet
	// been reaped by wait; entries are removed on a successful wait.
	Children []int

	Acct    *accnt.Accnt_t
	startNs int

	// PendingTf holds the trap frame a fork() prepared for this child,
	// for whatever drives this simulated machine to resume it as a new
	// thread; nil once that driver has picked it up.
	PendingTf *TrapFrame
}

func (p *Process) removeChild(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.Children {
		if c == pid {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			return
		}
	}
}

// ProcessTable is the fixed NPROC-slot process table plus the resources
// every process shares: the kernel's page table and root, the mounted
// filesystem, registered devices, and the thread-primitive simulator.
type ProcessTable struct {
	mu    sync.Mutex
	procs [limits.NPROC]*Process

	pt    *mem.PageTable
	kroot mem.Pa_t
	fsys  *fs.Filesystem

	devices map[string]DeviceOpener
	tm      *tinfo.ThreadManager

	counters procCounters
}

// procCounters tallies process-lifecycle events for the D_STAT device;
// only non-zero when stats.Stats is compiled on, matching every other
// stats.Counter_t in this tree.
type procCounters struct {
	Forks stats.Counter_t
	Exits stats.Counter_t
	Waits stats.Counter_t
}

// NewProcessTable builds the table and populates slot 0 (MAIN_PID) with
// a freshly created address space, mirroring procmgr_init.
func NewProcessTable(pageTable *mem.PageTable, kernelRoot mem.Pa_t, fsys *fs.Filesystem) *ProcessTable {
	pt := &ProcessTable{
		pt:      pageTable,
		kroot:   kernelRoot,
		fsys:    fsys,
		devices: make(map[string]DeviceOpener),
		tm:      tinfo.NewThreadManager(),
	}

	main := &Process{
		Pid:       limits.MainPID,
		ParentPid: -1,
		Tid:       defs.Tid_t(limits.MainPID),
		As:        vm.Create(pageTable, kernelRoot),
		Acct:      &accnt.Accnt_t{},
	}
	main.startNs = main.Acct.Now()
	pt.procs[limits.MainPID] = main
	pt.tm.Register(main.Tid)

	pt.devices[DevStat] = func(instno int) (fdops.Fdops_i, defs.Err_t) {
		return stats.NewStatDevice(func() string {
			return stats.Stats2String(pt.counters)
		}), 0
	}
	return pt
}

// RegisterDevice installs the opener used for sysdevopen requests
// against name (e.g. "rawdisk", "stat").
func (pt *ProcessTable) RegisterDevice(name string, opener DeviceOpener) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.devices[name] = opener
}

func (pt *ProcessTable) openDevice(name string, instno int) (fdops.Fdops_i, defs.Err_t) {
	pt.mu.Lock()
	opener, ok := pt.devices[name]
	pt.mu.Unlock()
	if !ok {
		return nil, defs.ENOENT
	}
	return opener(instno)
}

// Main returns the pre-populated main process (pid 0).
func (pt *ProcessTable) Main() *Process {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.procs[limits.MainPID]
}

// Get returns the process occupying slot pid, or nil if it's free.
func (pt *ProcessTable) Get(pid int) *Process {
	if pid < 0 || pid >= limits.NPROC {
		return nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.procs[pid]
}

// forkProcess implements process_fork: find a free slot, clone the
// parent's address space, and copy every open descriptor with its
// refcount bumped.
func (pt *ProcessTable) forkProcess(parent *Process) (*Process, defs.Err_t) {
	pt.mu.Lock()
	slot := -1
	for i := 0; i < limits.NPROC; i++ {
		if pt.procs[i] == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		pt.mu.Unlock()
		return nil, defs.EBUSY
	}
	pt.mu.Unlock()

	child := &Process{
		Pid:       slot,
		ParentPid: parent.Pid,
		Tid:       defs.Tid_t(slot),
		As:        parent.As.Clone(pt.kroot),
		Acct:      &accnt.Accnt_t{},
	}

	parent.mu.Lock()
	for i, pf := range parent.Iotab {
		if pf == nil {
			continue
		}
		nf, err := fd.Copyfd(pf)
		if err != 0 {
			parent.mu.Unlock()
			for j := 0; j < i; j++ {
				if child.Iotab[j] != nil {
					child.Iotab[j].Fops.Close()
				}
			}
			child.As.Reclaim()
			return nil, defs.EBUSY
		}
		child.Iotab[i] = nf
	}
	parent.Children = append(parent.Children, slot)
	parent.mu.Unlock()

	child.startNs = child.Acct.Now()

	pt.mu.Lock()
	pt.procs[slot] = child
	pt.mu.Unlock()
	pt.tm.Register(child.Tid)
	pt.counters.Forks.Inc()
	return child, 0
}

// exit implements process_exit: close every descriptor, reclaim the
// address space, free the proctab slot, and mark the thread terminated
// for any waiter.
func (pt *ProcessTable) exit(p *Process) {
	p.mu.Lock()
	for i := range p.Iotab {
		if p.Iotab[i] != nil {
			fd.Close_panic(p.Iotab[i])
			p.Iotab[i] = nil
		}
	}
	p.mu.Unlock()

	p.As.Reclaim()

	pt.mu.Lock()
	pt.procs[p.Pid] = nil
	pt.mu.Unlock()

	p.Acct.Finish(p.startNs)
	pt.tm.Exit(p.Tid)
	pt.counters.Exits.Inc()
}

func (pt *ProcessTable) wait(parent *Process, tid int) (int, defs.Err_t) {
	pt.counters.Waits.Inc()
	parent.mu.Lock()
	children := append([]int(nil), parent.Children...)
	parent.mu.Unlock()

	if tid == 0 {
		if len(children) == 0 {
			return 0, defs.ECHILD
		}
		candidates := make([]defs.Tid_t, len(children))
		for i, c := range children {
			candidates[i] = defs.Tid_t(c)
		}
		got, err := pt.tm.JoinAny(candidates)
		if err != 0 {
			return 0, err
		}
		parent.removeChild(int(got))
		return int(got), 0
	}

	found := false
	for _, c := range children {
		if c == tid {
			found = true
			break
		}
	}
	if !found {
		return 0, defs.ECHILD
	}
	got, err := pt.tm.Join(defs.Tid_t(tid))
	if err != 0 {
		return 0, err
	}
	parent.removeChild(int(got))
	return int(got), 0
}

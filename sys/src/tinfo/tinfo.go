// Package tinfo tracks per-thread liveness and kill-notification state,
// one note per live process's single kernel thread. The teacher's
// Current/SetCurrent/ClearCurrent trio stashed the running note behind a
// per-goroutine pointer installed through a modified runtime
// (runtime.Gptr/Setgptr) — a hook this tree's build doesn't carry. Callers
// here look their note up explicitly by tid instead of through an implicit
// current-thread pointer.
package tinfo

import "sync"
import "time"

import "defs"

// Tnote_t stores per-thread state used by the process manager.
type Tnote_t struct {
	Alive    bool
	Killed   bool
	Isdoomed bool
	// protects Killed, Killnaps.Cond and Kerr, and is a leaf lock
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

// Doomed reports whether the thread is marked as doomed.
func (t *Tnote_t) Doomed() bool {
	return t.Isdoomed
}

// Threadinfo_t tracks all thread notes, keyed by tid.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

// Spawn records a fresh, live note for tid and returns it.
func (t *Threadinfo_t) Spawn(tid defs.Tid_t) *Tnote_t {
	t.Lock()
	defer t.Unlock()
	n := &Tnote_t{Alive: true}
	n.Killnaps.Killch = make(chan bool, 1)
	t.Notes[tid] = n
	return n
}

// Note returns tid's note, or nil if it has none.
func (t *Threadinfo_t) Note(tid defs.Tid_t) *Tnote_t {
	t.Lock()
	defer t.Unlock()
	return t.Notes[tid]
}

// Reap discards tid's note.
func (t *Threadinfo_t) Reap(tid defs.Tid_t) {
	t.Lock()
	defer t.Unlock()
	delete(t.Notes, tid)
}

// ThreadManager is a minimal in-process stand-in for the scheduler's
// thread_fork_to_user/thread_join/thread_join_any/thread_exit/alarm_sleep
// primitives: enough to drive fork/wait/usleep's testable properties
// without a real preemptive scheduler, which is out of scope for a
// single-hart teaching kernel.
type ThreadManager struct {
	info Threadinfo_t
	cond *sync.Cond
}

// NewThreadManager returns an empty thread manager.
func NewThreadManager() *ThreadManager {
	tm := &ThreadManager{}
	tm.info.Init()
	tm.cond = sync.NewCond(&tm.info)
	return tm
}

// Register starts tracking tid as a live thread (thread_fork_to_user's
// bookkeeping half, minus the actual register setup done by proc).
func (tm *ThreadManager) Register(tid defs.Tid_t) {
	tm.info.Lock()
	n := &Tnote_t{Alive: true}
	tm.info.Notes[tid] = n
	tm.info.Unlock()
}

// Exit marks tid terminated and wakes any thread_join/thread_join_any
// waiters. The note is kept until a joiner reaps it, mirroring how a
// real thread's exit status survives until someone collects it even
// after the owning process's resources are torn down.
func (tm *ThreadManager) Exit(tid defs.Tid_t) {
	tm.info.Lock()
	if n, ok := tm.info.Notes[tid]; ok {
		n.Alive = false
	}
	tm.info.Unlock()
	tm.cond.Broadcast()
}

// Join blocks until tid terminates, then reaps and returns it.
func (tm *ThreadManager) Join(tid defs.Tid_t) (defs.Tid_t, defs.Err_t) {
	tm.info.Lock()
	defer tm.info.Unlock()
	n, ok := tm.info.Notes[tid]
	if !ok {
		return 0, defs.ECHILD
	}
	for n.Alive {
		tm.cond.Wait()
	}
	delete(tm.info.Notes, tid)
	return tid, 0
}

// JoinAny blocks until one of candidates terminates, then reaps and
// returns it. Returns ECHILD immediately if none of candidates is
// currently tracked.
func (tm *ThreadManager) JoinAny(candidates []defs.Tid_t) (defs.Tid_t, defs.Err_t) {
	tm.info.Lock()
	defer tm.info.Unlock()
	for {
		tracked := false
		for _, tid := range candidates {
			n, ok := tm.info.Notes[tid]
			if !ok {
				continue
			}
			tracked = true
			if !n.Alive {
				delete(tm.info.Notes, tid)
				return tid, 0
			}
		}
		if !tracked {
			return 0, defs.ECHILD
		}
		tm.cond.Wait()
	}
}

// Usleep blocks the calling goroutine for the given number of
// microseconds, standing in for alarm_sleep's timer-driven wakeup.
func (tm *ThreadManager) Usleep(us uint64) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// Package stats implements kernel-wide counters and cycle timers, plus
// the D_STAT device that exposes a live snapshot of them, and a pprof
// profile dump for offline analysis.
package stats

import (
	"io"
	"reflect"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"defs"
	"fdops"
)

const Stats = false
const Timing = false

var Nirqs [100]int
var Irqs int

// Rdtsc returns a tick count when timing is enabled. The original
// project reads the TSC through a runtime-internal hook that only exists
// in its own forked Go runtime; there's no standard-toolchain equivalent,
// so the wall-clock time.Now().UnixNano() stands in (it is not
// guaranteed monotonic), and every caller
// here treats it as an opaque tick count rather than calibrated cycles.
func Rdtsc() uint64 {
	if !Timing {
		return 0
	}
	return uint64(time.Now().UnixNano())
}

/// Counter_t is a statistical counter.
type Counter_t int64

/// Cycles_t holds a cycle count.
type Cycles_t int64

/// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

/// Add adds elapsed cycles to the counter.
func (c *Cycles_t) Add(since uint64) {
	if Timing {
		atomic.AddInt64((*int64)(c), int64(Rdtsc()-since))
	}
}

/// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}

	}
	return s + "\n"
}

// StatDevice implements fdops.Fdops_i over a live textual snapshot
// produced by source (typically a closure over Stats2String(counters)),
// backing the D_STAT device (defs.D_STAT).
type StatDevice struct {
	refcnt int32
	source func() string
}

// NewStatDevice returns a device that renders source() on every read.
func NewStatDevice(source func() string) *StatDevice {
	return &StatDevice{refcnt: 1, source: source}
}

func (s *StatDevice) Reopen() defs.Err_t {
	atomic.AddInt32(&s.refcnt, 1)
	return 0
}

func (s *StatDevice) Close() defs.Err_t {
	atomic.AddInt32(&s.refcnt, -1)
	return 0
}

func (s *StatDevice) Refcnt() int32 {
	return atomic.LoadInt32(&s.refcnt)
}

// Read renders a fresh snapshot on every call; there's no persistent
// cursor, since the "file" is regenerated each time it's read.
func (s *StatDevice) Read(dst []byte) (int, defs.Err_t) {
	snap := []byte(s.source())
	n := copy(dst, snap)
	return n, 0
}

func (s *StatDevice) Write(src []byte) (int, defs.Err_t) {
	return 0, defs.ENOTSUP
}

func (s *StatDevice) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	switch cmd {
	case fdops.IOCTL_GETLEN:
		return len(s.source()), 0
	default:
		return 0, defs.ENOTSUP
	}
}

var _ fdops.Fdops_i = (*StatDevice)(nil)

// WriteProfile dumps a pprof-format snapshot of the named profile (e.g.
// "heap", "goroutine") to w, for offline analysis in place of the
// original project's in-kernel /proc-style counter dump.
func WriteProfile(w io.Writer, profile string) error {
	p := pprof.Lookup(profile)
	if p == nil {
		return defs.ENOTSUP
	}
	return p.WriteTo(w, 0)
}

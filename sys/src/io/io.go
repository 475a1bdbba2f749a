// Package io implements the kernel's polymorphic file handle: tagged
// variants over a fixed capability set (close, read, write, ioctl)
// rather than a vtable of function pointers, each with its own
// atomically-maintained reference count.
package io

import (
	"sync"
	"sync/atomic"

	"defs"
	"fdops"
)

// MemoryBuf is an in-memory "literal" file: a byte slice plus a cursor.
// Writes past the end grow the slice, and the one ioctl meaningful only
// for this variant (SETLEN) resizes it.
type MemoryBuf struct {
	refcnt int32
	mu     sync.Mutex
	buf    []byte
	pos    int
}

func NewMemoryBuf(contents []byte) *MemoryBuf {
	return &MemoryBuf{refcnt: 1, buf: contents}
}

func (m *MemoryBuf) Reopen() defs.Err_t {
	atomic.AddInt32(&m.refcnt, 1)
	return 0
}

func (m *MemoryBuf) Close() defs.Err_t {
	if atomic.AddInt32(&m.refcnt, -1) == 0 {
		m.buf = nil
	}
	return 0
}

func (m *MemoryBuf) Refcnt() int32 {
	return atomic.LoadInt32(&m.refcnt)
}

func (m *MemoryBuf) Read(dst []byte) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos >= len(m.buf) {
		return 0, 0
	}
	n := copy(dst, m.buf[m.pos:])
	m.pos += n
	return n, 0
}

func (m *MemoryBuf) Write(src []byte) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := m.pos + len(src)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:], src)
	m.pos += n
	return n, 0
}

func (m *MemoryBuf) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch cmd {
	case fdops.IOCTL_GETLEN:
		return len(m.buf), 0
	case fdops.IOCTL_GETPOS:
		return m.pos, 0
	case fdops.IOCTL_SETPOS:
		if arg < 0 || arg > len(m.buf) {
			return 0, defs.EINVAL
		}
		m.pos = arg
		return m.pos, 0
	case fdops.IOCTL_SETLEN:
		if arg < 0 {
			return 0, defs.EINVAL
		}
		grown := make([]byte, arg)
		copy(grown, m.buf)
		m.buf = grown
		return arg, 0
	default:
		return 0, defs.ENOTSUP
	}
}

var _ fdops.Fdops_i = (*MemoryBuf)(nil)

// fsBackend is the slice of fs.Filesystem that FsFile needs. Declared
// here rather than imported directly from fs to avoid io<->fs import
// cycles (fs's own io-facing BlockIO dependency flows the other way).
type fsBackend interface {
	Read(fd int, buf []byte) (int, defs.Err_t)
	Write(fd int, buf []byte) (int, defs.Err_t)
	Ioctl(fd int, cmd int, arg int) (int, defs.Err_t)
	Close(fd int) defs.Err_t
}

// FsFile is an open handle onto one filesystem slot.
type FsFile struct {
	refcnt int32
	backend fsBackend
	slot    int
}

func NewFsFile(backend fsBackend, slot int) *FsFile {
	return &FsFile{refcnt: 1, backend: backend, slot: slot}
}

func (f *FsFile) Reopen() defs.Err_t {
	atomic.AddInt32(&f.refcnt, 1)
	return 0
}

func (f *FsFile) Close() defs.Err_t {
	if atomic.AddInt32(&f.refcnt, -1) == 0 {
		return f.backend.Close(f.slot)
	}
	return 0
}

func (f *FsFile) Refcnt() int32 {
	return atomic.LoadInt32(&f.refcnt)
}

func (f *FsFile) Read(dst []byte) (int, defs.Err_t)  { return f.backend.Read(f.slot, dst) }
func (f *FsFile) Write(src []byte) (int, defs.Err_t) { return f.backend.Write(f.slot, src) }
func (f *FsFile) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	return f.backend.Ioctl(f.slot, cmd, arg)
}

var _ fdops.Fdops_i = (*FsFile)(nil)

// blockBackend is the slice of ahci.Device that BlockDev needs.
type blockBackend interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Ioctl(cmd int, arg int) (int, defs.Err_t)
	Close() defs.Err_t
}

// BlockDev is an open handle onto a block device instance. Unlike
// FsFile and MemoryBuf, every open of the same instance shares the one
// underlying ahci.Device (there is exactly one position cursor per
// device, not per handle) — Reopen bumps the refcount without
// re-opening the device, and only the last close actually closes it.
type BlockDev struct {
	refcnt  int32
	backend blockBackend
}

func NewBlockDev(backend blockBackend) *BlockDev {
	return &BlockDev{refcnt: 1, backend: backend}
}

func (b *BlockDev) Reopen() defs.Err_t {
	atomic.AddInt32(&b.refcnt, 1)
	return 0
}

func (b *BlockDev) Close() defs.Err_t {
	if atomic.AddInt32(&b.refcnt, -1) == 0 {
		return b.backend.Close()
	}
	return 0
}

func (b *BlockDev) Refcnt() int32 {
	return atomic.LoadInt32(&b.refcnt)
}

func (b *BlockDev) Read(dst []byte) (int, defs.Err_t)  { return b.backend.Read(dst) }
func (b *BlockDev) Write(src []byte) (int, defs.Err_t) { return b.backend.Write(src) }
func (b *BlockDev) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	return b.backend.Ioctl(cmd, arg)
}

var _ fdops.Fdops_i = (*BlockDev)(nil)

// Package ahci implements the paravirtualized block driver: a
// descriptor-ring request protocol against a simulated storage backing
// store, with each request's completion signalled by closing a
// per-request channel that the submitting caller waits on. There is no real MMIO bus to program
// here, so the "device side" of the ring is a background goroutine
// that watches the avail ring and posts to the used ring — standing
// in for the hardware the real driver would notify.
package ahci

import (
	"sync"

	"defs"
	"fdops"
)

const (
	reqIn  = 0 // VIRTIO_BLK_T_IN
	reqOut = 1 // VIRTIO_BLK_T_OUT

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// request is one descriptor-ring transaction: header + data + status,
// exactly the teacher's vq.desc[1..3] triple collapsed into one struct
// since this simulation has no separate descriptor memory to walk.
type request struct {
	typ    uint32
	sector uint64
	data   []byte // len == blksz; device reads for write, fills for read
	status uint8
	done   chan struct{}
}

// Device is one paravirtualized block device instance.
type Device struct {
	mu sync.Mutex // per-instance, not a single global lock (see DESIGN.md)

	opened   bool
	readonly bool
	blksz    int
	pos      uint64
	storage  []byte // backing bytes, blkcnt*blksz

	avail chan *request // driver -> device notify
	quit  chan struct{}
}

// NewDevice creates a device backed by storageBytes, which must be a
// multiple of blksz (512 if blkSize wasn't "negotiated", matching the
// source's fallback).
func NewDevice(storageBytes []byte, blksz int) *Device {
	if blksz == 0 {
		blksz = 512
	}
	d := &Device{
		blksz:   blksz,
		storage: storageBytes,
		avail:   make(chan *request),
		quit:    make(chan struct{}),
	}
	go d.serve()
	return d
}

// serve stands in for the hardware: it pulls requests off the avail
// "ring" and fulfills them against the backing store, then signals
// completion — the simulated analogue of the device writing the used
// ring and raising an interrupt.
func (d *Device) serve() {
	for {
		select {
		case req := <-d.avail:
			off := req.sector * uint64(d.blksz)
			if off+uint64(len(req.data)) > uint64(len(d.storage)) {
				req.status = statusIOErr
			} else {
				switch req.typ {
				case reqIn:
					copy(req.data, d.storage[off:off+uint64(len(req.data))])
				case reqOut:
					copy(d.storage[off:off+uint64(len(req.data))], req.data)
				default:
					req.status = statusUnsupp
				}
			}
			close(req.done)
		case <-d.quit:
			return
		}
	}
}

// Open enables the device's virtqueue and marks it ready for use.
func (d *Device) Open() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return defs.EBUSY
	}
	d.opened = true
	d.pos = 0
	return 0
}

// Close resets the virtqueue. Must be called with no outstanding
// request (the driver never issues close concurrently with read/write).
func (d *Device) Close() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	return 0
}

// performBlockOp runs the request protocol described in the block
// driver's design: fill the header, hand the request to the device,
// block on completion, then check the status byte.
func (d *Device) performBlockOp(sector uint64, data []byte, typ uint32) defs.Err_t {
	req := &request{typ: typ, sector: sector, data: data, done: make(chan struct{})}
	d.avail <- req // fence equivalent: channel send/receive is already a happens-before edge
	<-req.done
	if req.status != statusOK {
		return defs.EIO
	}
	return 0
}

// Read reads bufsz bytes starting at the device's current position,
// in block-sized chunks, advancing pos by one block per chunk.
func (d *Device) Read(buf []byte) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, defs.EBADFD
	}
	if len(buf) == 0 {
		return 0, 0
	}
	if len(buf)%d.blksz != 0 {
		return 0, defs.ENOTSUP
	}

	sector := d.pos / uint64(d.blksz)
	var read int
	for read < len(buf) {
		chunk := buf[read : read+d.blksz]
		if err := d.performBlockOp(sector, chunk, reqIn); err != 0 {
			return read, defs.EIO
		}
		read += d.blksz
		sector++
		d.pos += uint64(d.blksz)
	}
	return read, 0
}

// Write writes len(buf) bytes starting at the device's current
// position, per-block, deriving each chunk's sector from pos exactly
// as Read does (the source instead always starts writes at sector 0 —
// see DESIGN.md).
func (d *Device) Write(buf []byte) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, defs.EBADFD
	}
	if d.readonly {
		return 0, defs.EIO
	}
	if len(buf) == 0 {
		return 0, 0
	}

	sector := d.pos / uint64(d.blksz)
	var written int
	for written < len(buf) {
		end := written + d.blksz
		if end > len(buf) {
			end = len(buf)
		}
		chunk := make([]byte, d.blksz)
		copy(chunk, buf[written:end])
		if err := d.performBlockOp(sector, chunk, reqOut); err != 0 {
			return written, defs.EIO
		}
		chunkLen := end - written
		written += chunkLen
		sector++
		d.pos += uint64(chunkLen)
	}
	return written, 0
}

// Ioctl implements the fdops command set meaningful for a block device;
// SETLEN has no meaning here (a device's size isn't resizable) and falls
// through to ENOTSUP.
func (d *Device) Ioctl(cmd int, arg int) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch cmd {
	case fdops.IOCTL_GETLEN:
		return len(d.storage), 0
	case fdops.IOCTL_GETPOS:
		return int(d.pos), 0
	case fdops.IOCTL_SETPOS:
		if arg < 0 {
			return 0, defs.EINVAL
		}
		d.pos = uint64(arg)
		return arg, 0
	case fdops.IOCTL_GETBLKSZ:
		return d.blksz, 0
	default:
		return 0, defs.ENOTSUP
	}
}

// Shutdown stops the device's serving goroutine. Not part of the
// original protocol; used by tests and clean process exit.
func (d *Device) Shutdown() {
	close(d.quit)
}

// Package fs implements the on-disk inode-style filesystem: a boot
// block of dentries, fixed-size inodes, and data blocks, all addressed
// through a single block device handle. Mirrors the teacher's
// block-cache package in name and in using a single mutex to guard
// shared in-memory state, but replaces the x86 port's full buffer
// cache (LRU eviction, log-structured commit/revoke records,
// reference-counted block objects shared across files) with exactly
// the single-slot inode/data-block caches this filesystem's disk
// format calls for.
package fs

import (
	"encoding/binary"
	"sync"

	"defs"
	"fdops"
	"limits"
	"stat"
	"ustr"
)

const BSIZE = limits.FSBlockSize
const dentrySize = 64 // 32-byte name + 4-byte inode + 28 reserved
const bootReservedSize = 52
const maxDentry = limits.MaxDentries
const maxDataPerInode = limits.MaxDataPerIn
const maxOpenFiles = limits.MaxOpenFiles

// BlockIO is the capability set the filesystem needs from its backing
// device: enough to seek and to transfer whole blocks.
type BlockIO interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Ioctl(cmd int, arg int) (int, defs.Err_t)
}

type dentry struct {
	name  [limits.FSNameLen]byte
	inode uint32
}

type bootBlock struct {
	numDentry uint32
	numInodes uint32
	numData   uint32
	dentries  [maxDentry]dentry
}

func decodeBootBlock(raw []byte) bootBlock {
	var bb bootBlock
	bb.numDentry = binary.LittleEndian.Uint32(raw[0:4])
	bb.numInodes = binary.LittleEndian.Uint32(raw[4:8])
	bb.numData = binary.LittleEndian.Uint32(raw[8:12])
	off := bootReservedSize + 12 // header fields (12 bytes) + reserved
	for i := 0; i < maxDentry; i++ {
		base := off + i*dentrySize
		copy(bb.dentries[i].name[:], raw[base:base+limits.FSNameLen])
		bb.dentries[i].inode = binary.LittleEndian.Uint32(raw[base+limits.FSNameLen : base+limits.FSNameLen+4])
	}
	return bb
}

type inode struct {
	byteLen  uint32
	dataBlks [maxDataPerInode]uint32
}

func decodeInode(raw []byte) inode {
	var in inode
	in.byteLen = binary.LittleEndian.Uint32(raw[0:4])
	for i := 0; i < maxDataPerInode; i++ {
		base := 4 + i*4
		in.dataBlks[i] = binary.LittleEndian.Uint32(raw[base : base+4])
	}
	return in
}

func encodeInode(in inode, out []byte) {
	binary.LittleEndian.PutUint32(out[0:4], in.byteLen)
	for i := 0; i < maxDataPerInode; i++ {
		base := 4 + i*4
		binary.LittleEndian.PutUint32(out[base:base+4], in.dataBlks[i])
	}
}

// openFile is one slot in the filesystem-wide open-file table.
type openFile struct {
	pos     uint32
	size    uint32
	inodeNo uint32
	inUse   bool
}

// Filesystem is the single global mounted filesystem. Every operation
// holds mu for its duration, matching the source's single sleeping
// lock guarding the shared boot-block/inode/data-block caches.
type Filesystem struct {
	mu sync.Mutex

	disk BlockIO
	boot bootBlock

	cachedInode   inode
	cachedInodeNo uint32
	cachedBlock   [BSIZE]byte
	cachedBlockNo uint32

	files [maxOpenFiles]openFile
}

// Mount seeks the backing device to 0, reads the boot block, and
// resets the open-file table.
func Mount(disk BlockIO) (*Filesystem, defs.Err_t) {
	if disk == nil {
		return nil, defs.EINVAL
	}
	if _, err := disk.Ioctl(fdops.IOCTL_SETPOS, 0); err != 0 {
		return nil, err
	}
	raw := make([]byte, BSIZE)
	n, err := disk.Read(raw)
	if err != 0 || n != BSIZE {
		return nil, defs.EIO
	}
	return &Filesystem{disk: disk, boot: decodeBootBlock(raw)}, 0
}

func (fs *Filesystem) seekBlock(blockNo uint32) defs.Err_t {
	off := int(blockNo) * BSIZE
	if _, err := fs.disk.Ioctl(fdops.IOCTL_SETPOS, off); err != 0 {
		return defs.EIO
	}
	return 0
}

func (fs *Filesystem) loadInode(inodeNo uint32) defs.Err_t {
	if err := fs.seekBlock(1 + inodeNo); err != 0 {
		return err
	}
	raw := make([]byte, BSIZE)
	n, err := fs.disk.Read(raw)
	if err != 0 || n != BSIZE {
		return defs.EIO
	}
	fs.cachedInode = decodeInode(raw)
	fs.cachedInodeNo = inodeNo
	return 0
}

func (fs *Filesystem) writeInode(inodeNo uint32) defs.Err_t {
	if err := fs.seekBlock(1 + inodeNo); err != 0 {
		return err
	}
	raw := make([]byte, BSIZE)
	encodeInode(fs.cachedInode, raw)
	n, err := fs.disk.Write(raw)
	if err != 0 || n != BSIZE {
		return defs.EIO
	}
	return 0
}

func (fs *Filesystem) dataBlockOffset(dataBlockIdx uint32) uint32 {
	return 1 + fs.boot.numInodes + dataBlockIdx
}

func (fs *Filesystem) loadDataBlock(dataBlockIdx uint32) defs.Err_t {
	if err := fs.seekBlock(fs.dataBlockOffset(dataBlockIdx)); err != 0 {
		return err
	}
	n, err := fs.disk.Read(fs.cachedBlock[:])
	if err != 0 || n != BSIZE {
		return defs.EIO
	}
	fs.cachedBlockNo = dataBlockIdx
	return 0
}

func (fs *Filesystem) writeDataBlock(dataBlockIdx uint32) defs.Err_t {
	if err := fs.seekBlock(fs.dataBlockOffset(dataBlockIdx)); err != 0 {
		return err
	}
	n, err := fs.disk.Write(fs.cachedBlock[:])
	if err != 0 || n != BSIZE {
		return defs.EIO
	}
	return 0
}

func (fs *Filesystem) allocFile(inodeNo uint32) (int, defs.Err_t) {
	for i := range fs.files {
		if !fs.files[i].inUse {
			fs.files[i] = openFile{
				inodeNo: inodeNo,
				size:    fs.cachedInode.byteLen,
				inUse:   true,
			}
			return i, 0
		}
	}
	return -1, defs.EBUSY
}

// Open finds name in the mounted filesystem's dentry table and returns
// an open-file slot index bound to its inode.
func (fs *Filesystem) Open(name ustr.Ustr) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var inodeNo uint32
	found := false
	for i := uint32(0); i < fs.boot.numDentry; i++ {
		if name.EqFixed(fs.boot.dentries[i].name) {
			inodeNo = fs.boot.dentries[i].inode
			found = true
			break
		}
	}
	if !found {
		return -1, defs.ENOENT
	}
	if err := fs.loadInode(inodeNo); err != 0 {
		return -1, defs.EIO
	}
	return fs.allocFile(inodeNo)
}

// Close resets slot fd.
func (fs *Filesystem) Close(fd int) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[fd] = openFile{}
	return 0
}

// Read reads up to n bytes from slot fd starting at its current
// position, advancing it by the amount actually read.
func (fs *Filesystem) Read(fd int, buf []byte) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of := &fs.files[fd]
	if of.pos >= of.size {
		return 0, 0
	}
	if err := fs.loadInode(of.inodeNo); err != 0 {
		return 0, defs.EIO
	}
	allocatedBlocks := (fs.cachedInode.byteLen + BSIZE - 1) / BSIZE

	remaining := of.size - of.pos
	toRead := uint32(len(buf))
	if toRead > remaining {
		toRead = remaining
	}

	var read uint32
	for read < toRead {
		byteOff := of.pos + read
		blockIdx := byteOff / BSIZE
		blockOff := byteOff % BSIZE
		if blockIdx >= allocatedBlocks || blockIdx >= maxDataPerInode {
			return int(read), defs.EIO
		}
		dataBlockIdx := fs.cachedInode.dataBlks[blockIdx]
		if dataBlockIdx >= fs.boot.numData {
			return int(read), defs.EIO
		}
		if err := fs.loadDataBlock(dataBlockIdx); err != 0 {
			return int(read), err
		}
		chunk := uint32(BSIZE) - blockOff
		left := toRead - read
		if chunk > left {
			chunk = left
		}
		copy(buf[read:read+chunk], fs.cachedBlock[blockOff:blockOff+chunk])
		read += chunk
	}
	of.pos += read
	return int(read), 0
}

// Write writes into already-allocated blocks only; it never extends
// the inode's byte_len, matching the on-disk format's source fidelity
// (see DESIGN.md's no-extend-writes note).
func (fs *Filesystem) Write(fd int, buf []byte) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	of := &fs.files[fd]
	if err := fs.loadInode(of.inodeNo); err != 0 {
		return 0, defs.EIO
	}
	allocatedBlocks := (fs.cachedInode.byteLen + BSIZE - 1) / BSIZE

	var written uint32
	n := uint32(len(buf))
	for written < n {
		byteOff := of.pos + written
		blockIdx := byteOff / BSIZE
		blockOff := byteOff % BSIZE
		if blockIdx >= allocatedBlocks || blockIdx >= maxDataPerInode {
			break
		}
		dataBlockIdx := fs.cachedInode.dataBlks[blockIdx]
		if err := fs.loadDataBlock(dataBlockIdx); err != 0 {
			return int(written), defs.EIO
		}
		chunk := uint32(BSIZE) - blockOff
		left := n - written
		if chunk > left {
			chunk = left
		}
		copy(fs.cachedBlock[blockOff:blockOff+chunk], buf[written:written+chunk])
		if err := fs.writeDataBlock(dataBlockIdx); err != 0 {
			return int(written), err
		}
		written += chunk
	}
	of.pos += written
	if err := fs.writeInode(of.inodeNo); err != 0 {
		return int(written), err
	}
	return int(written), 0
}

// Stat fills in a stat.Stat_t describing the open file at slot fd: its
// inode number, size, and a regular-file mode (this filesystem holds no
// directories or device special files among its dentries).
func (fs *Filesystem) Stat(fd int) (stat.Stat_t, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fd < 0 || fd >= maxOpenFiles || !fs.files[fd].inUse {
		return stat.Stat_t{}, defs.EBADFD
	}
	of := &fs.files[fd]

	var st stat.Stat_t
	st.Wino(uint(of.inodeNo))
	st.Wsize(uint(of.size))
	st.Wmode(0)
	return st, 0
}

// Ioctl implements GETLEN/GETPOS/SETPOS/GETBLKSZ for an open file slot.
func (fs *Filesystem) Ioctl(fd int, cmd int, arg int) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of := &fs.files[fd]
	switch cmd {
	case fdops.IOCTL_GETLEN:
		return int(of.size), 0
	case fdops.IOCTL_GETPOS:
		return int(of.pos), 0
	case fdops.IOCTL_SETPOS:
		if arg < 0 || uint32(arg) > of.size {
			return 0, defs.EINVAL
		}
		of.pos = uint32(arg)
		return arg, 0
	case fdops.IOCTL_GETBLKSZ:
		return BSIZE, 0
	default:
		return 0, defs.ENOTSUP
	}
}

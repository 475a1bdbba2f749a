// Command mkfs builds a disk image in the boot-block/inode-table/
// data-block layout the fs package mounts: a flat root directory (no
// subdirectories, matching this kernel's single-level filesystem) whose
// entries are the regular files found directly under a skeleton
// directory on the host.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"limits"
	"stat"
	"ustr"
)

const bsize = limits.FSBlockSize
const dentrySize = 64 // 32-byte name + 4-byte inode + 28 reserved, matching fs.go
const bootReservedSize = 52
const maxDentry = limits.MaxDentries
const maxDataPerInode = limits.MaxDataPerIn

// skelFile is one regular file collected from the skeleton directory,
// with its host contents already read in.
type skelFile struct {
	name string
	data []byte
}

func collectSkelFiles(skelDir string) ([]skelFile, error) {
	entries, err := os.ReadDir(skelDir)
	if err != nil {
		return nil, fmt.Errorf("reading skeleton dir: %w", err)
	}

	files := make([]skelFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			fmt.Printf("mkfs: skipping %s: subdirectories aren't supported by this filesystem\n", e.Name())
			continue
		}
		files = append(files, skelFile{name: e.Name()})
	}
	if len(files) > maxDentry {
		return nil, fmt.Errorf("skeleton directory has %d files, but the root directory holds at most %d", len(files), maxDentry)
	}

	g, _ := errgroup.WithContext(context.Background())
	for i := range files {
		i := i
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(skelDir, files[i].name))
			if err != nil {
				return fmt.Errorf("reading %s: %w", files[i].name, err)
			}
			files[i].data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// layout is the block-level plan for the image: which data blocks belong
// to which inode, computed serially once every file's size is known (an
// inherently sequential packing step, unlike the parallel host reads
// that feed it).
type layout struct {
	numInodes  uint32
	numData    uint32
	dataBlocks [][]byte // one slice of bsize-sized chunks per inode
	byteLens   []uint32
}

func planLayout(files []skelFile) (layout, error) {
	l := layout{
		numInodes:  uint32(len(files)),
		dataBlocks: make([][]byte, len(files)),
		byteLens:   make([]uint32, len(files)),
	}
	for i, f := range files {
		nblocks := (len(f.data) + bsize - 1) / bsize
		if nblocks > maxDataPerInode {
			return layout{}, fmt.Errorf("%s is %d bytes, more than the %d blocks a single inode can address", f.name, len(f.data), maxDataPerInode)
		}
		l.byteLens[i] = uint32(len(f.data))
		chunks := make([]byte, nblocks*bsize)
		copy(chunks, f.data)
		l.dataBlocks[i] = chunks
		l.numData += uint32(nblocks)
	}
	return l, nil
}

func encodeBootBlock(files []skelFile, l layout) []byte {
	buf := make([]byte, bsize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(files)))
	binary.LittleEndian.PutUint32(buf[4:8], l.numInodes)
	binary.LittleEndian.PutUint32(buf[8:12], l.numData)

	off := bootReservedSize + 12
	for i, f := range files {
		base := off + i*dentrySize
		name := ustr.Ustr(f.name).ToFixed()
		copy(buf[base:base+ustr.NameWidth], name[:])
		binary.LittleEndian.PutUint32(buf[base+ustr.NameWidth:base+ustr.NameWidth+4], uint32(i))
	}
	return buf
}

func encodeInodeBlock(byteLen uint32, dataBlockBase, nblocks uint32) []byte {
	buf := make([]byte, bsize)
	binary.LittleEndian.PutUint32(buf[0:4], byteLen)
	for i := uint32(0); i < nblocks; i++ {
		base := 4 + i*4
		binary.LittleEndian.PutUint32(buf[base:base+4], dataBlockBase+i)
	}
	return buf
}

// statSummary builds the stat.Stat_t this image's mount will eventually
// hand back for file i, letting mkfs report exactly what a caller of
// fs.Filesystem.Stat would see once the image is mounted.
func statSummary(inodeNo uint32, l layout) stat.Stat_t {
	var st stat.Stat_t
	st.Wino(uint(inodeNo))
	st.Wsize(uint(l.byteLens[inodeNo]))
	st.Wmode(0)
	return st
}

// buildImage assembles the full disk image: boot block, then one block
// per inode, then every inode's data blocks back to back in inode order.
func buildImage(files []skelFile, l layout) []byte {
	img := make([]byte, 0, bsize*(1+int(l.numInodes)+int(l.numData)))
	img = append(img, encodeBootBlock(files, l)...)

	dataBase := uint32(0)
	for i := range files {
		nblocks := uint32(len(l.dataBlocks[i]) / bsize)
		img = append(img, encodeInodeBlock(l.byteLens[i], dataBase, nblocks)...)
		dataBase += nblocks
	}
	for i := range files {
		img = append(img, l.dataBlocks[i]...)
	}
	return img
}

func main() {
	if len(os.Args) < 3 {
		fmt.Printf("Usage: mkfs <output image> <skel dir>\n")
		os.Exit(1)
	}
	outPath := os.Args[1]
	skelDir := os.Args[2]

	files, err := collectSkelFiles(skelDir)
	if err != nil {
		fmt.Printf("mkfs: %v\n", err)
		os.Exit(1)
	}
	l, err := planLayout(files)
	if err != nil {
		fmt.Printf("mkfs: %v\n", err)
		os.Exit(1)
	}
	img := buildImage(files, l)

	if err := os.WriteFile(outPath, img, 0644); err != nil {
		fmt.Printf("mkfs: writing %s: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: wrote %s: %d files, %d inode blocks, %d data blocks\n", outPath, len(files), l.numInodes, l.numData)
	for i, f := range files {
		st := statSummary(uint32(i), l)
		fmt.Printf("  %-32s ino=%-4d size=%d\n", f.name, st.Rino(), st.Size())
	}
}

package ext4

import (
	"encoding/binary"
	"fmt"
)

const (
	// minimum size of the classic inode record
	minInodeSize = 128

	inodeFlagExtents uint32 = 0x80000

	// layout of i_block within the inode record
	inodeBlockOffset = 0x28
	inodeBlockSize   = 60
)

// Inode is the subset of an ext4 inode record the journal cares about: its
// size and its block map.
type Inode struct {
	number uint32
	size   uint64
	flags  uint32
	block  [inodeBlockSize]byte
}

// Number returns the inode number.
func (i *Inode) Number() uint32 {
	return i.number
}

// Size returns the file size in bytes.
func (i *Inode) Size() uint64 {
	return i.size
}

// UsesExtents reports whether the inode's blocks are mapped by an extent
// tree rather than the classic indirect block map.
func (i *Inode) UsesExtents() bool {
	return i.flags&inodeFlagExtents != 0
}

func inodeFromBytes(b []byte, number uint32) (*Inode, error) {
	if len(b) < minInodeSize {
		return nil, fmt.Errorf("inode record too short: %d bytes, must be at least %d", len(b), minInodeSize)
	}
	i := &Inode{
		number: number,
		size:   uint64(binary.LittleEndian.Uint32(b[0x4:0x8])) | uint64(binary.LittleEndian.Uint32(b[0x6c:0x70]))<<32,
		flags:  binary.LittleEndian.Uint32(b[0x20:0x24]),
	}
	copy(i.block[:], b[inodeBlockOffset:inodeBlockOffset+inodeBlockSize])
	return i, nil
}

// InodeRef is a handle on a read inode. Put releases it.
type InodeRef struct {
	fs    *FileSystem
	Inode *Inode
}

// GetInodeRef reads inode n from the inode table.
func (fs *FileSystem) GetInodeRef(n uint32) (*InodeRef, error) {
	if n == 0 {
		return nil, fmt.Errorf("inode 0 does not exist")
	}
	ipg := fs.sb.InodesPerGroup()
	if ipg == 0 {
		return nil, fmt.Errorf("superblock declares zero inodes per group")
	}
	group := (n - 1) / ipg
	index := (n - 1) % ipg

	table, err := fs.inodeTableBlock(group)
	if err != nil {
		return nil, err
	}
	inodeSize := uint32(fs.sb.InodeSize())
	if inodeSize < minInodeSize {
		inodeSize = minInodeSize
	}
	off := int64(table)*int64(fs.BlockSize()) + int64(index)*int64(inodeSize)
	b := make([]byte, inodeSize)
	if _, err := fs.storage.ReadAt(b, off); err != nil {
		return nil, fmt.Errorf("could not read inode %d: %w", n, err)
	}
	inode, err := inodeFromBytes(b, n)
	if err != nil {
		return nil, err
	}
	return &InodeRef{fs: fs, Inode: inode}, nil
}

// inodeTableBlock locates the inode table of a block group through its group
// descriptor.
func (fs *FileSystem) inodeTableBlock(group uint32) (uint64, error) {
	descSize := fs.sb.DescSize()
	gdtBlock := uint64(fs.sb.FirstDataBlock()) + 1
	off := int64(gdtBlock)*int64(fs.BlockSize()) + int64(group)*int64(descSize)
	desc := make([]byte, descSize)
	if _, err := fs.storage.ReadAt(desc, off); err != nil {
		return 0, fmt.Errorf("could not read descriptor for group %d: %w", group, err)
	}
	table := uint64(binary.LittleEndian.Uint32(desc[0x8:0xc]))
	if descSize >= 64 {
		table |= uint64(binary.LittleEndian.Uint32(desc[0x28:0x2c])) << 32
	}
	if table == 0 {
		return 0, fmt.Errorf("group %d has no inode table", group)
	}
	return table, nil
}

// Put releases the inode reference.
func (ir *InodeRef) Put() {
	ir.Inode = nil
	ir.fs = nil
}

// BlockIdx resolves a file-relative block number to the device block that
// holds it, through the inode's extent tree or indirect block map.
func (ir *InodeRef) BlockIdx(iblock uint64) (uint64, error) {
	if ir.Inode == nil {
		return 0, fmt.Errorf("inode reference already released")
	}
	if ir.Inode.UsesExtents() {
		return ir.fs.extentBlockIdx(ir.Inode.block[:], iblock, 0)
	}
	return ir.fs.blockmapIdx(ir.Inode.block[:], iblock)
}

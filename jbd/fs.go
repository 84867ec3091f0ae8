package jbd

import (
	"fmt"

	"github.com/diskfs/go-jbd/blockcache"
	"github.com/diskfs/go-jbd/ext4"
)

// Fs is an opened journal: the journal superblock plus the inode that maps
// journal-relative blocks to device blocks.
type Fs struct {
	fs       *ext4.FileSystem
	inodeRef *ext4.InodeRef
	sb       *Superblock
	dirty    bool
}

// Open loads the journal of a filesystem: it opens the journal inode named
// by the filesystem superblock, reads journal block 0, and validates the
// journal superblock found there.
func Open(fs *ext4.FileSystem) (*Fs, error) {
	num := fs.Superblock().JournalInode()
	if num == 0 {
		return nil, fmt.Errorf("%w: filesystem has no journal inode", ErrInvalidSuperblock)
	}
	ref, err := fs.GetInodeRef(num)
	if err != nil {
		return nil, fmt.Errorf("could not open journal inode %d: %w", num, err)
	}
	jf := &Fs{fs: fs, inodeRef: ref}
	b, err := jf.ReadLogBlock(0)
	if err != nil {
		ref.Put()
		return nil, err
	}
	sb, err := SuperblockFromBytes(b[:SuperblockSize])
	if err != nil {
		ref.Put()
		return nil, err
	}
	jf.sb = sb
	return jf, nil
}

// Close writes back a dirty journal superblock and releases the journal
// inode.
func (jf *Fs) Close() error {
	var err error
	if jf.dirty {
		err = jf.writeSuperblock()
	}
	jf.inodeRef.Put()
	return err
}

// Superblock returns the journal superblock.
func (jf *Fs) Superblock() *Superblock {
	return jf.sb
}

// blockLBA maps a journal-relative block index to its device block through
// the journal inode's block map.
func (jf *Fs) blockLBA(iblock uint32) (uint64, error) {
	lba, err := jf.inodeRef.BlockIdx(uint64(iblock))
	if err != nil {
		return 0, fmt.Errorf("could not map journal block %d: %w", iblock, err)
	}
	return lba, nil
}

// ReadLogBlock reads one journal block directly from the device.
func (jf *Fs) ReadLogBlock(iblock uint32) ([]byte, error) {
	lba, err := jf.blockLBA(iblock)
	if err != nil {
		return nil, err
	}
	return jf.fs.ReadBlock(lba)
}

// blockGetNoRead fetches the cache buffer for a journal block without
// reading the device, write-through flagged: journal records must reach the
// device the moment they are marked dirty, so that every descriptor and data
// block precedes its commit block on disk.
func (jf *Fs) blockGetNoRead(iblock uint32) (*blockcache.Buffer, error) {
	lba, err := jf.blockLBA(iblock)
	if err != nil {
		return nil, err
	}
	buf, err := jf.fs.BlockCache().GetNoRead(lba)
	if err != nil {
		return nil, err
	}
	buf.SetFlush()
	return buf, nil
}

// writeSuperblock persists the journal superblock into journal block 0.
func (jf *Fs) writeSuperblock() error {
	lba, err := jf.blockLBA(0)
	if err != nil {
		return err
	}
	if err := jf.fs.WriteBytes(jf.sb.ToBytes(), int64(lba)*int64(jf.fs.BlockSize())); err != nil {
		return fmt.Errorf("could not write journal superblock: %w", err)
	}
	jf.dirty = false
	return nil
}

// InitJournal formats the journal inode with a fresh clean journal: a new V2
// superblock in journal block 0 carrying the filesystem UUID, and zeroes in
// every log block.
func InitJournal(fs *ext4.FileSystem) error {
	num := fs.Superblock().JournalInode()
	if num == 0 {
		return fmt.Errorf("filesystem has no journal inode")
	}
	ref, err := fs.GetInodeRef(num)
	if err != nil {
		return fmt.Errorf("could not open journal inode %d: %w", num, err)
	}
	defer ref.Put()

	blockSize := fs.BlockSize()
	maxLen := uint32(ref.Inode.Size() / uint64(blockSize))
	if maxLen < 2 {
		return fmt.Errorf("journal inode of %d bytes is too small for a journal", ref.Inode.Size())
	}
	sb := NewSuperblock(blockSize, maxLen, fs.Superblock().UUID())

	sbBlock := make([]byte, blockSize)
	copy(sbBlock, sb.ToBytes())
	zero := make([]byte, blockSize)
	for iblock := uint32(0); iblock < maxLen; iblock++ {
		lba, err := ref.BlockIdx(uint64(iblock))
		if err != nil {
			return fmt.Errorf("could not map journal block %d: %w", iblock, err)
		}
		b := zero
		if iblock == 0 {
			b = sbBlock
		}
		if err := fs.WriteBytes(b, int64(lba)*int64(blockSize)); err != nil {
			return err
		}
	}
	return nil
}

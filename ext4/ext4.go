// Package ext4 is the slice of an ext4 filesystem the journal needs: the
// superblock, inode records, and the mapping from file-relative blocks to
// device blocks. It does not read directories or allocate anything.
package ext4

import (
	"fmt"

	"github.com/diskfs/go-jbd/backend"
	"github.com/diskfs/go-jbd/blockcache"
)

// FileSystem is a mounted-enough view of an ext4 image: its superblock, the
// backing storage, and a shared block cache.
type FileSystem struct {
	storage  backend.Storage
	writable backend.WritableFile
	sb       *Superblock
	cache    *blockcache.Cache
}

// Read opens the filesystem on storage by reading and validating the primary
// superblock.
func Read(storage backend.Storage) (*FileSystem, error) {
	b := make([]byte, SuperblockSize)
	if _, err := storage.ReadAt(b, Superblock0Offset); err != nil {
		return nil, fmt.Errorf("could not read superblock: %w", err)
	}
	sb, err := SuperblockFromBytes(b)
	if err != nil {
		return nil, err
	}
	return &FileSystem{
		storage: storage,
		sb:      sb,
		cache:   blockcache.New(storage, sb.BlockSize()),
	}, nil
}

// Superblock returns the in-memory superblock.
func (fs *FileSystem) Superblock() *Superblock {
	return fs.sb
}

// BlockSize returns the filesystem block size in bytes.
func (fs *FileSystem) BlockSize() uint32 {
	return fs.sb.BlockSize()
}

// BlockCache returns the filesystem's shared block cache.
func (fs *FileSystem) BlockCache() *blockcache.Cache {
	return fs.cache
}

// ReadBlock reads one filesystem block directly from storage, bypassing the
// cache. Used for metadata walks that never write.
func (fs *FileSystem) ReadBlock(lba uint64) ([]byte, error) {
	b := make([]byte, fs.BlockSize())
	if _, err := fs.storage.ReadAt(b, int64(lba)*int64(fs.BlockSize())); err != nil {
		return nil, fmt.Errorf("could not read block %d: %w", lba, err)
	}
	return b, nil
}

// WriteBytes writes raw bytes to the device at an absolute offset.
func (fs *FileSystem) WriteBytes(b []byte, off int64) error {
	w, err := fs.writer()
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(b, off); err != nil {
		return fmt.Errorf("could not write %d bytes at %d: %w", len(b), off, err)
	}
	return nil
}

// WriteSuperblock persists the in-memory superblock to the device.
func (fs *FileSystem) WriteSuperblock() error {
	w, err := fs.writer()
	if err != nil {
		return err
	}
	if _, err := w.WriteAt(fs.sb.ToBytes(), Superblock0Offset); err != nil {
		return fmt.Errorf("could not write superblock: %w", err)
	}
	return nil
}

func (fs *FileSystem) writer() (backend.WritableFile, error) {
	if fs.writable != nil {
		return fs.writable, nil
	}
	w, err := fs.storage.Writable()
	if err != nil {
		return nil, err
	}
	fs.writable = w
	return w, nil
}

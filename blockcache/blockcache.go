// Package blockcache is a block buffer cache over a backend.Storage. Buffers
// are keyed by logical block address, reference counted, and carry a dirty
// flag plus an optional write-through flag. A buffer may have at most one
// WriteHook attached; the hook runs synchronously on the flushing caller's
// stack when the buffer's write to the device completes. The cache performs
// no background work of its own.
package blockcache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/diskfs/go-jbd/backend"
)

var (
	// ErrHookInstalled is returned when attaching a WriteHook to a buffer
	// that already has one. A buffer carries at most one hook.
	ErrHookInstalled = errors.New("buffer already has a write hook")
)

// WriteHook observes the completion of a buffer's write to the device.
// EndWrite runs on the stack of whichever call drove the flush, before that
// call returns. result is the device write error, nil on success.
type WriteHook interface {
	EndWrite(buf *Buffer, result error)
}

// Buffer is a single cached block.
type Buffer struct {
	lba      uint64
	Data     []byte
	refCount int
	dirty    bool
	flush    bool
	hook     WriteHook
}

// LBA returns the buffer's logical block address on the device.
func (b *Buffer) LBA() uint64 {
	return b.lba
}

// IsDirty reports whether the buffer holds unwritten modifications.
func (b *Buffer) IsDirty() bool {
	return b.dirty
}

// SetFlush marks the buffer write-through: marking it dirty writes it to the
// device immediately.
func (b *Buffer) SetFlush() {
	b.flush = true
}

// Hook returns the installed WriteHook, or nil.
func (b *Buffer) Hook() WriteHook {
	return b.hook
}

// SetHook installs a WriteHook on the buffer. Installing over an existing
// hook is an error; pass nil to clear.
func (b *Buffer) SetHook(h WriteHook) error {
	if h != nil && b.hook != nil {
		return ErrHookInstalled
	}
	b.hook = h
	return nil
}

// Cache is a buffer cache over a single storage.
type Cache struct {
	storage   backend.Storage
	writable  backend.WritableFile
	blockSize uint32
	bufs      map[uint64]*Buffer
}

// New creates a cache over storage with the given block size.
func New(storage backend.Storage, blockSize uint32) *Cache {
	return &Cache{
		storage:   storage,
		blockSize: blockSize,
		bufs:      make(map[uint64]*Buffer),
	}
}

// BlockSize returns the cache block size in bytes.
func (c *Cache) BlockSize() uint32 {
	return c.blockSize
}

// Get returns the buffer for lba, reading it from the device if it is not
// cached. The caller owns one reference.
func (c *Cache) Get(lba uint64) (*Buffer, error) {
	if b, ok := c.bufs[lba]; ok {
		b.refCount++
		return b, nil
	}
	b := &Buffer{
		lba:  lba,
		Data: make([]byte, c.blockSize),
	}
	if _, err := c.storage.ReadAt(b.Data, int64(lba)*int64(c.blockSize)); err != nil {
		return nil, fmt.Errorf("could not read block %d: %w", lba, err)
	}
	b.refCount = 1
	c.bufs[lba] = b
	return b, nil
}

// GetNoRead returns the buffer for lba without reading the device, for
// callers that will overwrite the whole block. The caller owns one reference.
func (c *Cache) GetNoRead(lba uint64) (*Buffer, error) {
	if b, ok := c.bufs[lba]; ok {
		b.refCount++
		return b, nil
	}
	b := &Buffer{
		lba:      lba,
		Data:     make([]byte, c.blockSize),
		refCount: 1,
	}
	c.bufs[lba] = b
	return b, nil
}

// Retain adds a reference to the buffer.
func (c *Cache) Retain(b *Buffer) {
	b.refCount++
}

// Put drops one reference. When the last reference to a write-through dirty
// buffer is dropped, the buffer is flushed.
func (c *Cache) Put(b *Buffer) error {
	if b.refCount <= 0 {
		return fmt.Errorf("put of block %d with no references held", b.lba)
	}
	b.refCount--
	if b.refCount == 0 && b.dirty && b.flush {
		return c.FlushBuffer(b)
	}
	return nil
}

// SetDirty marks the buffer modified. A write-through buffer is written to
// the device immediately.
func (c *Cache) SetDirty(b *Buffer) error {
	b.dirty = true
	if b.flush {
		return c.FlushBuffer(b)
	}
	return nil
}

// ClearDirty discards the dirty mark without writing. No hook is invoked.
func (c *Cache) ClearDirty(b *Buffer) {
	b.dirty = false
}

// FlushBuffer writes a dirty buffer to the device, then invokes the buffer's
// WriteHook (if any) with the write result before returning. A clean buffer
// is a no-op.
func (c *Cache) FlushBuffer(b *Buffer) error {
	if !b.dirty {
		return nil
	}
	err := c.writeBlock(b)
	if err == nil {
		b.dirty = false
	}
	if b.hook != nil {
		b.hook.EndWrite(b, err)
	}
	if err != nil {
		return fmt.Errorf("could not write block %d: %w", b.lba, err)
	}
	return nil
}

// Flush writes all dirty buffers to the device in LBA order.
func (c *Cache) Flush() error {
	lbas := make([]uint64, 0, len(c.bufs))
	for lba, b := range c.bufs {
		if b.dirty {
			lbas = append(lbas, lba)
		}
	}
	sort.Slice(lbas, func(i, j int) bool { return lbas[i] < lbas[j] })
	for _, lba := range lbas {
		if err := c.FlushBuffer(c.bufs[lba]); err != nil {
			return err
		}
	}
	return nil
}

// Drop evicts a clean, unreferenced buffer from the cache. Used by tests to
// force re-reads; dropping a dirty or referenced buffer is an error.
func (c *Cache) Drop(b *Buffer) error {
	if b.refCount != 0 || b.dirty {
		return fmt.Errorf("cannot drop block %d: still referenced or dirty", b.lba)
	}
	delete(c.bufs, b.lba)
	return nil
}

func (c *Cache) writeBlock(b *Buffer) error {
	if c.writable == nil {
		w, err := c.storage.Writable()
		if err != nil {
			return err
		}
		c.writable = w
	}
	_, err := c.writable.WriteAt(b.Data, int64(b.lba)*int64(c.blockSize))
	return err
}

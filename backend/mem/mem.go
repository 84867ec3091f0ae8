// Package mem provides a RAM-backed backend.Storage, used by tests and by
// tools that assemble images in memory before writing them out.
package mem

import (
	"fmt"
	"io"
	"sync"

	"github.com/diskfs/go-jbd/backend"
)

// Storage is a fixed-size in-memory backend.Storage.
type Storage struct {
	mu   sync.RWMutex
	data []byte
	size int64
}

// New creates a memory storage of the given size, zero-filled.
func New(size int64) *Storage {
	return &Storage{
		data: make([]byte, size),
		size: size,
	}
}

// Size returns the device size in bytes.
func (s *Storage) Size() int64 {
	return s.size
}

// Bytes returns the underlying buffer. The caller must not resize it.
func (s *Storage) Bytes() []byte {
	return s.data
}

func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *Storage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at negative offset %d", off)
	}
	if off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of device (%d)", len(p), off, s.size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(s.data[off:], p), nil
}

func (s *Storage) Sync() error {
	return nil
}

func (s *Storage) Close() error {
	return nil
}

// Writable returns the storage itself; memory storage is always writable.
func (s *Storage) Writable() (backend.WritableFile, error) {
	return s, nil
}

// Package file provides a backend.Storage backed by an os.File, either a
// plain image file or a raw block device node.
package file

import (
	"os"

	"github.com/diskfs/go-jbd/backend"
)

// Storage is an os.File-backed backend.Storage.
type Storage struct {
	f        *os.File
	writable bool
}

// Open opens the file at path read-only.
func Open(path string) (*Storage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Storage{f: f}, nil
}

// OpenReadWrite opens the file at path for reading and writing.
func OpenReadWrite(path string) (*Storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Storage{f: f, writable: true}, nil
}

// New wraps an already opened os.File. The caller declares whether the file
// was opened for writing.
func New(f *os.File, writable bool) *Storage {
	return &Storage{f: f, writable: writable}
}

func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *Storage) Close() error {
	return s.f.Close()
}

// Writable returns the write surface of the storage.
func (s *Storage) Writable() (backend.WritableFile, error) {
	if !s.writable {
		return nil, backend.ErrIncorrectOpenMode
	}
	return &writableStorage{s}, nil
}

type writableStorage struct {
	*Storage
}

func (w *writableStorage) WriteAt(p []byte, off int64) (int, error) {
	return w.f.WriteAt(p, off)
}

func (w *writableStorage) Sync() error {
	return datasync(w.f)
}

// Package testhelper provides stub storage implementations for tests, so
// that device reads and writes can be intercepted or made to fail.
package testhelper

import (
	"fmt"

	"github.com/diskfs/go-jbd/backend"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)

// FileImpl implements backend.Storage over caller-supplied read and write
// functions, used by tests to stub out the device.
type FileImpl struct {
	Reader reader
	Writer writer
}

// ReadAt reads at a particular offset through the stub reader.
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return f.Reader(b, offset)
}

// WriteAt writes at a particular offset through the stub writer.
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	if f.Writer == nil {
		return 0, fmt.Errorf("FileImpl has no writer")
	}
	return f.Writer(b, offset)
}

func (f *FileImpl) Sync() error {
	return nil
}

func (f *FileImpl) Close() error {
	return nil
}

// Writable returns the stub itself; pass-through unless Writer is nil.
func (f *FileImpl) Writable() (backend.WritableFile, error) {
	if f.Writer == nil {
		return nil, backend.ErrIncorrectOpenMode
	}
	return f, nil
}

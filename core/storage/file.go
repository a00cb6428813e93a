// Package storage wraps the on-disk files the server appends to. All file
// descriptor lifecycle operations (open, close, stat, remove, truncate) are
// serialized behind a single process-wide mutex so that descriptor churn from
// concurrent transactions never interleaves.
package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ioMu serializes descriptor lifecycle operations process-wide.
var ioMu sync.Mutex

// Intent declares what a caller will do with an opened file.
type Intent int

const (
	// ReadIntent opens an existing file for reading only.
	ReadIntent Intent = iota

	// AppendIntent opens a file for appending, creating it if absent.
	AppendIntent
)

// File is an open handle scoped to a single Intent.
type File struct {
	f      *os.File
	intent Intent
}

// Open opens path according to intent. The descriptor is acquired under the
// package mutex.
func Open(path string, intent Intent) (*File, error) {
	flags := os.O_RDONLY
	if intent == AppendIntent {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	ioMu.Lock()
	defer ioMu.Unlock()

	f, err := os.OpenFile(path, flags, 0o777)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	return &File{f: f, intent: intent}, nil
}

// Size returns the current size of the open file.
func (f *File) Size() (int64, error) {
	info, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.f.Name(), err)
	}
	return info.Size(), nil
}

// ReadAll reads the whole file as it exists at call time. A writer appending
// concurrently is not waited for; only the bytes present when the size is
// taken are returned.
func (f *File) ReadAll() ([]byte, error) {
	if f.intent != ReadIntent {
		return nil, fmt.Errorf("%w: handle not opened for reading", ErrReadFailed)
	}
	size, err := f.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadFailed, err)
	}
	buf := make([]byte, size)
	if err := ReadFull(f.f, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrReadFailed, f.f.Name(), err)
	}
	return buf, nil
}

// Append writes data at the end of the file.
func (f *File) Append(data []byte) error {
	if f.intent != AppendIntent {
		return fmt.Errorf("%w: handle not opened for appending", ErrWriteFailed)
	}
	if err := WriteFull(f.f, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, f.f.Name(), err)
	}
	return nil
}

// Close releases the handle. Write handles are synced twice before the
// descriptor is closed.
func (f *File) Close() error {
	if f.intent == AppendIntent {
		f.f.Sync()
		f.f.Sync()
	}

	ioMu.Lock()
	defer ioMu.Unlock()

	if err := f.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.f.Name(), err)
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes from r.
func ReadFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// WriteFull writes all of buf to w, retrying on short writes.
func WriteFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SizeOf returns the size of the file at path, or 0 when it does not exist.
func SizeOf(path string) int64 {
	ioMu.Lock()
	defer ioMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Exists reports whether a file exists at path.
func Exists(path string) bool {
	ioMu.Lock()
	defer ioMu.Unlock()

	_, err := os.Stat(path)
	return err == nil
}

// Truncate shrinks the file at path to size bytes.
func Truncate(path string, size int64) error {
	ioMu.Lock()
	defer ioMu.Unlock()

	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	return nil
}

// Remove deletes the file at path.
func Remove(path string) error {
	ioMu.Lock()
	defer ioMu.Unlock()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

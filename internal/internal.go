package internal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicFile writes to a temporary sibling of its target path and renames
// it into place on Commit. Either Commit or Discard must be called; after
// a Discard no partial file remains on disk.
type AtomicFile struct {
	f      *os.File
	target string
	done   bool
}

// CreateAtomicFile creates the target's parent directories and opens a
// temporary file next to the target.
func CreateAtomicFile(target string) (*AtomicFile, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp*")
	if err != nil {
		return nil, err
	}
	return &AtomicFile{f: f, target: target}, nil
}

// Write writes bytes to the temporary file.
func (a *AtomicFile) Write(p []byte) (int, error) {
	return a.f.Write(p)
}

// Commit syncs the temporary file and atomically renames it to the target.
func (a *AtomicFile) Commit() error {
	if a.done {
		return fmt.Errorf("atomic file already finalized")
	}
	a.done = true

	if err := a.f.Sync(); err != nil {
		a.f.Close()
		os.Remove(a.f.Name())
		return err
	} else if err := a.f.Close(); err != nil {
		os.Remove(a.f.Name())
		return err
	}
	return os.Rename(a.f.Name(), a.target)
}

// Discard closes and removes the temporary file, leaving the target
// untouched. Safe to call after Commit; it becomes a no-op.
func (a *AtomicFile) Discard() {
	if a.done {
		return
	}
	a.done = true
	a.f.Close()
	os.Remove(a.f.Name())
}

// ReadCounter wraps an io.Reader and counts the total number of bytes read.
type ReadCounter struct {
	r io.Reader
	n int64
}

// NewReadCounter returns a new instance of ReadCounter.
func NewReadCounter(r io.Reader) *ReadCounter {
	return &ReadCounter{r: r}
}

// Read reads from the underlying reader and tallies the bytes.
func (rc *ReadCounter) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.n += int64(n)
	return n, err
}

// N returns the total number of bytes read.
func (rc *ReadCounter) N() int64 { return rc.n }

package ocsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocsync/ocsync/internal"
)

// Sidecar suffixes, derived from the database file path.
const (
	LockFileSuffix = "-ocsync.lock"
	PidDirSuffix   = "-ocsync.d"
)

// lockRetryInterval is the poll interval used when a context deadline
// forces non-blocking lock acquisition.
const lockRetryInterval = 25 * time.Millisecond

// ProcessMutex is a named mutual-exclusion handle shared by every process
// holding the same database file open. It is backed by advisory byte-range
// locks on a sidecar lock file: an ownership region serializing
// initialization, a write region granting exclusive database write access,
// and a directory of per-process pid files standing in for a live
// connection counter. All region locks are reclaimed by the kernel when
// the holding process dies.
type ProcessMutex struct {
	mu     sync.Mutex // serializes same-process callers
	locked atomic.Bool

	lockFile *os.File
	pidFile  *os.File
	pidPath  string

	path    string // database file path the mutex is keyed by
	initial bool
}

// NewProcessMutex creates or attaches to the mutex for the database at
// path. The returned handle reports Initial() == true when no other live
// process currently holds the same database open, which makes this process
// the schema-upgrade authority.
//
// POSIX record locks are owned by the process, not the descriptor: two
// handles for the same path inside one process never conflict at the
// fcntl level, the second would overwrite the first's pid file, and
// closing either descriptor releases the write region for both. Open at
// most one ProcessMutex per database path per process; the in-process mu
// only serializes callers sharing a single handle.
func NewProcessMutex(path string) (*ProcessMutex, error) {
	m := &ProcessMutex{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	f, err := os.OpenFile(m.LockPath(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	m.lockFile = f

	// The ownership region serializes racing initializers so that the
	// live-connection scan and our own registration are atomic as a pair.
	if err := internal.LockFileRange(m.lockFile, internal.LockRegionOwnership); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire ownership region: %w", err)
	}
	defer func() { _ = internal.UnlockFileRange(m.lockFile, internal.LockRegionOwnership) }()

	live, err := m.countLiveConnections()
	if err != nil {
		f.Close()
		return nil, err
	}
	m.initial = live == 0

	if err := m.registerConnection(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// LockPath returns the path of the sidecar lock file.
func (m *ProcessMutex) LockPath() string { return m.path + LockFileSuffix }

// PidDirPath returns the path of the per-process connection registry.
func (m *ProcessMutex) PidDirPath() string { return m.path + PidDirSuffix }

// Initial reports whether this process was the first live holder of the
// database when the mutex was constructed. The answer is computed once;
// closing and reopening the database in the same process does not change
// it.
func (m *ProcessMutex) Initial() bool { return m.initial }

// countLiveConnections probes every registered pid file. A file whose
// region lock can be stolen belongs to a dead process and is removed.
func (m *ProcessMutex) countLiveConnections() (int, error) {
	ents, err := os.ReadDir(m.PidDirPath())
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("read pid dir: %w", err)
	}

	var live int
	for _, ent := range ents {
		if !strings.HasSuffix(ent.Name(), ".pid") {
			continue
		}
		name := filepath.Join(m.PidDirPath(), ent.Name())

		f, err := os.OpenFile(name, os.O_RDWR, 0o600)
		if os.IsNotExist(err) {
			continue // reaped by a peer
		} else if err != nil {
			return 0, fmt.Errorf("open pid file: %w", err)
		}

		ok, err := internal.TryLockFileRange(f, 0)
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("probe pid file: %w", err)
		} else if ok {
			// Lock acquired, so the registering process is gone.
			f.Close()
			os.Remove(name)
			continue
		}
		f.Close()
		live++
	}
	return live, nil
}

// registerConnection writes this process's pid file and pins it with a
// region lock held for the life of the process.
func (m *ProcessMutex) registerConnection() error {
	if err := os.MkdirAll(m.PidDirPath(), 0o700); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}

	m.pidPath = filepath.Join(m.PidDirPath(), strconv.Itoa(os.Getpid())+".pid")
	f, err := os.OpenFile(m.pidPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := internal.LockFileRange(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("pin pid file: %w", err)
	}
	m.pidFile = f
	return nil
}

// Lock acquires the exclusive write region, blocking until it is free.
// Same-process callers are serialized by an in-process mutex first. When
// ctx carries a deadline or can be canceled, acquisition degrades to a
// poll loop so the wait can be abandoned.
func (m *ProcessMutex) Lock(ctx context.Context) error {
	m.mu.Lock()

	if ctx.Done() == nil {
		if err := internal.LockFileRange(m.lockFile, internal.LockRegionWrite); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("acquire write region: %w", err)
		}
		m.locked.Store(true)
		return nil
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := internal.TryLockFileRange(m.lockFile, internal.LockRegionWrite)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("acquire write region: %w", err)
		} else if ok {
			m.locked.Store(true)
			return nil
		}

		select {
		case <-ctx.Done():
			m.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock attempts to acquire the write region without blocking. It
// returns false, without error, when the region is held by anyone else.
func (m *ProcessMutex) TryLock() (bool, error) {
	if !m.mu.TryLock() {
		return false, nil
	}
	ok, err := internal.TryLockFileRange(m.lockFile, internal.LockRegionWrite)
	if err != nil {
		m.mu.Unlock()
		return false, fmt.Errorf("acquire write region: %w", err)
	} else if !ok {
		m.mu.Unlock()
		return false, nil
	}
	m.locked.Store(true)
	return true, nil
}

// Unlock releases the write region and then the in-process lock.
func (m *ProcessMutex) Unlock() error {
	if !m.locked.Load() {
		return fmt.Errorf("unlock of unlocked process mutex")
	}
	err := internal.UnlockFileRange(m.lockFile, internal.LockRegionWrite)
	m.locked.Store(false)
	m.mu.Unlock()
	return err
}

// IsLocked reports whether this handle currently holds the write region.
func (m *ProcessMutex) IsLocked() bool { return m.locked.Load() }

// Close deregisters the connection and releases all descriptors. It does
// not recompute upgrade authority for any handle opened later by the same
// process.
func (m *ProcessMutex) Close() (err error) {
	if m.locked.Load() {
		if e := m.Unlock(); e != nil && err == nil {
			err = e
		}
	}
	if m.pidFile != nil {
		if e := m.pidFile.Close(); e != nil && err == nil {
			err = e
		}
		os.Remove(m.pidPath)
		m.pidFile = nil
	}
	if m.lockFile != nil {
		if e := m.lockFile.Close(); e != nil && err == nil {
			err = e
		}
		m.lockFile = nil
	}
	return err
}

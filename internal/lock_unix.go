//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package internal

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Byte-range layout within a cache lock file. Each region is a single byte
// locked independently via fcntl. Region locks are released by the kernel
// when the holding process exits, which is what gives the cross-process
// mutex its crash safety.
const (
	LockRegionOwnership int64 = 0
	LockRegionWrite     int64 = 1
)

// LockFileRange blocks until an exclusive lock on the one-byte region at
// offset is acquired.
func LockFileRange(f *os.File, offset int64) error {
	return setFcntlLock(int(f.Fd()), unix.F_SETLKW, unix.F_WRLCK, offset)
}

// TryLockFileRange attempts a non-blocking exclusive lock on the region at
// offset. It returns false without error when the region is held elsewhere.
func TryLockFileRange(f *os.File, offset int64) (bool, error) {
	err := setFcntlLock(int(f.Fd()), unix.F_SETLK, unix.F_WRLCK, offset)
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EAGAIN) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// UnlockFileRange releases a previously acquired lock on the region at offset.
func UnlockFileRange(f *os.File, offset int64) error {
	return setFcntlLock(int(f.Fd()), unix.F_SETLK, unix.F_UNLCK, offset)
}

func setFcntlLock(fd int, cmd int, lockType int16, offset int64) error {
	flock := unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  offset,
		Len:    1,
	}
	return unix.FcntlFlock(uintptr(fd), cmd, &flock)
}

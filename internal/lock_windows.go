//go:build windows

package internal

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

const (
	LockRegionOwnership int64 = 0
	LockRegionWrite     int64 = 1
)

func LockFileRange(f *os.File, offset int64) error {
	ol := overlappedForOffset(offset)
	return windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
}

func TryLockFileRange(f *os.File, offset int64) (bool, error) {
	ol := overlappedForOffset(offset)
	err := windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func UnlockFileRange(f *os.File, offset int64) error {
	ol := overlappedForOffset(offset)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

func overlappedForOffset(offset int64) *windows.Overlapped {
	return &windows.Overlapped{
		Offset:     uint32(offset),
		OffsetHigh: uint32(offset >> 32),
	}
}

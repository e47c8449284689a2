//go:build unix

package filelock

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockRegion attempts a non-blocking record lock on [start, start+length).
// It returns false without error when another holder conflicts.
func tryLockRegion(f *os.File, start, length int64, shared bool) (bool, error) {
	typ := int16(unix.F_WRLCK)
	if shared {
		typ = unix.F_RDLCK
	}
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	err := unix.FcntlFlock(f.Fd(), setLockCmd, &lk)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return false, nil
	}
	return false, err
}

func unlockRegion(f *os.File, start, length int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  start,
		Len:    length,
	}
	return unix.FcntlFlock(f.Fd(), setLockCmd, &lk)
}

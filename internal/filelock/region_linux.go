//go:build linux

package filelock

import "golang.org/x/sys/unix"

// Open file description locks belong to the descriptor, not the process.
const setLockCmd = unix.F_OFD_SETLK

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package filelock

import "golang.org/x/sys/unix"

// Classic POSIX record locks: locks held through different descriptors of
// the same process do not conflict, and closing any descriptor of a lock
// file drops every lock the process holds on it. The manager therefore
// reads locks it holds through the holder's own descriptor.
const setLockCmd = unix.F_SETLK

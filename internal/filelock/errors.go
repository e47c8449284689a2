package filelock

import (
	"fmt"
	"strings"

	"lockcache/internal/common"
)

// LockTimeoutError reports a lock that could not be acquired in time,
// naming the current owner when it is known.
type LockTimeoutError struct {
	LockFile string
	Owner    LockInfo
	message  string
}

func (e *LockTimeoutError) Error() string {
	return e.message
}

func (e *LockTimeoutError) Unwrap() error {
	return common.ErrLockTimeout
}

func newLockTimeoutError(displayName, ourPID, ourOperation, lockFile string, owner LockInfo) *LockTimeoutError {
	ownerPID := owner.PID
	ownerOperation := owner.Operation
	if !owner.Known() {
		ownerPID = "unknown"
		ownerOperation = "unknown"
	}

	var b strings.Builder
	if owner.Known() && owner.PID == ourPID {
		fmt.Fprintf(&b, "Timeout waiting to lock %s. It is currently in use by this process.\n", displayName)
	} else {
		fmt.Fprintf(&b, "Timeout waiting to lock %s. It is currently in use by another process.\n", displayName)
	}
	fmt.Fprintf(&b, "Owner PID: %s\n", ownerPID)
	fmt.Fprintf(&b, "Our PID: %s\n", ourPID)
	fmt.Fprintf(&b, "Owner Operation: %s\n", ownerOperation)
	fmt.Fprintf(&b, "Our operation: %s\n", ourOperation)
	fmt.Fprintf(&b, "Lock file: %s", lockFile)

	return &LockTimeoutError{LockFile: lockFile, Owner: owner, message: b.String()}
}

package filelock

import (
	"fmt"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/concurrent"
)

// FileLock is an acquired lock on a target. It is not safe for concurrent
// mutation; callers serialize access to it (see the cache package).
type FileLock struct {
	manager     *Manager
	target      string
	lockFile    string
	displayName string
	operation   string
	mode        LockMode
	lockID      int64
	port        int
	access      *lockFileAccess

	mu     sync.Mutex
	state  lockState
	closed bool
}

// FileAccess is the read/update/write protocol of a lock. Callers that hand
// out a lock indirectly (for example behind an ownership check) implement it
// too.
type FileAccess interface {
	ReadFile(action func() error) error
	UpdateFile(action func() error) error
	WriteFile(action func() error) error
}

var _ FileAccess = (*FileLock)(nil)

// ReadFileValue runs action under fa.ReadFile and returns its result.
func ReadFileValue[T any](fa FileAccess, action func() (T, error)) (T, error) {
	var result T
	err := fa.ReadFile(func() error {
		var err error
		result, err = action()
		return err
	})
	return result, err
}

// Target returns the canonical path of the locked target.
func (l *FileLock) Target() string { return l.target }

// LockFile returns the path of the lock file.
func (l *FileLock) LockFile() string { return l.lockFile }

// DisplayName returns the human readable name of the locked target.
func (l *FileLock) DisplayName() string { return l.displayName }

// Mode returns the granted lock mode.
func (l *FileLock) Mode() LockMode { return l.mode }

// LockID returns the random id published for contention requests.
func (l *FileLock) LockID() int64 { return l.lockID }

// AcceptsReleaseRequests reports whether other processes can ask the holder
// to give this lock up.
func (l *FileLock) AcceptsReleaseRequests() bool { return l.port != -1 }

// IsLockFile reports whether path is this lock's lock file.
func (l *FileLock) IsLockFile(path string) bool {
	return filepath.Clean(path) == l.lockFile
}

// State returns the current lock state.
func (l *FileLock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// UnlockedCleanly reports whether the previous holder finished every update
// it started.
func (l *FileLock) UnlockedCleanly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.state.isDirty()
}

// IsClosed reports whether Close has been called.
func (l *FileLock) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// ReadFile runs action against the protected files. The previous holder must
// have unlocked cleanly.
func (l *FileLock) ReadFile(action func() error) error {
	if err := l.assertOpenAndIntegral(); err != nil {
		return err
	}
	return action()
}

// UpdateFile modifies files that are known to be intact. Requires an
// exclusive lock and a clean state.
func (l *FileLock) UpdateFile(action func() error) error {
	if err := l.assertOpenAndIntegral(); err != nil {
		return err
	}
	return l.doWriteAction(action)
}

// WriteFile replaces the protected files regardless of their integrity.
// Requires an exclusive lock. The state is marked dirty while action runs and
// stays dirty if it fails.
func (l *FileLock) WriteFile(action func() error) error {
	if err := l.assertOpen(); err != nil {
		return err
	}
	return l.doWriteAction(action)
}

func (l *FileLock) doWriteAction(action func() error) error {
	if l.mode != LockModeExclusive {
		return fmt.Errorf("%w: an exclusive lock is required for this operation on %s", common.ErrInsufficientLockMode, l.displayName)
	}
	if err := l.markDirty(); err != nil {
		return err
	}
	if err := action(); err != nil {
		return err
	}
	return l.markClean()
}

func (l *FileLock) markDirty() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.isDirty() {
		return nil
	}
	next := l.state.beforeUpdate()
	if err := l.access.writeState(next); err != nil {
		return err
	}
	l.state = next
	log.Debugf("[FileLock.markDirty] %s", l.displayName)
	return nil
}

func (l *FileLock) markClean() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.state.completeUpdate()
	if err := l.access.writeState(next); err != nil {
		return err
	}
	l.state = next
	log.Debugf("[FileLock.markClean] %s", l.displayName)
	return nil
}

func (l *FileLock) assertOpen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%w: lock on %s has been released", common.ErrIllegalState, l.displayName)
	}
	return nil
}

func (l *FileLock) assertOpenAndIntegral() error {
	if err := l.assertOpen(); err != nil {
		return err
	}
	if !l.UnlockedCleanly() {
		return fmt.Errorf("%w: the file '%s' was not unlocked cleanly", common.ErrFileIntegrityViolation, l.target)
	}
	return nil
}

// Close releases the lock. Every release step runs; failures are joined.
func (l *FileLock) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	log.Debugf("[FileLock.Close] releasing lock on %s", l.displayName)

	stop := concurrent.NewCompositeStoppable()
	if l.mode == LockModeExclusive {
		stop.Add(l.clearOwnerInfo)
	}
	stop.Add(l.access.close)
	stop.Add(func() error {
		l.manager.contention.Stop(l.lockID)
		return nil
	})
	stop.Add(func() error {
		l.manager.forget(l.target)
		return nil
	})
	return stop.Stop()
}

func (l *FileLock) clearOwnerInfo() error {
	if err := l.manager.lockInfoRegion(l.access, l.displayName, false); err != nil {
		return err
	}
	defer l.access.unlockInfo()
	return l.access.clearInfo()
}

func (l *FileLock) String() string {
	return fmt.Sprintf("FileLock{%s, mode=%s}", l.displayName, l.mode)
}

package cache

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/concurrent"
	"lockcache/internal/filelock"
)

// crossProcessAccess decides when the file lock of a cache is held.
type crossProcessAccess interface {
	Open(ctx context.Context) error
	Close() error
	// AcquireFileLock makes sure the lock is held and returns a function that
	// gives the acquisition back.
	AcquireFileLock(ctx context.Context, operation string) (func() error, error)
	// WithFileLock runs action while the lock is held.
	WithFileLock(ctx context.Context, action func() error) error
}

// lockCallbacks are invoked once per physical lock acquisition and release.
type lockCallbacks struct {
	onOpen  func(lock *filelock.FileLock) error
	onClose func(lock *filelock.FileLock) error
}

type lockTarget struct {
	displayName string
	target      string
	options     filelock.LockOptions
	manager     *filelock.Manager
	init        InitializationAction
	callbacks   lockCallbacks
}

func (t *lockTarget) lock(ctx context.Context, options filelock.LockOptions, operation string) (*filelock.FileLock, error) {
	return t.manager.Lock(ctx, filelock.LockRequest{
		Target:      t.target,
		Options:     options,
		DisplayName: t.displayName,
		Operation:   operation,
	})
}

// initializeIfRequired runs the initialization action under WriteFile when the
// lock says the cache needs it.
func (t *lockTarget) initializeIfRequired(lock *filelock.FileLock) (bool, error) {
	required, err := t.init.RequiresInitialization(lock)
	if err != nil {
		return false, fmt.Errorf("failed to check initialization of %s: %w", t.displayName, err)
	}
	if !required {
		return false, nil
	}
	log.Debugf("[CrossProcessAccess.initialize] initializing %s", t.displayName)
	if err := lock.WriteFile(func() error { return t.init.Initialize(lock) }); err != nil {
		return true, fmt.Errorf("failed to initialize %s: %w", t.displayName, err)
	}
	return true, nil
}

func (t *lockTarget) closeLock(lock *filelock.FileLock) error {
	stop := concurrent.NewCompositeStoppable()
	stop.Add(func() error { return t.callbacks.onClose(lock) })
	stop.Add(lock.Close)
	return stop.Stop()
}

func noRelease() error { return nil }

// fixedExclusiveAccess holds an exclusive lock from Open to Close.
type fixedExclusiveAccess struct {
	lockTarget
	lock *filelock.FileLock
}

func (a *fixedExclusiveAccess) Open(ctx context.Context) error {
	if a.lock != nil {
		return fmt.Errorf("%w: %s is already open", common.ErrIllegalState, a.displayName)
	}
	lock, err := a.lockTarget.lock(ctx, a.options, "open "+a.displayName)
	if err != nil {
		return err
	}
	if _, err := a.initializeIfRequired(lock); err != nil {
		_ = lock.Close()
		return err
	}
	if err := a.callbacks.onOpen(lock); err != nil {
		_ = lock.Close()
		return err
	}
	a.lock = lock
	return nil
}

func (a *fixedExclusiveAccess) Close() error {
	if a.lock == nil {
		return nil
	}
	lock := a.lock
	a.lock = nil
	return a.closeLock(lock)
}

func (a *fixedExclusiveAccess) AcquireFileLock(context.Context, string) (func() error, error) {
	if a.lock == nil {
		return nil, fmt.Errorf("%w: %s is not open", common.ErrIllegalState, a.displayName)
	}
	return noRelease, nil
}

func (a *fixedExclusiveAccess) WithFileLock(_ context.Context, action func() error) error {
	if a.lock == nil {
		return fmt.Errorf("%w: %s is not open", common.ErrIllegalState, a.displayName)
	}
	return action()
}

// fixedSharedAccess holds a shared lock from Open to Close. Initialization
// temporarily escalates to an exclusive lock and then downgrades again.
type fixedSharedAccess struct {
	lockTarget
	lock *filelock.FileLock
}

func (a *fixedSharedAccess) Open(ctx context.Context) error {
	if a.lock != nil {
		return fmt.Errorf("%w: %s is already open", common.ErrIllegalState, a.displayName)
	}
	lock, err := a.lockTarget.lock(ctx, a.options, "open "+a.displayName)
	if err != nil {
		return err
	}

	tries := 2
	for {
		required, err := a.init.RequiresInitialization(lock)
		if err != nil {
			_ = lock.Close()
			return fmt.Errorf("failed to check initialization of %s: %w", a.displayName, err)
		}
		if !required {
			break
		}
		if lock.Mode() == filelock.LockModeShared {
			log.Debugf("[FixedSharedAccess.Open] escalating %s to exclusive for initialization", a.displayName)
			_ = lock.Close()
			if lock, err = a.lockTarget.lock(ctx, a.options.WithMode(filelock.LockModeExclusive), "initialize "+a.displayName); err != nil {
				return err
			}
			if required, err = a.init.RequiresInitialization(lock); err != nil {
				_ = lock.Close()
				return fmt.Errorf("failed to check initialization of %s: %w", a.displayName, err)
			}
		}
		if required {
			if tries == 0 {
				_ = lock.Close()
				return fmt.Errorf("%w: failed to initialize %s", common.ErrCacheOpen, a.displayName)
			}
			tries--
			current := lock
			if err := lock.WriteFile(func() error { return a.init.Initialize(current) }); err != nil {
				_ = lock.Close()
				return fmt.Errorf("failed to initialize %s: %w", a.displayName, err)
			}
		}
		if lock.Mode() == filelock.LockModeExclusive {
			_ = lock.Close()
			if lock, err = a.lockTarget.lock(ctx, a.options.WithMode(filelock.LockModeShared), "open "+a.displayName); err != nil {
				return err
			}
		}
	}

	if err := a.callbacks.onOpen(lock); err != nil {
		_ = lock.Close()
		return err
	}
	a.lock = lock
	return nil
}

func (a *fixedSharedAccess) Close() error {
	if a.lock == nil {
		return nil
	}
	lock := a.lock
	a.lock = nil
	return a.closeLock(lock)
}

func (a *fixedSharedAccess) AcquireFileLock(context.Context, string) (func() error, error) {
	if a.lock == nil {
		return nil, fmt.Errorf("%w: %s is not open", common.ErrIllegalState, a.displayName)
	}
	return noRelease, nil
}

func (a *fixedSharedAccess) WithFileLock(_ context.Context, action func() error) error {
	if a.lock == nil {
		return fmt.Errorf("%w: %s is not open", common.ErrIllegalState, a.displayName)
	}
	return action()
}

// lockOnDemandAccess takes an exclusive lock on first use and keeps it while
// at least one acquisition is outstanding.
type lockOnDemandAccess struct {
	lockTarget

	mu       sync.Mutex
	lock     *filelock.FileLock
	lockUses int
}

func (a *lockOnDemandAccess) Open(context.Context) error { return nil }

func (a *lockOnDemandAccess) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lock == nil {
		return nil
	}
	log.Debugf("[LockOnDemandAccess.Close] releasing %s with %d outstanding uses", a.displayName, a.lockUses)
	lock := a.lock
	a.lock = nil
	a.lockUses = 0
	return a.closeLock(lock)
}

func (a *lockOnDemandAccess) AcquireFileLock(ctx context.Context, operation string) (func() error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lockUses == 0 {
		lock, err := a.lockTarget.lock(ctx, a.options.WithMode(filelock.LockModeExclusive), operation)
		if err != nil {
			return nil, err
		}
		if _, err := a.initializeIfRequired(lock); err != nil {
			_ = lock.Close()
			return nil, err
		}
		if err := a.callbacks.onOpen(lock); err != nil {
			_ = lock.Close()
			return nil, err
		}
		a.lock = lock
	}
	a.lockUses++

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() { err = a.release() })
		return err
	}, nil
}

func (a *lockOnDemandAccess) release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockUses == 0 || a.lock == nil {
		return nil
	}
	a.lockUses--
	if a.lockUses > 0 {
		return nil
	}
	lock := a.lock
	a.lock = nil
	return a.closeLock(lock)
}

func (a *lockOnDemandAccess) WithFileLock(ctx context.Context, action func() error) (err error) {
	release, err := a.AcquireFileLock(ctx, "access "+a.displayName)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return action()
}

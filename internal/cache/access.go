package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/concurrent"
	"lockcache/internal/filelock"
)

// Options configure an Access.
type Options struct {
	// DisplayName is used in logs, errors and lock owner information.
	DisplayName string
	// BaseDir holds the files of indexed caches.
	BaseDir string
	// LockTarget is the path the file lock protects; defaults to BaseDir.
	LockTarget string
	// LockOptions select the cross-process strategy: shared and exclusive
	// hold the lock from Open to Close, none locks on demand.
	LockOptions filelock.LockOptions
	LockManager *filelock.Manager
	// Initializer runs when the lock reports that the cache needs it.
	Initializer InitializationAction
	// Cleanup runs at most once, on Cleanup or on Close.
	Cleanup         CleanupAction
	ExecutorFactory concurrent.ExecutorFactory
	Worker          WorkerOptions
}

// Access coordinates goroutines of this process and other processes using
// one persistent cache. Within the process a single owner uses the cache at
// a time; across processes the file lock decides.
type Access struct {
	displayName string
	baseDir     string
	lockOptions filelock.LockOptions
	manager     *filelock.Manager
	cleanup     CleanupAction
	executors   concurrent.ExecutorFactory
	workerOpts  WorkerOptions

	crossProcess crossProcessAccess

	// mu guards ownership, the operation stacks and the held lock.
	mu       sync.Mutex
	changed  chan struct{}
	owner    *Owner
	stacks   map[*Owner]*OperationsStack
	opened   bool
	closing  bool
	closed   bool
	cleaned  bool
	worker   *Worker
	executor concurrent.StoppableExecutor
	// heldLock releases the acquisition made on behalf of owners. It stays
	// set between cache actions until the lock is contended.
	heldLock  func() error
	contended bool

	// lockMu guards the physical lock and the registered caches. It is the
	// innermost mutex.
	lockMu      sync.Mutex
	fileLock    *filelock.FileLock
	stateAtOpen filelock.State
	caches      map[string]*indexedCacheEntry
}

// NewAccess creates an Access. The cache is usable after Open.
func NewAccess(opts Options) (*Access, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("%w: cache base directory is required", common.ErrInvalidPath)
	}
	if opts.LockTarget == "" {
		opts.LockTarget = opts.BaseDir
	}
	if opts.DisplayName == "" {
		opts.DisplayName = opts.BaseDir
	}
	if opts.LockManager == nil {
		return nil, fmt.Errorf("%w: lock manager is required", common.ErrIllegalState)
	}
	if opts.Initializer == nil {
		opts.Initializer = NoInitialization{}
	}
	if opts.ExecutorFactory == nil {
		opts.ExecutorFactory = concurrent.NewExecutorFactory()
	}

	a := &Access{
		displayName: opts.DisplayName,
		baseDir:     opts.BaseDir,
		lockOptions: opts.LockOptions,
		manager:     opts.LockManager,
		cleanup:     opts.Cleanup,
		executors:   opts.ExecutorFactory,
		workerOpts:  opts.Worker,
		changed:     make(chan struct{}),
		stacks:      make(map[*Owner]*OperationsStack),
		caches:      make(map[string]*indexedCacheEntry),
	}

	target := lockTarget{
		displayName: opts.DisplayName,
		target:      opts.LockTarget,
		options:     opts.LockOptions,
		manager:     opts.LockManager,
		init:        opts.Initializer,
		callbacks:   lockCallbacks{onOpen: a.afterLockAcquire, onClose: a.beforeLockRelease},
	}
	switch opts.LockOptions.Mode {
	case filelock.LockModeShared:
		a.crossProcess = &fixedSharedAccess{lockTarget: target}
	case filelock.LockModeExclusive:
		a.crossProcess = &fixedExclusiveAccess{lockTarget: target}
	case filelock.LockModeNone:
		a.crossProcess = &lockOnDemandAccess{lockTarget: target}
	default:
		return nil, fmt.Errorf("%w: unknown lock mode %s", common.ErrUnsupportedOperation, opts.LockOptions.Mode)
	}
	return a, nil
}

// DisplayName returns the name of the cache.
func (a *Access) DisplayName() string { return a.displayName }

// BaseDir returns the directory holding the cache files.
func (a *Access) BaseDir() string { return a.baseDir }

// Open acquires the file lock for the fixed modes. It is a no-op for on
// demand locking apart from marking the cache usable.
func (a *Access) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return fmt.Errorf("%w: %s is already open", common.ErrIllegalState, a.displayName)
	}
	if a.owner != nil {
		return fmt.Errorf("%w: %s is in use by %s", common.ErrIllegalState, a.displayName, a.owner)
	}
	if err := a.crossProcess.Open(ctx); err != nil {
		return err
	}
	a.opened = true
	log.Debugf("[Access.Open] opened %s (%s)", a.displayName, a.lockOptions)
	return nil
}

// UseCache runs action while the calling owner has exclusive use of the
// cache within this process and the file lock is held. Contexts derived from
// the one passed to action re-enter without waiting.
func (a *Access) UseCache(ctx context.Context, name string, action func(ctx context.Context) error) (err error) {
	ctx, owner := ensureOwner(ctx, name)
	if err := a.startCacheAction(ctx, owner, name); err != nil {
		return err
	}
	defer func() {
		if endErr := a.endCacheAction(owner, name); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()
	return action(ctx)
}

// UseCacheValue is UseCache for actions that produce a value.
func UseCacheValue[T any](ctx context.Context, a *Access, name string, action func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := a.UseCache(ctx, name, func(ctx context.Context) error {
		var err error
		result, err = action(ctx)
		return err
	})
	return result, err
}

func (a *Access) startCacheAction(ctx context.Context, owner *Owner, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeOwnershipLocked(ctx, owner); err != nil {
		return err
	}
	stack := a.stackLocked(owner)
	stack.PushCacheAction(name)
	if err := a.acquireHeldLockLocked(ctx, name); err != nil {
		_ = stack.PopCacheAction(name)
		a.releaseOwnershipLocked(owner, stack)
		return err
	}
	return nil
}

func (a *Access) endCacheAction(owner *Owner, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stack := a.stackLocked(owner)
	err := stack.PopCacheAction(name)
	if !stack.IsInCacheAction() && a.heldLock != nil {
		switch {
		case a.contended:
			log.Debugf("[Access.endCacheAction] %s was contended, releasing lock", a.displayName)
			err = errors.Join(err, a.releaseHeldLockLocked())
		case a.lockOptions.Mode == filelock.LockModeNone && !a.acceptsReleaseRequests():
			// Nobody could ask for this lock, so it is not kept between actions.
			log.Debugf("[Access.endCacheAction] releasing lock on %s", a.displayName)
			err = errors.Join(err, a.releaseHeldLockLocked())
		}
	}
	a.releaseOwnershipLocked(owner, stack)
	return err
}

// LongRunningOperation runs action without the cache. When called from
// inside a cache action, ownership and the file lock are given up for the
// duration and taken back afterwards. Only on demand locking supports it.
func (a *Access) LongRunningOperation(ctx context.Context, name string, action func(ctx context.Context) error) (err error) {
	if a.lockOptions.Mode != filelock.LockModeNone {
		return fmt.Errorf("%w: long running operations are not supported in %s mode", common.ErrUnsupportedOperation, a.lockOptions.Mode)
	}
	ctx, owner := ensureOwner(ctx, name)
	if err := a.startLongRunning(owner, name); err != nil {
		return err
	}
	defer func() {
		if endErr := a.endLongRunning(ctx, owner, name); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()
	return action(ctx)
}

func (a *Access) startLongRunning(owner *Owner, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stack := a.stackLocked(owner)
	wasInCacheAction := stack.IsInCacheAction()
	if wasInCacheAction && a.owner != owner {
		return fmt.Errorf("%w: %s is owned by %s, not %s", common.ErrIllegalState, a.displayName, a.owner, owner)
	}
	stack.PushLongRunningOperation(name)
	if !wasInCacheAction {
		return nil
	}
	var err error
	if a.heldLock != nil {
		err = a.releaseHeldLockLocked()
	}
	a.owner = nil
	a.notifyLocked()
	return err
}

func (a *Access) endLongRunning(ctx context.Context, owner *Owner, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stack := a.stackLocked(owner)
	if err := stack.PopLongRunningOperation(name); err != nil {
		return err
	}
	if !stack.IsInCacheAction() {
		a.forgetStackLocked(owner, stack)
		return nil
	}
	// Restore ownership for the enclosing cache action.
	if err := a.takeOwnershipLocked(context.WithoutCancel(ctx), owner); err != nil {
		return err
	}
	return a.acquireHeldLockLocked(ctx, stack.Current())
}

// WithFileLock runs action while the file lock is held, without taking
// ownership of the cache.
func (a *Access) WithFileLock(ctx context.Context, action func() error) error {
	return a.crossProcess.WithFileLock(ctx, action)
}

// ReadFile, UpdateFile and WriteFile run action through the held file lock.
// The caller must own the cache or the cache must be unowned.
func (a *Access) ReadFile(ctx context.Context, action func() error) error {
	lock, err := a.currentLock(ctx)
	if err != nil {
		return err
	}
	return lock.ReadFile(action)
}

func (a *Access) UpdateFile(ctx context.Context, action func() error) error {
	lock, err := a.currentLock(ctx)
	if err != nil {
		return err
	}
	return lock.UpdateFile(action)
}

func (a *Access) WriteFile(ctx context.Context, action func() error) error {
	lock, err := a.currentLock(ctx)
	if err != nil {
		return err
	}
	return lock.WriteFile(action)
}

func (a *Access) currentLock(ctx context.Context) (*filelock.FileLock, error) {
	caller := OwnerFrom(ctx)
	a.mu.Lock()
	owner := a.owner
	a.mu.Unlock()
	a.lockMu.Lock()
	lock := a.fileLock
	a.lockMu.Unlock()
	if (owner != nil && owner != caller) || lock == nil {
		return nil, fmt.Errorf("%w: the file lock for %s is not held by the current owner", common.ErrIllegalState, a.displayName)
	}
	return lock, nil
}

// Flush waits for queued cache work and reports its failures. The worker
// needs ownership to write, so Flush fails inside a cache action.
func (a *Access) Flush(ctx context.Context) error {
	if a.isOwnedBy(ctx) {
		return fmt.Errorf("%w: cannot flush the cache worker of %s while owning the cache", common.ErrIllegalState, a.displayName)
	}
	a.mu.Lock()
	worker := a.worker
	a.mu.Unlock()
	if worker == nil {
		return nil
	}
	return worker.Flush(ctx)
}

// Cleanup runs the cleanup action if it requires it and has not run yet.
func (a *Access) Cleanup(ctx context.Context) error {
	if a.cleanup == nil {
		return nil
	}
	return a.UseCache(ctx, "cleanup "+a.displayName, a.runCleanup)
}

func (a *Access) runCleanup(ctx context.Context) error {
	a.mu.Lock()
	if a.cleaned || !a.cleanup.RequiresCleanup() {
		a.mu.Unlock()
		return nil
	}
	a.cleaned = true
	a.mu.Unlock()
	log.Debugf("[Access.Cleanup] cleaning up %s", a.displayName)
	return a.crossProcess.WithFileLock(ctx, func() error { return a.cleanup.Cleanup(ctx) })
}

// Close stops the worker, runs a pending cleanup and releases the lock.
// Calling Close more than once is a no-op.
func (a *Access) Close() error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	worker, executor := a.worker, a.executor
	a.mu.Unlock()

	stop := concurrent.NewCompositeStoppable()
	if worker != nil {
		stop.Add(worker.Stop)
		stop.Add(executor.Stop)
	}
	stop.Add(func() error {
		if a.cleanup == nil || !a.isOpen() {
			return nil
		}
		return a.UseCache(context.Background(), "cleanup "+a.displayName, a.runCleanup)
	})
	stop.Add(a.closeLock)
	err := stop.Stop()
	log.Debugf("[Access.Close] closed %s", a.displayName)
	return err
}

func (a *Access) isOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opened
}

func (a *Access) closeLock() error {
	ctx, owner := withNewOwner(context.Background(), "close "+a.displayName)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeOwnershipLocked(ctx, owner); err != nil && !errors.Is(err, common.ErrIllegalState) {
		return err
	}
	a.closed = true
	var errs []error
	if a.heldLock != nil {
		errs = append(errs, a.releaseHeldLockLocked())
	}
	errs = append(errs, a.crossProcess.Close())
	a.owner = nil
	a.notifyLocked()
	return errors.Join(errs...)
}

// takeOwnershipLocked waits until the cache is unowned or owned by owner.
func (a *Access) takeOwnershipLocked(ctx context.Context, owner *Owner) error {
	for a.owner != nil && a.owner != owner {
		changed := a.changed
		a.mu.Unlock()
		select {
		case <-changed:
			a.mu.Lock()
		case <-ctx.Done():
			a.mu.Lock()
			return ctx.Err()
		}
	}
	if a.closed {
		return fmt.Errorf("%s: %w", a.displayName, common.ErrClosed)
	}
	if !a.opened {
		return fmt.Errorf("%w: %s is not open", common.ErrIllegalState, a.displayName)
	}
	a.owner = owner
	return nil
}

func (a *Access) releaseOwnershipLocked(owner *Owner, stack *OperationsStack) {
	if stack.IsInCacheAction() {
		return
	}
	if a.owner == owner {
		a.owner = nil
		a.notifyLocked()
	}
	a.forgetStackLocked(owner, stack)
}

func (a *Access) stackLocked(owner *Owner) *OperationsStack {
	stack, ok := a.stacks[owner]
	if !ok {
		stack = &OperationsStack{}
		a.stacks[owner] = stack
	}
	return stack
}

func (a *Access) forgetStackLocked(owner *Owner, stack *OperationsStack) {
	if stack.IsEmpty() {
		delete(a.stacks, owner)
	}
}

func (a *Access) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// acquireHeldLockLocked takes the file lock for the current owner unless it
// is already held. a.mu is released while waiting so that other callers
// stay cancellable; they wait for the owner meanwhile.
func (a *Access) acquireHeldLockLocked(ctx context.Context, operation string) error {
	if a.heldLock != nil {
		return nil
	}
	a.mu.Unlock()
	release, err := a.crossProcess.AcquireFileLock(ctx, operation)
	a.mu.Lock()
	if err != nil {
		return err
	}
	a.heldLock = release
	return nil
}

func (a *Access) acceptsReleaseRequests() bool {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	return a.fileLock != nil && a.fileLock.AcceptsReleaseRequests()
}

func (a *Access) releaseHeldLockLocked() error {
	release := a.heldLock
	a.heldLock = nil
	a.contended = false
	return release()
}

// whenContended is called when another process asks for the lock. An
// unowned cache gives it up at once; otherwise the outermost cache action
// releases it when it ends.
func (a *Access) whenContended() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockMu.Lock()
	locked := a.fileLock != nil
	a.lockMu.Unlock()
	if !locked {
		return
	}
	if a.owner != nil {
		log.Debugf("[Access.whenContended] %s is in use by %s, releasing after the current action", a.displayName, a.owner)
		a.contended = true
		return
	}
	if a.heldLock != nil {
		log.Debugf("[Access.whenContended] releasing %s", a.displayName)
		if err := a.releaseHeldLockLocked(); err != nil {
			log.Warnf("[Access.whenContended] failed to release %s: %v", a.displayName, err)
		}
	}
}

func (a *Access) afterLockAcquire(lock *filelock.FileLock) error {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	a.fileLock = lock
	a.stateAtOpen = lock.State()
	for _, entry := range a.caches {
		entry.listener.AfterLockAcquire(a.stateAtOpen)
	}
	if a.lockOptions.Mode == filelock.LockModeNone {
		a.manager.AllowContention(lock, a.whenContended)
	}
	return nil
}

func (a *Access) beforeLockRelease(lock *filelock.FileLock) error {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	var errs []error
	for name, entry := range a.caches {
		if err := entry.listener.FinishWork(); err != nil {
			errs = append(errs, fmt.Errorf("failed to finish work on cache %s: %w", name, err))
		}
	}
	state := lock.State()
	for _, entry := range a.caches {
		entry.listener.BeforeLockRelease(state)
	}
	a.fileLock = nil
	a.stateAtOpen = nil
	return errors.Join(errs...)
}

func (a *Access) workerLocked() (*Worker, error) {
	if a.worker != nil {
		return a.worker, nil
	}
	worker := NewWorker(a.displayName, a, a.workerOpts)
	executor := a.executors.Create("cache worker for " + a.displayName)
	if err := executor.Execute(worker.Run); err != nil {
		return nil, err
	}
	a.worker, a.executor = worker, executor
	return worker, nil
}

// CacheExists reports whether the indexed cache called name has a file.
func (a *Access) CacheExists(name string) bool {
	_, err := os.Stat(a.cacheFile(name))
	return err == nil
}

func (a *Access) cacheFile(name string) string {
	return filepath.Join(a.baseDir, name+".bin")
}

func (a *Access) isOwnedBy(ctx context.Context) bool {
	caller := OwnerFrom(ctx)
	if caller == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner == caller
}

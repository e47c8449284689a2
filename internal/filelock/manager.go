package filelock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/util"
)

// Default timings
const (
	DefaultLockTimeout      = 60 * time.Second
	DefaultShortLockTimeout = 10 * time.Second
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultPingInterval     = time.Second
)

var errLockHeld = errors.New("lock held by another holder")

// LockRequest describes a lock to acquire.
type LockRequest struct {
	Target      string
	Options     LockOptions
	DisplayName string
	// Operation names what the caller is doing; it is recorded for other
	// processes that time out waiting for this lock.
	Operation string
	// WhenContended is called on another goroutine when a waiter asks the
	// holder to release the lock. Nil means the holder never yields.
	WhenContended func()
}

// Manager acquires file locks for one process. A target can be locked at
// most once per manager at any time.
type Manager struct {
	meta          ProcessMetaDataProvider
	contention    ContentionHandler
	timeout       time.Duration
	shortTimeout  time.Duration
	retryInterval time.Duration
	pingInterval  time.Duration

	mu sync.Mutex
	// locked maps canonical targets to their lock; the value is nil while
	// the lock is being acquired.
	locked map[string]*FileLock
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets how long Lock waits for a held lock.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithShortTimeout sets how long owner information access may wait.
func WithShortTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.shortTimeout = d }
}

// WithRetryInterval sets the polling interval while waiting.
func WithRetryInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryInterval = d }
}

// WithPingInterval sets the minimum time between pings to the same owner.
func WithPingInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pingInterval = d }
}

// WithContentionHandler sets the release request transport.
func WithContentionHandler(h ContentionHandler) ManagerOption {
	return func(m *Manager) { m.contention = h }
}

// WithProcessMetaData sets how the process identifies itself in lock files.
func WithProcessMetaData(p ProcessMetaDataProvider) ManagerOption {
	return func(m *Manager) { m.meta = p }
}

// NewManager creates a lock manager. Without WithContentionHandler, holders
// never receive release requests.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		meta:          DefaultProcessMetaData{},
		contention:    NoContention{},
		timeout:       DefaultLockTimeout,
		shortTimeout:  DefaultShortLockTimeout,
		retryInterval: DefaultRetryInterval,
		pingInterval:  DefaultPingInterval,
		locked:        make(map[string]*FileLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LockFileFor returns the lock file used for target: <dir>/<name>.lock for a
// directory, <parent>/<name>.lock otherwise.
func LockFileFor(target string) string {
	if common.IsDir(target) {
		return filepath.Join(target, filepath.Base(target)+".lock")
	}
	return filepath.Join(filepath.Dir(target), filepath.Base(target)+".lock")
}

// Lock acquires a lock on req.Target, waiting up to the manager timeout.
func (m *Manager) Lock(ctx context.Context, req LockRequest) (*FileLock, error) {
	if req.Options.Mode == LockModeNone {
		return nil, fmt.Errorf("%w: no %s mode lock implementation available", common.ErrUnsupportedOperation, req.Options.Mode)
	}
	target, err := common.CanonicalPath(req.Target)
	if err != nil {
		return nil, err
	}
	if req.DisplayName == "" {
		req.DisplayName = target
	}

	m.mu.Lock()
	if _, held := m.locked[target]; held {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot lock %s as it has already been locked by this process", common.ErrIllegalState, req.DisplayName)
	}
	m.locked[target] = nil
	m.mu.Unlock()

	lock, err := m.acquire(ctx, target, req)
	if err != nil {
		m.forget(target)
		return nil, err
	}
	m.mu.Lock()
	m.locked[target] = lock
	m.mu.Unlock()
	if req.WhenContended != nil {
		m.contention.Start(lock.lockID, req.WhenContended)
	}
	return lock, nil
}

// AllowContention registers whenContended for an already acquired lock.
func (m *Manager) AllowContention(lock *FileLock, whenContended func()) {
	m.contention.Start(lock.lockID, whenContended)
}

func (m *Manager) forget(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, target)
}

func (m *Manager) acquire(ctx context.Context, target string, req LockRequest) (*FileLock, error) {
	lockFile := LockFileFor(target)
	access, err := openLockFileAccess(lockFile, newStateSerializer(req.Options.CrossVersion))
	if err != nil {
		return nil, err
	}

	lock := &FileLock{
		manager:     m,
		target:      target,
		lockFile:    lockFile,
		displayName: req.DisplayName,
		operation:   req.Operation,
		mode:        req.Options.Mode,
		lockID:      rand.Int64N(math.MaxInt64),
		port:        m.contention.ReservePort(),
		access:      access,
	}

	state, err := m.lockStateRegion(ctx, lock)
	if err != nil {
		_ = access.close()
		return nil, err
	}
	lock.state = state
	log.Debugf("[FileLock.Lock] acquired %s lock on %s (%s)", lock.mode, lock.displayName, lock.operation)
	return lock, nil
}

func (m *Manager) lockStateRegion(ctx context.Context, lock *FileLock) (lockState, error) {
	shared := lock.mode == LockModeShared
	access := lock.access

	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		acquired bool
		fatal    error
		lastPort = -1
		lastPing time.Time
	)
	_ = util.Retry(waitCtx, func() error {
		ok, err := access.tryLockState(shared)
		if err != nil {
			fatal = fmt.Errorf("failed to lock %s: %w", lock.lockFile, err)
			return retry.Unrecoverable(fatal)
		}
		if ok {
			acquired = true
			return nil
		}
		owner := m.peekOwner(access)
		if owner.Port != -1 && (owner.Port != lastPort || time.Since(lastPing) >= m.pingInterval) {
			if err := m.contention.PingOwner(owner.Port, owner.LockID, lock.displayName); err != nil {
				log.Debugf("[FileLock.Lock] %v", err)
			} else {
				log.Debugf("[FileLock.Lock] pinged owner pid %s of %s", owner.PID, lock.displayName)
			}
			lastPort = owner.Port
			lastPing = time.Now()
		}
		return errLockHeld
	}, util.PollRetryOptions(waitCtx, m.retryInterval)...)

	if fatal != nil {
		return nil, fatal
	}
	if !acquired {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		owner, _ := m.readOwner(access, lock.displayName)
		return nil, newLockTimeoutError(lock.displayName, m.meta.ProcessIdentifier(), lock.operation, lock.lockFile, owner)
	}

	if shared {
		return access.readStateOrInitial()
	}

	state, err := access.ensureState()
	if err != nil {
		return nil, err
	}
	if err := m.lockInfoRegion(access, lock.displayName, false); err != nil {
		return nil, err
	}
	defer access.unlockInfo()
	err = access.writeInfo(LockInfo{
		Port:      lock.port,
		LockID:    lock.lockID,
		PID:       m.meta.ProcessIdentifier(),
		Operation: lock.operation,
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// peekOwner reads the owner record without waiting for the information
// region.
func (m *Manager) peekOwner(access *lockFileAccess) LockInfo {
	ok, err := access.tryLockInfo(true)
	if err != nil || !ok {
		return unknownLockInfo()
	}
	defer access.unlockInfo()
	info, err := access.readInfo()
	if err != nil {
		return unknownLockInfo()
	}
	return info
}

// readOwner reads the owner record, waiting up to the short timeout.
func (m *Manager) readOwner(access *lockFileAccess, displayName string) (LockInfo, error) {
	if err := m.lockInfoRegion(access, displayName, true); err != nil {
		return unknownLockInfo(), err
	}
	defer access.unlockInfo()
	return access.readInfo()
}

func (m *Manager) lockInfoRegion(access *lockFileAccess, displayName string, shared bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shortTimeout)
	defer cancel()

	var acquired bool
	var fatal error
	_ = util.Retry(ctx, func() error {
		ok, err := access.tryLockInfo(shared)
		if err != nil {
			fatal = err
			return retry.Unrecoverable(err)
		}
		if !ok {
			return errLockHeld
		}
		acquired = true
		return nil
	}, util.PollRetryOptions(ctx, m.retryInterval)...)

	if fatal != nil {
		return fmt.Errorf("failed to lock the information region of %s: %w", displayName, fatal)
	}
	if !acquired {
		return fmt.Errorf("%w: timeout waiting to lock the information region for lock %s", common.ErrLockTimeout, displayName)
	}
	return nil
}

// ReadLockInfo reports the owner and state of the lock protecting target
// without acquiring it. A lock held by this manager is read through its own
// descriptor: with classic POSIX record locks, closing a second descriptor of
// the lock file would drop the locks of the whole process.
func (m *Manager) ReadLockInfo(target string, crossVersion bool) (LockInfo, State, error) {
	canonical, err := common.CanonicalPath(target)
	if err != nil {
		return unknownLockInfo(), nil, err
	}

	m.mu.Lock()
	held := m.locked[canonical]
	m.mu.Unlock()
	if held != nil && !held.IsClosed() {
		info, err := m.readOwner(held.access, held.displayName)
		if err == nil {
			return info, held.State(), nil
		}
		if !held.IsClosed() {
			return unknownLockInfo(), nil, err
		}
		// Released concurrently; the lock file can be opened again.
	}

	lockFile := LockFileFor(canonical)
	if _, err := os.Stat(lockFile); err != nil {
		return unknownLockInfo(), nil, fmt.Errorf("%w: no lock file for %s", common.ErrNotFound, target)
	}
	access, err := openLockFileAccess(lockFile, newStateSerializer(crossVersion))
	if err != nil {
		return unknownLockInfo(), nil, err
	}
	defer access.close()

	info, err := m.readOwner(access, canonical)
	if err != nil {
		return unknownLockInfo(), nil, err
	}
	state, err := access.readStateOrInitial()
	if err != nil {
		return info, nil, err
	}
	return info, state, nil
}

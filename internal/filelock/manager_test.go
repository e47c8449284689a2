package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockcache/internal/common"
	"lockcache/internal/util"
)

func lockDir(t *testing.T, m *Manager, dir string, mode LockMode, operation string) *FileLock {
	t.Helper()
	lock, err := m.Lock(context.Background(), LockRequest{
		Target:      dir,
		Options:     Options(mode),
		DisplayName: "test cache",
		Operation:   operation,
	})
	require.NoError(t, err)
	return lock
}

func TestLockFileFor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, filepath.Base(dir)+".lock"), LockFileFor(dir))

	file := filepath.Join(dir, "cache.properties")
	assert.Equal(t, filepath.Join(dir, "cache.properties.lock"), LockFileFor(file))
}

func TestLock_NoneModeIsUnsupported(t *testing.T) {
	t.Parallel()

	_, err := newTestManager().Lock(context.Background(), LockRequest{
		Target:  t.TempDir(),
		Options: Options(LockModeNone),
	})
	assert.ErrorIs(t, err, common.ErrUnsupportedOperation)
}

func TestLock_SameTargetTwiceFails(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	dir := t.TempDir()
	lock := lockDir(t, m, dir, LockModeExclusive, "first")

	_, err := m.Lock(context.Background(), LockRequest{Target: dir, Options: Options(LockModeExclusive)})
	assert.ErrorIs(t, err, common.ErrIllegalState)

	require.NoError(t, lock.Close())
	again := lockDir(t, m, dir, LockModeExclusive, "second")
	require.NoError(t, again.Close())
}

func TestLock_ExclusiveWriteMarksClean(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	dir := t.TempDir()
	lock := lockDir(t, m, dir, LockModeExclusive, "write")
	assert.False(t, lock.UnlockedCleanly(), "a new lock file has never been unlocked cleanly")
	assert.True(t, lock.State().IsInInitialState())

	require.NoError(t, lock.WriteFile(func() error {
		return os.WriteFile(filepath.Join(dir, "data"), []byte("v1"), 0o644)
	}))
	assert.True(t, lock.UnlockedCleanly())
	before := lock.State()
	require.NoError(t, lock.Close())

	lock = lockDir(t, m, dir, LockModeExclusive, "read")
	defer lock.Close()
	assert.True(t, lock.UnlockedCleanly())
	assert.False(t, lock.State().HasBeenUpdatedSince(before))

	data, err := ReadFileValue(lock, func() ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, "data"))
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	require.NoError(t, lock.UpdateFile(func() error { return nil }))
	assert.True(t, lock.State().HasBeenUpdatedSince(before))
}

func TestLock_CrashRecovery(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	dir := t.TempDir()

	lock := lockDir(t, m, dir, LockModeExclusive, "setup")
	require.NoError(t, lock.WriteFile(func() error { return nil }))

	boom := errors.New("simulated crash")
	err := lock.WriteFile(func() error { return boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, lock.UnlockedCleanly())
	require.NoError(t, lock.Close())

	lock = lockDir(t, m, dir, LockModeExclusive, "recover")
	defer lock.Close()
	assert.False(t, lock.UnlockedCleanly())

	err = lock.ReadFile(func() error { return nil })
	assert.ErrorIs(t, err, common.ErrFileIntegrityViolation)
	err = lock.UpdateFile(func() error { return nil })
	assert.ErrorIs(t, err, common.ErrFileIntegrityViolation)

	require.NoError(t, lock.WriteFile(func() error { return nil }))
	assert.True(t, lock.UnlockedCleanly())
	require.NoError(t, lock.ReadFile(func() error { return nil }))
}

func TestLock_SharedLockCannotWrite(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	dir := t.TempDir()

	setup := lockDir(t, m, dir, LockModeExclusive, "setup")
	require.NoError(t, setup.WriteFile(func() error { return nil }))
	require.NoError(t, setup.Close())

	lock := lockDir(t, m, dir, LockModeShared, "read")
	defer lock.Close()

	require.NoError(t, lock.ReadFile(func() error { return nil }))
	assert.ErrorIs(t, lock.WriteFile(func() error { return nil }), common.ErrInsufficientLockMode)
	assert.ErrorIs(t, lock.UpdateFile(func() error { return nil }), common.ErrInsufficientLockMode)
}

func TestLock_ClosedLockRejectsAccess(t *testing.T) {
	t.Parallel()

	lock := lockDir(t, newTestManager(), t.TempDir(), LockModeExclusive, "op")
	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close(), "close is idempotent")

	assert.True(t, lock.IsClosed())
	assert.ErrorIs(t, lock.WriteFile(func() error { return nil }), common.ErrIllegalState)
}

func TestLock_TimeoutReportsOwner(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	holder := lockDir(t, newTestManager(), dir, LockModeExclusive, "holder operation")
	defer holder.Close()

	waiter := newTestManager(WithTimeout(200 * time.Millisecond))
	start := time.Now()
	_, err := waiter.Lock(context.Background(), LockRequest{
		Target:      dir,
		Options:     Options(LockModeExclusive),
		DisplayName: "test cache",
		Operation:   "waiter operation",
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.ErrorIs(t, err, common.ErrLockTimeout)

	var timeout *LockTimeoutError
	require.ErrorAs(t, err, &timeout)
	pid := strconv.Itoa(os.Getpid())
	msg := timeout.Error()
	assert.Contains(t, msg, "Timeout waiting to lock test cache. It is currently in use by this process.")
	assert.Contains(t, msg, "Owner PID: "+pid)
	assert.Contains(t, msg, "Our PID: "+pid)
	assert.Contains(t, msg, "Owner Operation: holder operation")
	assert.Contains(t, msg, "Our operation: waiter operation")
	assert.Contains(t, msg, "Lock file: "+holder.LockFile())
	assert.Equal(t, holder.LockFile(), timeout.LockFile)
}

func TestLock_SharedReadersCoexist(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	r1 := lockDir(t, newTestManager(), dir, LockModeShared, "reader 1")
	defer r1.Close()
	r2 := lockDir(t, newTestManager(), dir, LockModeShared, "reader 2")
	defer r2.Close()

	_, err := newTestManager(WithTimeout(100*time.Millisecond)).Lock(context.Background(), LockRequest{
		Target:  dir,
		Options: Options(LockModeExclusive),
	})
	assert.ErrorIs(t, err, common.ErrLockTimeout)
}

func TestLock_ContextCancellation(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	holder := lockDir(t, newTestManager(), dir, LockModeExclusive, "holder")
	defer holder.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newTestManager().Lock(ctx, LockRequest{Target: dir, Options: Options(LockModeExclusive)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLock_ContentionReleasesOwner(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)
	g := NewWithT(t)

	handler := NewUDPContentionHandler()
	defer handler.Close()

	dir := t.TempDir()
	owner := newTestManager(WithContentionHandler(handler))
	var pinged atomic.Int32
	var holder *FileLock
	holder, err := owner.Lock(context.Background(), LockRequest{
		Target:      dir,
		Options:     Options(LockModeExclusive),
		DisplayName: "contended cache",
		Operation:   "owner",
		WhenContended: func() {
			pinged.Add(1)
			_ = holder.Close()
		},
	})
	require.NoError(t, err)

	waiter := newTestManager(WithContentionHandler(handler))
	lock, err := waiter.Lock(context.Background(), LockRequest{
		Target:  dir,
		Options: Options(LockModeExclusive),
	})
	require.NoError(t, err)
	defer lock.Close()

	g.Eventually(pinged.Load).Should(BeNumerically(">=", 1))
	assert.True(t, holder.IsClosed())
}

func TestLock_AllowContentionAfterAcquire(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	handler := NewUDPContentionHandler()
	defer handler.Close()

	dir := t.TempDir()
	owner := newTestManager(WithContentionHandler(handler))
	holder := lockDir(t, owner, dir, LockModeExclusive, "owner")
	owner.AllowContention(holder, func() { _ = holder.Close() })

	lock := lockDir(t, newTestManager(WithContentionHandler(handler)), dir, LockModeExclusive, "waiter")
	require.NoError(t, lock.Close())
}

func TestReadLockInfo(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	m := newTestManager()

	_, _, err := m.ReadLockInfo(dir, false)
	assert.ErrorIs(t, err, common.ErrNotFound)

	lock := lockDir(t, m, dir, LockModeExclusive, "inspect me")
	require.NoError(t, lock.WriteFile(func() error { return nil }))

	info, state, err := newTestManager().ReadLockInfo(dir, false)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), info.PID)
	assert.Equal(t, "inspect me", info.Operation)
	assert.Equal(t, lock.LockID(), info.LockID)
	assert.False(t, state.IsInInitialState())

	require.NoError(t, lock.Close())
	info, _, err = m.ReadLockInfo(dir, false)
	require.NoError(t, err)
	assert.False(t, info.Known(), "owner record is cleared on release")
}

func TestReadLockInfo_HeldByManager(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	m := newTestManager()
	lock := lockDir(t, m, dir, LockModeExclusive, "held here")
	defer lock.Close()
	require.NoError(t, lock.UpdateFile(func() error { return nil }))

	info, state, err := m.ReadLockInfo(dir, false)
	require.NoError(t, err)
	assert.Equal(t, "held here", info.Operation)
	assert.True(t, IsClean(state))
	assert.False(t, state.HasBeenUpdatedSince(lock.State()))

	// Reading must not release the regions held through the lock.
	_, err = newTestManager(WithTimeout(100*time.Millisecond)).Lock(context.Background(), LockRequest{
		Target:  dir,
		Options: Options(LockModeExclusive),
	})
	assert.ErrorIs(t, err, common.ErrLockTimeout)
	require.NoError(t, lock.WriteFile(func() error { return nil }))
}

func startHolderProcess(t *testing.T, target, mode string) *os.Process {
	t.Helper()
	ready := filepath.Join(t.TempDir(), "ready")
	env := append(os.Environ(),
		envHelperTarget+"="+target,
		envHelperReady+"="+ready,
		envHelperMode+"="+mode,
	)
	proc, err := util.StartBackgroundProcess(os.Args[0], []string{"-test.run=^$"}, env)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = util.StopProcess(context.Background(), proc, util.ProcessConfig{GracefulTimeout: time.Second})
	})

	err = util.PollUntil(context.Background(), util.PollConfig{Timeout: 10 * time.Second}, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	})
	require.NoError(t, err, "helper process did not acquire the lock")
	return proc
}

func TestLock_CrossProcessExclusion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	proc := startHolderProcess(t, dir, "hold")

	_, err := newTestManager(WithTimeout(200*time.Millisecond)).Lock(context.Background(), LockRequest{
		Target:      dir,
		Options:     Options(LockModeExclusive),
		DisplayName: "shared cache",
		Operation:   "test",
	})
	var timeout *LockTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Contains(t, timeout.Error(), "in use by another process")
	assert.Equal(t, strconv.Itoa(proc.Pid), timeout.Owner.PID)
	assert.Equal(t, "helper operation", timeout.Owner.Operation)

	require.NoError(t, util.StopProcess(context.Background(), proc, util.ProcessConfig{GracefulTimeout: time.Second}))

	lock := lockDir(t, newTestManager(), dir, LockModeExclusive, "after helper")
	defer lock.Close()
	assert.False(t, lock.UnlockedCleanly(), "helper never completed an update")
}

func TestLock_CrossProcessCrashLeavesDirtyState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := newTestManager()
	setup := lockDir(t, m, dir, LockModeExclusive, "setup")
	require.NoError(t, setup.WriteFile(func() error { return nil }))
	require.NoError(t, setup.Close())

	proc := startHolderProcess(t, dir, "write")
	require.NoError(t, proc.Kill())

	var lock *FileLock
	require.NoError(t, util.PollUntil(context.Background(), util.PollConfig{Timeout: 5 * time.Second}, func() bool {
		l, err := m.Lock(context.Background(), LockRequest{Target: dir, Options: Options(LockModeExclusive)})
		if err != nil {
			return false
		}
		lock = l
		return true
	}))
	defer lock.Close()

	assert.False(t, lock.UnlockedCleanly())
	assert.ErrorIs(t, lock.ReadFile(func() error { return nil }), common.ErrFileIntegrityViolation)
}

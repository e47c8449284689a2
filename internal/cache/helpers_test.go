package cache

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockcache/internal/filelock"
	"lockcache/internal/storage"
)

// requireDescriptorLocks skips tests where two managers of one process must
// contend for the same lock file.
func requireDescriptorLocks(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("per-descriptor region locks are only available on linux")
	}
}

func newTestManager(opts ...filelock.ManagerOption) *filelock.Manager {
	base := []filelock.ManagerOption{
		filelock.WithTimeout(2 * time.Second),
		filelock.WithShortTimeout(500 * time.Millisecond),
		filelock.WithRetryInterval(10 * time.Millisecond),
		filelock.WithPingInterval(50 * time.Millisecond),
	}
	return filelock.NewManager(append(base, opts...)...)
}

func newContendingManager(t *testing.T) *filelock.Manager {
	t.Helper()
	handler := filelock.NewUDPContentionHandler()
	t.Cleanup(func() { _ = handler.Close() })
	return newTestManager(filelock.WithContentionHandler(handler))
}

func newTestAccess(t *testing.T, dir string, mode filelock.LockMode, mutate ...func(*Options)) *Access {
	t.Helper()
	opts := Options{
		DisplayName: "test cache",
		BaseDir:     dir,
		LockOptions: filelock.Options(mode),
		LockManager: newTestManager(),
		Worker:      WorkerOptions{BatchWindow: 20 * time.Millisecond, MaxLockingTime: time.Second},
	}
	for _, m := range mutate {
		m(&opts)
	}
	a, err := NewAccess(opts)
	require.NoError(t, err)
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func stringParams(name string) IndexedCacheParameters[string, string] {
	return IndexedCacheParameters[string, string]{
		CacheName:       name,
		KeySerializer:   storage.StringSerializer{},
		ValueSerializer: storage.StringSerializer{},
	}
}

func decoratedParams(name string) IndexedCacheParameters[string, string] {
	p := stringParams(name)
	p.Decorator = &MemoryDecorator{MaxEntries: 100}
	return p
}

// dirtyInitializer initializes whenever the previous holder did not unlock
// cleanly.
type dirtyInitializer struct {
	calls  atomic.Int32
	always bool
	err    error
}

func (i *dirtyInitializer) RequiresInitialization(lock *filelock.FileLock) (bool, error) {
	return i.always || !lock.UnlockedCleanly(), nil
}

func (i *dirtyInitializer) Initialize(*filelock.FileLock) error {
	i.calls.Add(1)
	return i.err
}

type countingCleanup struct {
	calls atomic.Int32
}

func (c *countingCleanup) RequiresCleanup() bool { return true }

func (c *countingCleanup) Cleanup(context.Context) error {
	c.calls.Add(1)
	return nil
}

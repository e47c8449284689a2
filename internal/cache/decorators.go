package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/filelock"
)

// DefaultMaxMemoryEntries is used when a MemoryDecorator does not set a size.
const DefaultMaxMemoryEntries = 10000

// crossProcessSynchronizingCache holds the file lock around every call.
type crossProcessSynchronizingCache[K comparable, V any] struct {
	access *Access
	target MultiProcessSafeIndexedCache[K, V]
}

func (c *crossProcessSynchronizingCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var value V
	var found bool
	err := c.access.WithFileLock(ctx, func() error {
		var err error
		value, found, err = c.target.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (c *crossProcessSynchronizingCache[K, V]) Put(ctx context.Context, key K, value V) error {
	return c.access.WithFileLock(ctx, func() error { return c.target.Put(ctx, key, value) })
}

func (c *crossProcessSynchronizingCache[K, V]) Remove(ctx context.Context, key K) error {
	return c.access.WithFileLock(ctx, func() error { return c.target.Remove(ctx, key) })
}

func (c *crossProcessSynchronizingCache[K, V]) AfterLockAcquire(state filelock.State) {
	c.target.AfterLockAcquire(state)
}

func (c *crossProcessSynchronizingCache[K, V]) FinishWork() error { return c.target.FinishWork() }

func (c *crossProcessSynchronizingCache[K, V]) BeforeLockRelease(state filelock.State) {
	c.target.BeforeLockRelease(state)
}

// memoryEntry also records misses so repeated lookups of absent keys stay
// in memory.
type memoryEntry[V any] struct {
	value   V
	present bool
}

// memoryCache keeps recently used entries in an LRU. The entries are
// dropped when the lock is reacquired and the cache may have been changed by
// another process in the meantime.
//
// Thread-safe: the LRU synchronizes itself; mu guards the lock state.
type memoryCache[K comparable, V any] struct {
	name    string
	target  MultiProcessSafeIndexedCache[K, V]
	entries *lru.Cache[K, memoryEntry[V]]

	mu          sync.Mutex
	lastRelease filelock.State
}

func newMemoryCache[K comparable, V any](name string, maxEntries int, target MultiProcessSafeIndexedCache[K, V]) (*memoryCache[K, V], error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxMemoryEntries
	}
	entries, err := lru.New[K, memoryEntry[V]](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory cache for %s: %w", name, err)
	}
	return &memoryCache[K, V]{name: name, target: target, entries: entries}, nil
}

func (c *memoryCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if MemoryCacheDisabled {
		return c.target.Get(ctx, key)
	}
	if entry, ok := c.entries.Get(key); ok {
		return entry.value, entry.present, nil
	}
	value, found, err := c.target.Get(ctx, key)
	if err != nil {
		return value, false, err
	}
	c.entries.Add(key, memoryEntry[V]{value: value, present: found})
	return value, found, nil
}

func (c *memoryCache[K, V]) Put(ctx context.Context, key K, value V) error {
	if !MemoryCacheDisabled {
		c.entries.Add(key, memoryEntry[V]{value: value, present: true})
	}
	if err := c.target.Put(ctx, key, value); err != nil {
		c.entries.Remove(key)
		return err
	}
	return nil
}

func (c *memoryCache[K, V]) Remove(ctx context.Context, key K) error {
	if !MemoryCacheDisabled {
		c.entries.Add(key, memoryEntry[V]{})
	}
	if err := c.target.Remove(ctx, key); err != nil {
		c.entries.Remove(key)
		return err
	}
	return nil
}

// Len returns the number of entries held in memory.
func (c *memoryCache[K, V]) Len() int { return c.entries.Len() }

func (c *memoryCache[K, V]) AfterLockAcquire(state filelock.State) {
	c.mu.Lock()
	outOfDate := c.lastRelease == nil || !state.CanDetectChanges() || state.HasBeenUpdatedSince(c.lastRelease)
	c.mu.Unlock()
	if outOfDate && c.entries.Len() > 0 {
		log.Debugf("[MemoryCache.AfterLockAcquire] %s may have changed, dropping %d entries", c.name, c.entries.Len())
		c.entries.Purge()
	}
	c.target.AfterLockAcquire(state)
}

func (c *memoryCache[K, V]) FinishWork() error { return c.target.FinishWork() }

func (c *memoryCache[K, V]) BeforeLockRelease(state filelock.State) {
	c.target.BeforeLockRelease(state)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRelease = state
}

type getResult[V any] struct {
	value V
	found bool
}

// asyncCache routes calls through the worker: reads wait for the result,
// writes are queued. Calls made by work already running on the worker go
// straight to the target.
type asyncCache[K comparable, V any] struct {
	worker *Worker
	access *Access
	target MultiProcessSafeIndexedCache[K, V]
}

func (c *asyncCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if InWorker(ctx, c.worker) {
		return c.target.Get(ctx, key)
	}
	if c.access.isOwnedBy(ctx) {
		var zero V
		return zero, false, fmt.Errorf("%w: cannot wait for the cache worker of %s while owning the cache", common.ErrIllegalState, c.access.displayName)
	}
	result, err := Read(ctx, c.worker, func(ctx context.Context) (getResult[V], error) {
		value, found, err := c.target.Get(ctx, key)
		return getResult[V]{value: value, found: found}, err
	})
	return result.value, result.found, err
}

func (c *asyncCache[K, V]) Put(ctx context.Context, key K, value V) error {
	if InWorker(ctx, c.worker) {
		return c.target.Put(ctx, key, value)
	}
	return c.worker.Enqueue(ctx, func(ctx context.Context) error { return c.target.Put(ctx, key, value) })
}

func (c *asyncCache[K, V]) Remove(ctx context.Context, key K) error {
	if InWorker(ctx, c.worker) {
		return c.target.Remove(ctx, key)
	}
	return c.worker.Enqueue(ctx, func(ctx context.Context) error { return c.target.Remove(ctx, key) })
}

func (c *asyncCache[K, V]) AfterLockAcquire(state filelock.State) { c.target.AfterLockAcquire(state) }

func (c *asyncCache[K, V]) FinishWork() error { return c.target.FinishWork() }

func (c *asyncCache[K, V]) BeforeLockRelease(state filelock.State) { c.target.BeforeLockRelease(state) }

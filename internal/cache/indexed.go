package cache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/filelock"
	"lockcache/internal/storage"
)

// IndexedCache is a persistent key/value cache.
type IndexedCache[K comparable, V any] interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key K) (V, bool, error)
	Put(ctx context.Context, key K, value V) error
	Remove(ctx context.Context, key K) error
}

// MultiProcessSafeIndexedCache is an IndexedCache that takes part in the
// lock lifecycle of its Access.
type MultiProcessSafeIndexedCache[K comparable, V any] interface {
	IndexedCache[K, V]
	LockListener
}

// GetOrCreate returns the value for key, producing and storing it when
// missing.
func GetOrCreate[K comparable, V any](ctx context.Context, c IndexedCache[K, V], key K, produce func(K) (V, error)) (V, error) {
	value, ok, err := c.Get(ctx, key)
	if err != nil || ok {
		return value, err
	}
	if value, err = produce(key); err != nil {
		return value, err
	}
	return value, c.Put(ctx, key, value)
}

// MemoryDecorator keeps recently used entries in memory and applies writes
// through the cache worker.
type MemoryDecorator struct {
	MaxEntries int
}

// IndexedCacheParameters describe an indexed cache. Opening the same cache
// name twice requires equal parameters.
type IndexedCacheParameters[K comparable, V any] struct {
	CacheName       string
	KeySerializer   storage.Serializer[K]
	ValueSerializer storage.Serializer[V]
	// Decorator is nil for an undecorated cache, which must be used from
	// inside UseCache.
	Decorator *MemoryDecorator
}

type cacheDescriptor struct {
	keyType   string
	valueType string
	keySer    string
	valueSer  string
	decorator string
}

func describe[K comparable, V any](p IndexedCacheParameters[K, V]) cacheDescriptor {
	decorator := "none"
	if p.Decorator != nil {
		decorator = fmt.Sprintf("in-memory (max entries %d)", p.Decorator.MaxEntries)
	}
	return cacheDescriptor{
		keyType:   reflect.TypeFor[K]().String(),
		valueType: reflect.TypeFor[V]().String(),
		keySer:    fmt.Sprintf("%T", p.KeySerializer),
		valueSer:  fmt.Sprintf("%T", p.ValueSerializer),
		decorator: decorator,
	}
}

func (d cacheDescriptor) mismatches(other cacheDescriptor) []string {
	var out []string
	check := func(what, a, b string) {
		if a != b {
			out = append(out, fmt.Sprintf("%s (%s != %s)", what, a, b))
		}
	}
	check("key type", d.keyType, other.keyType)
	check("value type", d.valueType, other.valueType)
	check("key serializer", d.keySer, other.keySer)
	check("value serializer", d.valueSer, other.valueSer)
	check("decorator", d.decorator, other.decorator)
	return out
}

type indexedCacheEntry struct {
	descriptor cacheDescriptor
	cache      any
	listener   LockListener
}

// NewIndexedCache returns the indexed cache called p.CacheName, creating it
// on first use. The cache is stored in <base dir>/<name>.bin.
func NewIndexedCache[K comparable, V any](a *Access, p IndexedCacheParameters[K, V]) (MultiProcessSafeIndexedCache[K, V], error) {
	if p.CacheName == "" || p.KeySerializer == nil || p.ValueSerializer == nil {
		return nil, fmt.Errorf("%w: cache name and serializers are required", common.ErrIllegalState)
	}
	descriptor := describe(p)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing || a.closed {
		return nil, fmt.Errorf("%s: %w", a.displayName, common.ErrClosed)
	}

	a.lockMu.Lock()
	existing, ok := a.caches[p.CacheName]
	a.lockMu.Unlock()
	if ok {
		if diff := existing.descriptor.mismatches(descriptor); len(diff) > 0 {
			return nil, fmt.Errorf("%w: cache '%s' cannot be reused because it has been opened with different parameters:\n - %s",
				common.ErrInvalidCacheReuse, p.CacheName, strings.Join(diff, "\n - "))
		}
		return existing.cache.(MultiProcessSafeIndexedCache[K, V]), nil
	}

	var cache MultiProcessSafeIndexedCache[K, V] = &persistentIndexedCache[K, V]{
		name:   p.CacheName,
		path:   a.cacheFile(p.CacheName),
		files:  a,
		keys:   p.KeySerializer,
		values: p.ValueSerializer,
	}
	if p.Decorator != nil {
		worker, err := a.workerLocked()
		if err != nil {
			return nil, err
		}
		cache = &asyncCache[K, V]{worker: worker, access: a, target: cache}
		memory, err := newMemoryCache(p.CacheName, p.Decorator.MaxEntries, cache)
		if err != nil {
			return nil, err
		}
		cache = &crossProcessSynchronizingCache[K, V]{access: a, target: memory}
	}

	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	a.caches[p.CacheName] = &indexedCacheEntry{descriptor: descriptor, cache: cache, listener: cache}
	if a.fileLock != nil {
		cache.AfterLockAcquire(a.stateAtOpen)
	}
	log.Debugf("[Access.NewIndexedCache] created %s in %s", p.CacheName, a.displayName)
	return cache, nil
}

// fileAccess runs actions through the file lock of an Access.
type fileAccess interface {
	ReadFile(ctx context.Context, action func() error) error
	UpdateFile(ctx context.Context, action func() error) error
	WriteFile(ctx context.Context, action func() error) error
}

// persistentIndexedCache stores entries in an IndexedStore. The store is
// opened lazily and closed whenever the file lock is released, so another
// process never sees a half written store.
type persistentIndexedCache[K comparable, V any] struct {
	name   string
	path   string
	files  fileAccess
	keys   storage.Serializer[K]
	values storage.Serializer[V]

	mu    sync.Mutex
	store *storage.IndexedStore
}

func (c *persistentIndexedCache[K, V]) open(ctx context.Context) (*storage.IndexedStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		return c.store, nil
	}
	var store *storage.IndexedStore
	openStore := func() error {
		var err error
		store, err = storage.OpenIndexedStore(c.path)
		return err
	}
	err := c.files.WriteFile(ctx, openStore)
	if errors.Is(err, common.ErrInsufficientLockMode) {
		err = c.files.ReadFile(ctx, openStore)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", c.name, err)
	}
	c.store = store
	return store, nil
}

func (c *persistentIndexedCache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var value V
	store, err := c.open(ctx)
	if err != nil {
		return value, false, err
	}
	k, err := c.keys.Encode(key)
	if err != nil {
		return value, false, err
	}
	var raw []byte
	var found bool
	if err := c.files.ReadFile(ctx, func() error {
		var err error
		raw, found, err = store.Get(ctx, k)
		return err
	}); err != nil {
		return value, false, err
	}
	if !found {
		return value, false, nil
	}
	value, err = c.values.Decode(raw)
	if err != nil {
		return value, false, fmt.Errorf("failed to decode entry of cache %s: %w", c.name, err)
	}
	return value, true, nil
}

func (c *persistentIndexedCache[K, V]) Put(ctx context.Context, key K, value V) error {
	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	k, err := c.keys.Encode(key)
	if err != nil {
		return err
	}
	v, err := c.values.Encode(value)
	if err != nil {
		return err
	}
	return c.files.UpdateFile(ctx, func() error { return store.Put(ctx, k, v) })
}

func (c *persistentIndexedCache[K, V]) Remove(ctx context.Context, key K) error {
	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	k, err := c.keys.Encode(key)
	if err != nil {
		return err
	}
	return c.files.UpdateFile(ctx, func() error { return store.Remove(ctx, k) })
}

func (c *persistentIndexedCache[K, V]) AfterLockAcquire(filelock.State) {}

func (c *persistentIndexedCache[K, V]) FinishWork() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

func (c *persistentIndexedCache[K, V]) BeforeLockRelease(filelock.State) {}

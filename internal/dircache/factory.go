package dircache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
	"lockcache/internal/concurrent"
	"lockcache/internal/filelock"
)

// Factory hands out directory caches for one process. A directory is open
// at most once; further opens with the same configuration share it and the
// last Close releases it.
type Factory struct {
	manager   *filelock.Manager
	executors concurrent.ExecutorFactory

	mu     sync.Mutex
	dirs   map[string]*factoryEntry
	closed bool
}

type factoryEntry struct {
	cache *DirectoryCache
	opts  options
	refs  int
}

// NewFactory creates a factory using manager for all locks.
func NewFactory(manager *filelock.Manager, executors concurrent.ExecutorFactory) *Factory {
	if executors == nil {
		executors = concurrent.NewExecutorFactory()
	}
	return &Factory{manager: manager, executors: executors, dirs: make(map[string]*factoryEntry)}
}

// Ref is one reference to a shared DirectoryCache. Close releases the
// reference; the directory closes with its last reference.
type Ref struct {
	*DirectoryCache
	once    sync.Once
	release func() error
}

// Close releases this reference.
func (r *Ref) Close() error {
	var err error
	r.once.Do(func() { err = r.release() })
	return err
}

// Open opens dir or shares the already open cache for it.
func (f *Factory) Open(ctx context.Context, dir string, opts ...Option) (*Ref, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	canonical, err := common.CanonicalPath(dir)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("cache factory: %w", common.ErrClosed)
	}

	entry, ok := f.dirs[canonical]
	if ok {
		if err := checkReuse(canonical, entry.opts, o); err != nil {
			return nil, err
		}
	} else {
		c, err := openDirectoryCache(ctx, f.manager, f.executors, canonical, o)
		if err != nil {
			return nil, err
		}
		entry = &factoryEntry{cache: c, opts: o}
		f.dirs[canonical] = entry
	}
	entry.refs++
	return &Ref{DirectoryCache: entry.cache, release: func() error { return f.release(canonical, entry) }}, nil
}

func checkReuse(dir string, existing, requested options) error {
	if existing.lockOptions() != requested.lockOptions() {
		return fmt.Errorf("%w: cache '%s' is already open with lock options %s, requested %s",
			common.ErrInvalidCacheReuse, dir, existing.lockOptions(), requested.lockOptions())
	}
	if !maps.Equal(existing.properties, requested.properties) {
		return fmt.Errorf("%w: cache '%s' is already open with different properties", common.ErrInvalidCacheReuse, dir)
	}
	return nil
}

func (f *Factory) release(dir string, entry *factoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.refs--
	if entry.refs > 0 || f.dirs[dir] != entry {
		return nil
	}
	delete(f.dirs, dir)
	log.Debugf("[Factory.release] closing %s", dir)
	return entry.cache.Close()
}

// Close closes every open cache regardless of outstanding references.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	var errs []error
	for dir, entry := range f.dirs {
		if err := entry.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", dir, err))
		}
		delete(f.dirs, dir)
	}
	return errors.Join(errs...)
}

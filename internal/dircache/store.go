package dircache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/cache"
	"lockcache/internal/common"
	"lockcache/internal/concurrent"
	"lockcache/internal/filelock"
)

// PropertiesFile holds the properties a cache directory was created with.
const PropertiesFile = "cache.properties"

// Store is an open cache directory without initialization logic.
type Store struct {
	dir         string
	displayName string
	lockOptions filelock.LockOptions
	access      *cache.Access
}

// OpenStore opens dir as a plain store.
func OpenStore(ctx context.Context, manager *filelock.Manager, dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return openStore(ctx, manager, concurrent.NewExecutorFactory(), dir, o, nil)
}

func openStore(ctx context.Context, manager *filelock.Manager, executors concurrent.ExecutorFactory, dir string, o options, init cache.InitializationAction) (*Store, error) {
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", common.ErrNotDir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	displayName := o.displayNameFor(dir)
	target := dir
	if o.lockTarget == LockTargetProperties {
		target = filepath.Join(dir, PropertiesFile)
	}

	access, err := cache.NewAccess(cache.Options{
		DisplayName:     displayName,
		BaseDir:         dir,
		LockTarget:      target,
		LockOptions:     o.lockOptions(),
		LockManager:     manager,
		Initializer:     init,
		Cleanup:         o.cleanup,
		ExecutorFactory: executors,
		Worker:          o.worker,
	})
	if err != nil {
		return nil, err
	}
	if err := access.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", displayName, err)
	}
	log.Debugf("[Store.Open] opened %s", displayName)
	return &Store{dir: dir, displayName: displayName, lockOptions: o.lockOptions(), access: access}, nil
}

func (o options) displayNameFor(dir string) string {
	if o.displayName != "" {
		return o.displayName
	}
	return "cache directory " + common.BaseName(dir) + " (" + dir + ")"
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// DisplayName returns the name of the store.
func (s *Store) DisplayName() string { return s.displayName }

// Access returns the coordinator of the store.
func (s *Store) Access() *cache.Access { return s.access }

func (s *Store) UseCache(ctx context.Context, name string, action func(ctx context.Context) error) error {
	return s.access.UseCache(ctx, name, action)
}

func (s *Store) LongRunningOperation(ctx context.Context, name string, action func(ctx context.Context) error) error {
	return s.access.LongRunningOperation(ctx, name, action)
}

func (s *Store) WithFileLock(ctx context.Context, action func() error) error {
	return s.access.WithFileLock(ctx, action)
}

// Flush waits for queued cache writes.
func (s *Store) Flush(ctx context.Context) error {
	return s.access.Flush(ctx)
}

// Close releases the lock and runs a pending cleanup.
func (s *Store) Close() error {
	return s.access.Close()
}

func (s *Store) String() string { return s.displayName }

// NewIndexedCache opens the indexed cache p.CacheName stored in the
// directory.
func NewIndexedCache[K comparable, V any](s *Store, p cache.IndexedCacheParameters[K, V]) (cache.MultiProcessSafeIndexedCache[K, V], error) {
	return cache.NewIndexedCache(s.access, p)
}

package dircache

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"lockcache/internal/cleanup"
	"lockcache/internal/concurrent"
	"lockcache/internal/filelock"
)

// DirectoryCache is a Store that validates its content when the lock is
// acquired and wipes and reinitializes the directory when it is invalid,
// was not closed cleanly or was created with other properties.
type DirectoryCache struct {
	*Store
	properties map[string]string
}

// Open opens dir as a directory cache.
func Open(ctx context.Context, manager *filelock.Manager, dir string, opts ...Option) (*DirectoryCache, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return openDirectoryCache(ctx, manager, concurrent.NewExecutorFactory(), dir, o)
}

func openDirectoryCache(ctx context.Context, manager *filelock.Manager, executors concurrent.ExecutorFactory, dir string, o options) (*DirectoryCache, error) {
	init := &initialization{
		dir:         dir,
		displayName: o.displayNameFor(dir),
		properties:  o.properties,
		validator:   o.validator,
		initializer: o.initializer,
		deleter:     cleanup.NewDeleter(),
	}
	store, err := openStore(ctx, manager, executors, dir, o, init)
	if err != nil {
		return nil, err
	}
	return &DirectoryCache{Store: store, properties: maps.Clone(o.properties)}, nil
}

// Properties returns a copy of the properties the cache was opened with.
func (c *DirectoryCache) Properties() map[string]string {
	return maps.Clone(c.properties)
}

// ReadProperties reads the persisted properties of a cache directory.
func ReadProperties(dir string) (map[string]string, error) {
	cfg, err := ini.Load(filepath.Join(dir, PropertiesFile))
	if err != nil {
		return nil, err
	}
	return cfg.Section(ini.DefaultSection).KeysHash(), nil
}

func writeProperties(dir string, props map[string]string) error {
	cfg := ini.Empty()
	section := cfg.Section(ini.DefaultSection)
	for _, key := range slices.Sorted(maps.Keys(props)) {
		section.Key(key).SetValue(props[key])
	}
	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode cache properties: %w", err)
	}
	path := filepath.Join(dir, PropertiesFile)
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// initialization decides whether a directory must be rebuilt and rebuilds it.
type initialization struct {
	dir         string
	displayName string
	properties  map[string]string
	validator   Validator
	initializer Initializer
	deleter     *cleanup.Deleter
}

func (i *initialization) RequiresInitialization(lock *filelock.FileLock) (bool, error) {
	if i.validator != nil && !i.validator(i.dir) {
		log.Debugf("[DirectoryCache] invalidating %s as cache validator return false", i.displayName)
		return true, nil
	}

	if !lock.UnlockedCleanly() {
		if lock.State().IsInInitialState() {
			log.Debugf("[DirectoryCache] initializing %s", i.displayName)
		} else {
			log.Warnf("Invalidating %s as it was not closed cleanly.", i.displayName)
		}
		return true, nil
	}

	if len(i.properties) == 0 {
		return false, nil
	}
	persisted, err := ReadProperties(i.dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("[DirectoryCache] invalidating %s as it has no properties file", i.displayName)
			return true, nil
		}
		log.Debugf("[DirectoryCache] invalidating %s as its properties cannot be read: %v", i.displayName, err)
		return true, nil
	}
	for _, key := range slices.Sorted(maps.Keys(i.properties)) {
		if persisted[key] != i.properties[key] {
			log.Debugf("[DirectoryCache] invalidating %s as cache properties are different (%s: %q != %q)", i.displayName, key, persisted[key], i.properties[key])
			return true, nil
		}
	}
	return false, nil
}

// Initialize deletes everything but the lock file and the properties file,
// runs the initializer and persists the properties.
func (i *initialization) Initialize(lock *filelock.FileLock) error {
	lockFile := filepath.Base(lock.LockFile())
	err := i.deleter.DeleteContents(context.Background(), i.dir, func(name string) bool {
		return name == lockFile || name == PropertiesFile
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", i.displayName, err)
	}
	if i.initializer != nil {
		if err := i.initializer(i.dir); err != nil {
			return err
		}
	}
	return writeProperties(i.dir, i.properties)
}

// Copyright 2024 LockCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the on-disk key/value files behind indexed
// caches. Each store is a single SQLite file; callers serialize access
// across processes with the cache's file lock.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"

	"lockcache/internal/util"
)

// IndexedStore is a persistent byte key/value file.
type IndexedStore struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
}

// OpenIndexedStore opens the store at path, creating it if needed. A file
// that is not a readable indexed store is discarded and recreated; the
// callers hold an exclusive lock and treat the store as a cache.
func OpenIndexedStore(path string) (*IndexedStore, error) {
	store, err := openIndexedStore(path)
	if err == nil {
		return store, nil
	}
	log.Warnf("[IndexedStore.Open] discarding unreadable store %s: %v", path, err)
	if err := RemoveIndexedStore(path); err != nil {
		return nil, err
	}
	return openIndexedStore(path)
}

func openIndexedStore(path string) (*IndexedStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := execStatements(db, indexedStoreSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initIndexedStore, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()
	fileType, err := bunDB.GetSchemaInfo(ctx, "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != FileType {
		db.Close()
		return nil, fmt.Errorf("not an indexed cache file (type=%s)", fileType)
	}
	version, err := bunDB.GetSchemaInfo(ctx, "version")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("unsupported indexed cache version %s", version)
	}

	return &IndexedStore{path: path, db: db, bunDB: bunDB}, nil
}

// RemoveIndexedStore deletes the store file and its SQLite side files.
func RemoveIndexedStore(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Path returns the store file path.
func (s *IndexedStore) Path() string {
	return s.path
}

// Get returns the value stored under key.
func (s *IndexedStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var found bool
	value, err := util.RetryWithResult(ctx, func() ([]byte, error) {
		value, ok, err := s.bunDB.GetEntry(ctx, key)
		found = ok
		return value, err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entry from %s: %w", s.path, err)
	}
	return value, found, nil
}

// Put stores value under key.
func (s *IndexedStore) Put(ctx context.Context, key, value []byte) error {
	err := util.Retry(ctx, func() error {
		return s.bunDB.PutEntry(ctx, key, value)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to write entry to %s: %w", s.path, err)
	}
	return nil
}

// Remove deletes key.
func (s *IndexedStore) Remove(ctx context.Context, key []byte) error {
	err := util.Retry(ctx, func() error {
		return s.bunDB.DeleteEntry(ctx, key)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to remove entry from %s: %w", s.path, err)
	}
	return nil
}

// Count returns the number of entries.
func (s *IndexedStore) Count(ctx context.Context) (int, error) {
	return s.bunDB.CountEntries(ctx)
}

// Clear removes every entry.
func (s *IndexedStore) Clear(ctx context.Context) error {
	return s.bunDB.DeleteAllEntries(ctx)
}

// Close closes the underlying database.
func (s *IndexedStore) Close() error {
	return s.db.Close()
}

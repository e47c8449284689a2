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

// Package cache coordinates access to a persistent cache shared by
// goroutines of this process and by other processes.
//
// Design Principles:
//  1. One owner at a time - within the process, cache actions are serialized
//     through an owner token carried in the context
//  2. Lock lazily, release on request - in on-demand mode the file lock is
//     kept between actions and only given up when another process asks
//  3. Batch writes - decorated caches hand writes to a single worker that
//     applies them under one lock acquisition
//
// Provides:
// - Access: the orchestrator (useCache, long running operations, indexed caches)
// - Worker: the queue that applies asynchronous cache work in batches
// - IndexedCache decorators: cross-process synchronization, in-memory LRU, async
package cache

import (
	"context"
	"os"

	"lockcache/internal/filelock"
)

// MemoryCacheDisabled turns the in-memory decorator into a pass-through.
// Set via LOCKCACHE_MEMORY_CACHE=0 environment variable.
//
// This is useful for testing and debugging to verify logic works correctly
// without caching, and to isolate cache-related bugs.
var MemoryCacheDisabled = os.Getenv("LOCKCACHE_MEMORY_CACHE") == "0"

// InitializationAction populates a cache that is new or was not unlocked
// cleanly. Initialize runs under FileLock.WriteFile.
type InitializationAction interface {
	RequiresInitialization(lock *filelock.FileLock) (bool, error)
	Initialize(lock *filelock.FileLock) error
}

// NoInitialization never initializes anything.
type NoInitialization struct{}

func (NoInitialization) RequiresInitialization(*filelock.FileLock) (bool, error) { return false, nil }
func (NoInitialization) Initialize(*filelock.FileLock) error                     { return nil }

// CleanupAction removes stale data belonging to a cache.
type CleanupAction interface {
	RequiresCleanup() bool
	Cleanup(ctx context.Context) error
}

// LockListener is notified around file lock acquisition and release.
type LockListener interface {
	// AfterLockAcquire is called once the lock is held, with its state.
	AfterLockAcquire(state filelock.State)
	// FinishWork flushes and closes anything that must not outlive the lock.
	FinishWork() error
	// BeforeLockRelease is called with the final state before release.
	BeforeLockRelease(state filelock.State)
}

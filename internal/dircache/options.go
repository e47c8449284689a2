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

// Package dircache manages persistent cache directories: one lock file, one
// cache.properties file and any number of indexed caches per directory.
package dircache

import (
	"maps"

	"lockcache/internal/cache"
	"lockcache/internal/filelock"
)

// LockTarget selects which path the file lock protects.
type LockTarget int

const (
	// LockTargetDirectory locks <dir>/<name>.lock.
	LockTargetDirectory LockTarget = iota
	// LockTargetProperties locks <dir>/cache.properties.lock.
	LockTargetProperties
)

// Validator reports whether the content of a cache directory can be used.
type Validator func(dir string) bool

// Initializer populates a freshly wiped cache directory.
type Initializer func(dir string) error

type options struct {
	displayName  string
	properties   map[string]string
	lockMode     filelock.LockMode
	crossVersion bool
	lockTarget   LockTarget
	initializer  Initializer
	validator    Validator
	cleanup      cache.CleanupAction
	worker       cache.WorkerOptions
}

// Option configures a cache directory.
type Option func(*options)

func defaultOptions() options {
	return options{lockMode: filelock.LockModeNone}
}

// WithDisplayName sets the name used in logs and lock owner information.
func WithDisplayName(name string) Option {
	return func(o *options) { o.displayName = name }
}

// WithProperties sets the properties the directory must have been created
// with. A difference triggers initialization.
func WithProperties(props map[string]string) Option {
	return func(o *options) { o.properties = maps.Clone(props) }
}

// WithLockMode sets the lock mode; the default locks on demand.
func WithLockMode(mode filelock.LockMode) Option {
	return func(o *options) { o.lockMode = mode }
}

// WithCrossVersion uses the lock state format every version understands.
func WithCrossVersion() Option {
	return func(o *options) { o.crossVersion = true }
}

// WithLockTarget selects the locked path.
func WithLockTarget(target LockTarget) Option {
	return func(o *options) { o.lockTarget = target }
}

// WithInitializer sets the action run after the directory was wiped.
func WithInitializer(fn Initializer) Option {
	return func(o *options) { o.initializer = fn }
}

// WithValidator sets a check that invalidates the directory when it fails.
func WithValidator(fn Validator) Option {
	return func(o *options) { o.validator = fn }
}

// WithCleanup sets the action run at most once, when the cache closes.
func WithCleanup(action cache.CleanupAction) Option {
	return func(o *options) { o.cleanup = action }
}

// WithWorkerOptions tunes the batching of decorated indexed caches.
func WithWorkerOptions(w cache.WorkerOptions) Option {
	return func(o *options) { o.worker = w }
}

func (o options) lockOptions() filelock.LockOptions {
	return filelock.LockOptions{Mode: o.lockMode, CrossVersion: o.crossVersion}
}

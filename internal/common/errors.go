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

package common

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrNotDir      = errors.New("not a directory")
	ErrInvalidPath = errors.New("invalid path")

	// Locking and cache access failures.
	ErrLockTimeout            = errors.New("timeout waiting to lock")
	ErrFileIntegrityViolation = errors.New("file integrity violation")
	ErrInsufficientLockMode   = errors.New("insufficient lock mode")
	ErrIllegalState           = errors.New("illegal state")
	ErrUnsupportedOperation   = errors.New("unsupported operation")
	ErrCacheOpen              = errors.New("cannot open cache")
	ErrInvalidCacheReuse      = errors.New("invalid cache reuse")
	ErrClosed                 = errors.New("closed")
)

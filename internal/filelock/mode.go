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

// Package filelock implements inter-process locks on cache targets.
//
// Every target gets a sibling lock file with two byte-range regions:
//   - the state region records whether the last writer finished cleanly
//   - the information region names the current exclusive owner (pid,
//     operation, contention port) so that waiters can report on it and ask
//     it to let go
//
// Region locks are OS record locks. On Linux they are open file description
// locks, so two managers in the same process contend like two processes do.
package filelock

import (
	"fmt"
	"strings"
)

// LockMode is the kind of lock requested on a target.
type LockMode int

const (
	// LockModeNone means no lock is held between operations; the lock is
	// taken on demand.
	LockModeNone LockMode = iota
	// LockModeShared allows any number of concurrent readers.
	LockModeShared
	// LockModeExclusive allows a single reader/writer.
	LockModeExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockModeNone:
		return "None"
	case LockModeShared:
		return "Shared"
	case LockModeExclusive:
		return "Exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// ParseLockMode parses none, shared or exclusive (case insensitive).
func ParseLockMode(s string) (LockMode, error) {
	switch strings.ToLower(s) {
	case "none", "on-demand", "":
		return LockModeNone, nil
	case "shared":
		return LockModeShared, nil
	case "exclusive":
		return LockModeExclusive, nil
	default:
		return LockModeNone, fmt.Errorf("unknown lock mode %q", s)
	}
}

// LockOptions describes how a target is locked.
type LockOptions struct {
	Mode LockMode
	// CrossVersion selects the dirty-flag-only state format that every
	// version of the lock protocol understands.
	CrossVersion bool
}

// Options returns LockOptions for mode with the default state format.
func Options(mode LockMode) LockOptions {
	return LockOptions{Mode: mode}
}

// WithMode returns a copy of o using mode.
func (o LockOptions) WithMode(mode LockMode) LockOptions {
	o.Mode = mode
	return o
}

func (o LockOptions) String() string {
	if o.CrossVersion {
		return o.Mode.String() + " (cross-version)"
	}
	return o.Mode.String()
}

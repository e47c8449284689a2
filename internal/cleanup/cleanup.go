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

// Package cleanup removes cache data that is no longer used: directories of
// older versions, unpacked distributions and old log files.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// MarkerFile records when a version directory was last used and when the
// current version last ran cleanup.
const MarkerFile = "gc.properties"

const (
	markerSection    = "gc"
	lastCleanupKey   = "last_cleanup"
	markerTimeLayout = time.RFC3339
)

// Action removes stale data.
type Action interface {
	RequiresCleanup() bool
	Cleanup(ctx context.Context) error
}

// Composite runs every member that requires cleanup.
type Composite []Action

func (c Composite) RequiresCleanup() bool {
	for _, a := range c {
		if a.RequiresCleanup() {
			return true
		}
	}
	return false
}

func (c Composite) Cleanup(ctx context.Context) error {
	var errs []error
	for _, a := range c {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if !a.RequiresCleanup() {
			continue
		}
		if err := a.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkUsed records that dir is in use by touching its marker file.
func MarkUsed(dir string) error {
	marker := filepath.Join(dir, MarkerFile)
	now := time.Now()
	if err := os.Chtimes(marker, now, now); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to touch %s: %w", marker, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return ini.Empty().SaveTo(marker)
}

// lastUsed returns the marker time of dir, falling back to the directory
// itself when there is no marker.
func lastUsed(dir string) (time.Time, error) {
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	if os.IsNotExist(err) {
		info, err = os.Stat(dir)
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func readLastCleanup(dir string) time.Time {
	cfg, err := ini.Load(filepath.Join(dir, MarkerFile))
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(markerTimeLayout, cfg.Section(markerSection).Key(lastCleanupKey).String())
	if err != nil {
		return time.Time{}
	}
	return t
}

func writeLastCleanup(dir string, at time.Time) error {
	marker := filepath.Join(dir, MarkerFile)
	cfg, err := ini.Load(marker)
	if err != nil {
		cfg = ini.Empty()
	}
	cfg.Section(markerSection).Key(lastCleanupKey).SetValue(at.UTC().Format(markerTimeLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := cfg.SaveTo(marker); err != nil {
		return fmt.Errorf("failed to write %s: %w", marker, err)
	}
	log.Debugf("[Cleanup] recorded cleanup of %s at %s", dir, at.UTC().Format(markerTimeLayout))
	return nil
}

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

// Package config loads lockcache settings from <home>/settings.yaml with
// defaults embedded in the binary.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lockcache/internal/artifacts"
	"lockcache/internal/cache"
	"lockcache/internal/filelock"
)

// Environment variable names
const (
	EnvHome          = "LOCKCACHE_HOME"
	EnvLogLevel      = "LOCKCACHE_LOG_LEVEL"
	EnvLockTimeoutMs = "LOCKCACHE_LOCK_TIMEOUT_MS"
)

// LockSettings configures file lock acquisition.
type LockSettings struct {
	TimeoutMs      int  `yaml:"timeout_ms"`
	ShortTimeoutMs int  `yaml:"short_timeout_ms"`
	RetryInterval  int  `yaml:"retry_interval_ms"`
	PingIntervalMs int  `yaml:"ping_interval_ms"`
	Contention     bool `yaml:"contention"`
}

// WorkerSettings configures the cache access worker.
type WorkerSettings struct {
	BatchWindowMs    int `yaml:"batch_window_ms"`
	MaxLockingTimeMs int `yaml:"max_locking_time_ms"`
	QueueCapacity    int `yaml:"queue_capacity"` // 0 = derived from memory limit
}

// CleanupSettings configures stale cache removal.
type CleanupSettings struct {
	RetentionDays         int      `yaml:"retention_days"`
	SnapshotRetentionDays int      `yaml:"snapshot_retention_days"`
	MinIntervalHours      int      `yaml:"min_interval_hours"`
	LogRetentionDays      int      `yaml:"log_retention_days"`
	Exclude               []string `yaml:"exclude"`
}

// Settings represents the global settings file.
type Settings struct {
	LogLevel string          `yaml:"log_level"` // trace, debug, info, warn, off (default: off)
	Lock     LockSettings    `yaml:"lock"`
	Worker   WorkerSettings  `yaml:"worker"`
	Cleanup  CleanupSettings `yaml:"cleanup"`
}

// HomeDir returns the lockcache home directory.
// Uses LOCKCACHE_HOME if set, otherwise ~/.lockcache.
func HomeDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lockcache")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(HomeDir(), "settings.yaml")
}

// EnsureHomeDir creates the home directory if it doesn't exist.
func EnsureHomeDir() error {
	return os.MkdirAll(HomeDir(), 0700)
}

// Defaults parses the settings embedded in the binary.
func Defaults() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.DefaultSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// Load reads settings from SettingsPath, falling back to the embedded
// defaults when the file does not exist.
func Load() (*Settings, error) {
	return LoadFromPath(SettingsPath())
}

// LoadFromPath reads settings from path. Keys missing from the file keep
// their default values; environment overrides are applied last.
func LoadFromPath(path string) (*Settings, error) {
	settings := Defaults()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}
	settings.applyEnv()
	settings.ApplyDefaults()
	return &settings, nil
}

// Save writes settings to SettingsPath.
func Save(settings *Settings) error {
	if err := EnsureHomeDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# lockcache settings\n# See: lockcache --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}

func (s *Settings) applyEnv() {
	if level := os.Getenv(EnvLogLevel); level != "" {
		s.LogLevel = level
	}
	if val := os.Getenv(EnvLockTimeoutMs); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			s.Lock.TimeoutMs = ms
		}
	}
}

// ApplyDefaults fills zero or negative durations with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.Lock.TimeoutMs <= 0 {
		s.Lock.TimeoutMs = 60000
	}
	if s.Lock.ShortTimeoutMs <= 0 {
		s.Lock.ShortTimeoutMs = 10000
	}
	if s.Lock.RetryInterval <= 0 {
		s.Lock.RetryInterval = 200
	}
	if s.Lock.PingIntervalMs <= 0 {
		s.Lock.PingIntervalMs = 1000
	}
	if s.Worker.BatchWindowMs <= 0 {
		s.Worker.BatchWindowMs = 5000
	}
	if s.Worker.MaxLockingTimeMs <= 0 {
		s.Worker.MaxLockingTimeMs = 10000
	}
	if s.Cleanup.RetentionDays <= 0 {
		s.Cleanup.RetentionDays = 30
	}
	if s.Cleanup.SnapshotRetentionDays <= 0 {
		s.Cleanup.SnapshotRetentionDays = 7
	}
	if s.Cleanup.MinIntervalHours <= 0 {
		s.Cleanup.MinIntervalHours = 24
	}
	if s.Cleanup.LogRetentionDays <= 0 {
		s.Cleanup.LogRetentionDays = 14
	}
}

// LoggingEnabled returns whether logging is enabled (any level other than "off", "none" or empty).
func (s *Settings) LoggingEnabled() bool {
	level := strings.ToLower(s.LogLevel)
	return level != "" && level != "none" && level != "off"
}

// LockTimeout returns the lock acquisition timeout.
func (s *Settings) LockTimeout() time.Duration {
	return time.Duration(s.Lock.TimeoutMs) * time.Millisecond
}

// ShortLockTimeout returns the timeout for lock owner information access.
func (s *Settings) ShortLockTimeout() time.Duration {
	return time.Duration(s.Lock.ShortTimeoutMs) * time.Millisecond
}

// LockRetryInterval returns the polling interval while waiting for a lock.
func (s *Settings) LockRetryInterval() time.Duration {
	return time.Duration(s.Lock.RetryInterval) * time.Millisecond
}

// PingInterval returns the minimum time between pings to a lock owner.
func (s *Settings) PingInterval() time.Duration {
	return time.Duration(s.Lock.PingIntervalMs) * time.Millisecond
}

// BatchWindow returns how long the worker waits for more work in a batch.
func (s *Settings) BatchWindow() time.Duration {
	return time.Duration(s.Worker.BatchWindowMs) * time.Millisecond
}

// MaxLockingTime returns the upper bound for a single worker batch.
func (s *Settings) MaxLockingTime() time.Duration {
	return time.Duration(s.Worker.MaxLockingTimeMs) * time.Millisecond
}

// Retention returns the retention period for unused release versions.
func (s *Settings) Retention() time.Duration {
	return time.Duration(s.Cleanup.RetentionDays) * 24 * time.Hour
}

// SnapshotRetention returns the retention period for unused snapshot versions.
func (s *Settings) SnapshotRetention() time.Duration {
	return time.Duration(s.Cleanup.SnapshotRetentionDays) * 24 * time.Hour
}

// CleanupInterval returns the minimum time between two cleanup runs.
func (s *Settings) CleanupInterval() time.Duration {
	return time.Duration(s.Cleanup.MinIntervalHours) * time.Hour
}

// LogRetention returns how long log files are kept.
func (s *Settings) LogRetention() time.Duration {
	return time.Duration(s.Cleanup.LogRetentionDays) * 24 * time.Hour
}

// ManagerOptions derives file lock manager options. Contention handling is
// enabled when configured; the returned handler must be closed by the caller
// and is nil otherwise.
func (s *Settings) ManagerOptions() ([]filelock.ManagerOption, *filelock.UDPContentionHandler) {
	opts := []filelock.ManagerOption{
		filelock.WithTimeout(s.LockTimeout()),
		filelock.WithShortTimeout(s.ShortLockTimeout()),
		filelock.WithRetryInterval(s.LockRetryInterval()),
		filelock.WithPingInterval(s.PingInterval()),
	}
	if !s.Lock.Contention {
		return opts, nil
	}
	handler := filelock.NewUDPContentionHandler()
	return append(opts, filelock.WithContentionHandler(handler)), handler
}

// WorkerOptions derives the cache worker batching options.
func (s *Settings) WorkerOptions() cache.WorkerOptions {
	return cache.WorkerOptions{
		BatchWindow:    s.BatchWindow(),
		MaxLockingTime: s.MaxLockingTime(),
		QueueCapacity:  s.Worker.QueueCapacity,
	}
}

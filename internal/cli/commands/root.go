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

package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lockcache/internal/config"
	"lockcache/internal/filelock"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// settings is loaded once per invocation by the root command.
var settings *config.Settings

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// configureLogging applies the configured log level. Logging is off unless
// settings or LOCKCACHE_LOG_LEVEL enable it.
func configureLogging(s *config.Settings) {
	if !s.LoggingEnabled() {
		logrus.SetOutput(io.Discard)
		return
	}
	logrus.SetOutput(os.Stderr)
	switch strings.ToLower(s.LogLevel) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
}

// newManager creates a lock manager from the loaded settings. The returned
// function releases the contention listener, if any.
func newManager() (*filelock.Manager, func()) {
	opts, handler := settings.ManagerOptions()
	manager := filelock.NewManager(opts...)
	return manager, func() {
		if handler != nil {
			_ = handler.Close()
		}
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockcache",
		Short: "Cross-process persistent cache tool",
		Long: `Inspect and manipulate persistent cache directories shared between processes.
Caches are guarded by lock files with owner information and crash detection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip initialization for help commands
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			if err := config.EnsureHomeDir(); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			settings = loaded
			configureLogging(settings)
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate("lockcache version {{.Version}}\n")
	cmd.AddCommand(
		newPutCmd(),
		newGetCmd(),
		newRemoveCmd(),
		newLockInfoCmd(),
		newHoldCmd(),
		newReleaseCmd(),
		newCleanupCmd(),
		newVersionCmd(),
	)
	return cmd
}

var rootCmd = newRootCmd()

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

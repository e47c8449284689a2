package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockcache/internal/cleanup"
	"lockcache/internal/common"
	"lockcache/internal/config"
)

// setupHome points the CLI at an isolated home with fast worker batching.
func setupHome(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvLogLevel, "off")
	s := config.Defaults()
	s.Lock.Contention = false
	s.Lock.TimeoutMs = 2000
	s.Worker.BatchWindowMs = 10
	s.Worker.MaxLockingTimeMs = 100
	require.NoError(t, config.Save(&s))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEntryCommands(t *testing.T) {
	setupHome(t)
	dir := filepath.Join(t.TempDir(), "cache")

	tests := []struct {
		mode      string
		writeMode string
	}{
		{"none", "none"},
		{"exclusive", "exclusive"},
		// Shared holders cannot write, so entries are written on demand.
		{"shared", "none"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			key := "key-" + tt.mode
			_, err := runCLI(t, "put", dir, key, "value-"+tt.mode, "--mode", tt.writeMode)
			require.NoError(t, err)

			out, err := runCLI(t, "get", dir, key, "--mode", tt.mode)
			require.NoError(t, err)
			assert.Equal(t, "value-"+tt.mode+"\n", out)

			_, err = runCLI(t, "rm", dir, key, "--mode", tt.writeMode)
			require.NoError(t, err)

			_, err = runCLI(t, "get", dir, key, "--mode", tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrNotFound))
		})
	}
}

func TestEntryCommands_SharedCannotWrite(t *testing.T) {
	setupHome(t)
	dir := filepath.Join(t.TempDir(), "cache")

	_, err := runCLI(t, "put", dir, "k", "v", "--mode", "shared")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInsufficientLockMode))
}

func TestEntryCommands_SeparateCaches(t *testing.T) {
	setupHome(t)
	dir := filepath.Join(t.TempDir(), "cache")

	_, err := runCLI(t, "put", dir, "k", "first", "--cache", "one")
	require.NoError(t, err)
	_, err = runCLI(t, "put", dir, "k", "second", "--cache", "two")
	require.NoError(t, err)

	out, err := runCLI(t, "get", dir, "k", "--cache", "one")
	require.NoError(t, err)
	assert.Equal(t, "first\n", out)
	out, err = runCLI(t, "get", dir, "k", "--cache", "two")
	require.NoError(t, err)
	assert.Equal(t, "second\n", out)
}

func TestEntryCommands_PropertyChangeInvalidates(t *testing.T) {
	setupHome(t)
	dir := filepath.Join(t.TempDir(), "cache")

	_, err := runCLI(t, "put", dir, "k", "v", "--property", "layout=1")
	require.NoError(t, err)
	out, err := runCLI(t, "get", dir, "k", "--property", "layout=1")
	require.NoError(t, err)
	assert.Equal(t, "v\n", out)

	_, err = runCLI(t, "get", dir, "k", "--property", "layout=2")
	assert.True(t, errors.Is(err, common.ErrNotFound), "a property change re-initializes the cache")
}

func TestEntryCommands_InvalidMode(t *testing.T) {
	setupHome(t)

	_, err := runCLI(t, "put", t.TempDir(), "k", "v", "--mode", "sometimes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown lock mode")
}

func TestLockInfoCommand(t *testing.T) {
	setupHome(t)
	dir := filepath.Join(t.TempDir(), "cache")

	_, err := runCLI(t, "lock-info", dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	_, err = runCLI(t, "put", dir, "k", "v", "--mode", "exclusive")
	require.NoError(t, err)

	out, err := runCLI(t, "lock-info", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Lock file: "+filepath.Join(dir, "cache.lock"))
	assert.Contains(t, out, "State:     clean")
}

func TestCleanupCommand(t *testing.T) {
	setupHome(t)
	versions := t.TempDir()

	old := filepath.Join(versions, "1.0.0")
	recent := filepath.Join(versions, "1.5.0")
	newer := filepath.Join(versions, "3.0.0")
	for _, dir := range []string{old, recent, newer} {
		require.NoError(t, cleanup.MarkUsed(dir))
	}
	stale := time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(old, cleanup.MarkerFile), stale, stale))
	require.NoError(t, os.Chtimes(filepath.Join(newer, cleanup.MarkerFile), stale, stale))

	out, err := runCLI(t, "cleanup", versions, "--current-version", "2.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleaned up")

	assert.NoDirExists(t, old)
	assert.DirExists(t, recent)
	assert.DirExists(t, newer, "newer versions are never removed")
	assert.FileExists(t, filepath.Join(versions, "2.0.0", cleanup.MarkerFile))

	out, err = runCLI(t, "cleanup", versions, "--current-version", "2.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "not due yet")

	out, err = runCLI(t, "cleanup", versions, "--current-version", "2.0.0", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleaned up")
}

func TestCleanupCommand_RequiresVersion(t *testing.T) {
	setupHome(t)

	_, err := runCLI(t, "cleanup", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--current-version")
}

func TestVersionCommand(t *testing.T) {
	setupHome(t)

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lockcache version "+version)
}

func TestFormatBuildDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		epoch string
		want  string
	}{
		{"epoch", "0", time.Unix(0, 0).Format("2006-01-02")},
		{"not a number", "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, formatBuildDate(tt.epoch))
		})
	}
}

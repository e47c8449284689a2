package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeVersionDir(t *testing.T, base, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, MarkUsed(dir))
	at := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(filepath.Join(dir, MarkerFile), at, at))
	return dir
}

func newVersionAction(t *testing.T, base string, mutate ...func(*VersionSpecificOptions)) *VersionSpecificCleanupAction {
	t.Helper()
	opts := VersionSpecificOptions{
		BaseDir:           base,
		CurrentVersion:    "8.5",
		Retention:         30 * 24 * time.Hour,
		SnapshotRetention: 7 * 24 * time.Hour,
		MinInterval:       24 * time.Hour,
	}
	for _, m := range mutate {
		m(&opts)
	}
	a, err := NewVersionSpecificCleanupAction(opts)
	require.NoError(t, err)
	return a
}

func TestVersionSpecificCleanup(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	staleRelease := makeVersionDir(t, base, "8.1", 40*24*time.Hour)
	recentRelease := makeVersionDir(t, base, "8.2", 10*24*time.Hour)
	staleSnapshot := makeVersionDir(t, base, "8.3-rc-1", 10*24*time.Hour)
	newer := makeVersionDir(t, base, "9.0", 400*24*time.Hour)
	excluded := makeVersionDir(t, base, "7.0", 400*24*time.Hour)
	notVersion := makeVersionDir(t, base, "jars-9", 400*24*time.Hour)

	a := newVersionAction(t, base, func(o *VersionSpecificOptions) { o.Exclude = []string{"7.*"} })
	require.True(t, a.RequiresCleanup())
	require.NoError(t, a.Cleanup(context.Background()))

	assert.NoDirExists(t, staleRelease)
	assert.NoDirExists(t, staleSnapshot)
	assert.DirExists(t, recentRelease)
	assert.DirExists(t, newer)
	assert.DirExists(t, excluded)
	assert.DirExists(t, notVersion)

	assert.False(t, a.RequiresCleanup())
}

func TestVersionSpecificCleanup_MinInterval(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	now := time.Now()
	a := newVersionAction(t, base, func(o *VersionSpecificOptions) { o.Now = func() time.Time { return now } })
	require.NoError(t, writeLastCleanup(filepath.Join(base, "8.5"), now.Add(-time.Hour)))
	assert.False(t, a.RequiresCleanup())

	require.NoError(t, writeLastCleanup(filepath.Join(base, "8.5"), now.Add(-25*time.Hour)))
	assert.True(t, a.RequiresCleanup())
}

func TestVersionSpecificCleanup_SkipsWhenLocked(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	stale := makeVersionDir(t, base, "8.1", 40*24*time.Hour)

	other := flock.New(filepath.Join(base, GCLockFile))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer other.Unlock()

	require.NoError(t, newVersionAction(t, base).Cleanup(context.Background()))
	assert.DirExists(t, stale)
}

func TestNewVersionSpecificCleanupAction_InvalidVersion(t *testing.T) {
	t.Parallel()

	_, err := NewVersionSpecificCleanupAction(VersionSpecificOptions{CurrentVersion: "not a version"})
	assert.Error(t, err)
}

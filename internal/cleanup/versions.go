package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-version"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// GCLockFile guards version cleanup of a base directory across processes.
const GCLockFile = "gc.lock"

// VersionSpecificOptions configure a VersionSpecificCleanupAction.
type VersionSpecificOptions struct {
	// BaseDir contains one directory per version, named after the version.
	BaseDir        string
	CurrentVersion string
	// Retention applies to release versions, SnapshotRetention to
	// pre-release versions.
	Retention         time.Duration
	SnapshotRetention time.Duration
	// MinInterval is the minimum time between two cleanups.
	MinInterval time.Duration
	// Exclude holds gitignore style patterns of directory names to keep.
	Exclude []string
	Deleter *Deleter
	Now     func() time.Time
}

// VersionSpecificCleanupAction deletes directories of versions older than
// the current one that have not been used within their retention.
type VersionSpecificCleanupAction struct {
	opts    VersionSpecificOptions
	current *version.Version
	exclude *ignore.GitIgnore
}

// NewVersionSpecificCleanupAction validates opts and creates the action.
func NewVersionSpecificCleanupAction(opts VersionSpecificOptions) (*VersionSpecificCleanupAction, error) {
	current, err := version.NewVersion(opts.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid current version %q: %w", opts.CurrentVersion, err)
	}
	if opts.Deleter == nil {
		opts.Deleter = NewDeleter()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SnapshotRetention <= 0 {
		opts.SnapshotRetention = opts.Retention
	}
	return &VersionSpecificCleanupAction{
		opts:    opts,
		current: current,
		exclude: ignore.CompileIgnoreLines(opts.Exclude...),
	}, nil
}

func (a *VersionSpecificCleanupAction) currentDir() string {
	return filepath.Join(a.opts.BaseDir, a.opts.CurrentVersion)
}

// RequiresCleanup reports whether MinInterval has passed since the last
// cleanup recorded for the current version.
func (a *VersionSpecificCleanupAction) RequiresCleanup() bool {
	last := readLastCleanup(a.currentDir())
	return last.IsZero() || a.opts.Now().Sub(last) >= a.opts.MinInterval
}

// Cleanup deletes stale version directories. It does nothing when another
// process is already cleaning the same base directory.
func (a *VersionSpecificCleanupAction) Cleanup(ctx context.Context) error {
	if _, err := os.Stat(a.opts.BaseDir); os.IsNotExist(err) {
		return nil
	}
	gcLock := flock.New(filepath.Join(a.opts.BaseDir, GCLockFile))
	locked, err := gcLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", gcLock.Path(), err)
	}
	if !locked {
		log.Debugf("[VersionSpecificCleanup] %s is being cleaned by another process", a.opts.BaseDir)
		return nil
	}
	defer func() {
		if err := gcLock.Unlock(); err != nil {
			log.Warnf("[VersionSpecificCleanup] failed to unlock %s: %v", gcLock.Path(), err)
		}
	}()

	entries, err := os.ReadDir(a.opts.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", a.opts.BaseDir, err)
	}
	now := a.opts.Now()
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || a.exclude.MatchesPath(entry.Name()) {
			continue
		}
		v, err := version.NewVersion(entry.Name())
		if err != nil || !v.LessThan(a.current) {
			continue
		}
		dir := filepath.Join(a.opts.BaseDir, entry.Name())
		used, err := lastUsed(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		retention := a.opts.Retention
		if v.Prerelease() != "" {
			retention = a.opts.SnapshotRetention
		}
		if now.Sub(used) < retention {
			continue
		}
		log.Infof("[VersionSpecificCleanup] deleting unused version %s (last used %s)", dir, used.Format(time.RFC3339))
		if err := a.opts.Deleter.Delete(ctx, dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := writeLastCleanup(a.currentDir(), now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"
)

// DistributionOptions configure a DistributionCleanupAction.
type DistributionOptions struct {
	// DistsDir contains directories named <name>-<version>-<type>.
	DistsDir string
	// VersionsDir contains the version specific cache directories.
	VersionsDir    string
	CurrentVersion string
	Deleter        *Deleter
}

// DistributionCleanupAction deletes distributions of older versions whose
// version specific cache directory is gone.
type DistributionCleanupAction struct {
	opts    DistributionOptions
	current *version.Version
}

// NewDistributionCleanupAction validates opts and creates the action.
func NewDistributionCleanupAction(opts DistributionOptions) (*DistributionCleanupAction, error) {
	current, err := version.NewVersion(opts.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid current version %q: %w", opts.CurrentVersion, err)
	}
	if opts.Deleter == nil {
		opts.Deleter = NewDeleter()
	}
	return &DistributionCleanupAction{opts: opts, current: current}, nil
}

func (a *DistributionCleanupAction) RequiresCleanup() bool { return true }

func (a *DistributionCleanupAction) Cleanup(ctx context.Context) error {
	entries, err := os.ReadDir(a.opts.DistsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", a.opts.DistsDir, err)
	}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, ok := ParseDistributionVersion(entry.Name())
		if !ok || !v.LessThan(a.current) {
			continue
		}
		if _, err := os.Stat(filepath.Join(a.opts.VersionsDir, v.Original())); err == nil {
			continue
		}
		dir := filepath.Join(a.opts.DistsDir, entry.Name())
		log.Infof("[DistributionCleanup] deleting distribution %s", dir)
		if err := a.opts.Deleter.Delete(ctx, dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseDistributionVersion extracts the version of a <name>-<version>-<type>
// directory name. The name may itself contain dashes; the shortest name that
// leaves a valid version wins.
func ParseDistributionVersion(dirName string) (*version.Version, bool) {
	end := strings.LastIndex(dirName, "-")
	if end <= 0 {
		return nil, false
	}
	rest := dirName[:end]
	for i := 0; i < len(rest); i++ {
		if rest[i] != '-' {
			continue
		}
		if v, err := version.NewVersion(rest[i+1:]); err == nil {
			return v, true
		}
	}
	return nil, false
}

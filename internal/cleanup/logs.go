package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"
)

// DefaultLogPattern matches log files at any depth.
const DefaultLogPattern = "**/*.log"

// LogOptions configure a LogCleanupAction.
type LogOptions struct {
	Dir string
	// Pattern is a doublestar pattern relative to Dir.
	Pattern   string
	Retention time.Duration
	Deleter   *Deleter
	Now       func() time.Time
}

// LogCleanupAction deletes log files older than the retention.
type LogCleanupAction struct {
	opts LogOptions
}

// NewLogCleanupAction creates the action.
func NewLogCleanupAction(opts LogOptions) (*LogCleanupAction, error) {
	if opts.Pattern == "" {
		opts.Pattern = DefaultLogPattern
	}
	if !doublestar.ValidatePattern(opts.Pattern) {
		return nil, fmt.Errorf("invalid log pattern %q", opts.Pattern)
	}
	if opts.Deleter == nil {
		opts.Deleter = NewDeleter()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LogCleanupAction{opts: opts}, nil
}

func (a *LogCleanupAction) RequiresCleanup() bool { return true }

func (a *LogCleanupAction) Cleanup(ctx context.Context) error {
	if _, err := os.Stat(a.opts.Dir); os.IsNotExist(err) {
		return nil
	}
	matches, err := doublestar.Glob(os.DirFS(a.opts.Dir), a.opts.Pattern, doublestar.WithFilesOnly(), doublestar.WithNoFollow())
	if err != nil {
		return fmt.Errorf("failed to match %s in %s: %w", a.opts.Pattern, a.opts.Dir, err)
	}
	now := a.opts.Now()
	var errs []error
	for _, match := range matches {
		path := filepath.Join(a.opts.Dir, filepath.FromSlash(match))
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if now.Sub(info.ModTime()) < a.opts.Retention {
			continue
		}
		log.Debugf("[LogCleanup] deleting %s", path)
		if err := a.opts.Deleter.Delete(ctx, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

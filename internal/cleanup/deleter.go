package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	lcutil "lockcache/internal/util"
)

// Deleter removes files and directory trees. Symbolic links are removed
// themselves and never followed. A directory is first renamed to
// <name>.deleting-<uuid> so a partially deleted tree is never mistaken for a
// live one.
type Deleter struct{}

// NewDeleter returns a Deleter.
func NewDeleter() *Deleter {
	return &Deleter{}
}

// Delete removes path. A missing path is not an error.
func (d *Deleter) Delete(ctx context.Context, path string) error {
	fs := osfs.New(filepath.Dir(path))
	return d.deleteEntry(ctx, fs, filepath.Base(path))
}

// DeleteContents removes every entry of dir for which keep returns false.
func (d *Deleter) DeleteContents(ctx context.Context, dir string, keep func(name string) bool) error {
	fs := osfs.New(dir)
	entries, err := fs.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}
	for _, entry := range entries {
		if keep != nil && keep(entry.Name()) {
			continue
		}
		if err := d.deleteEntry(ctx, fs, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deleter) deleteEntry(ctx context.Context, fs billy.Filesystem, name string) error {
	info, err := fs.Lstat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", fs.Join(fs.Root(), name), err)
	}

	if !info.IsDir() {
		return lcutil.Retry(ctx, func() error {
			if err := fs.Remove(name); err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}, lcutil.FileSystemRetryOptions(ctx)...)
	}

	doomed := fmt.Sprintf("%s.deleting-%s", name, uuid.NewString())
	if err := lcutil.Retry(ctx, func() error { return fs.Rename(name, doomed) }, lcutil.FileSystemRetryOptions(ctx)...); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", fs.Join(fs.Root(), name), err)
	}
	log.Debugf("[Deleter.Delete] removing %s", fs.Join(fs.Root(), name))
	if err := lcutil.Retry(ctx, func() error { return util.RemoveAll(fs, doomed) }, lcutil.FileSystemRetryOptions(ctx)...); err != nil {
		return fmt.Errorf("failed to remove %s: %w", fs.Join(fs.Root(), doomed), err)
	}
	return nil
}

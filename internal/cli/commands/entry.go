package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lockcache/internal/cache"
	"lockcache/internal/common"
	"lockcache/internal/dircache"
	"lockcache/internal/filelock"
	"lockcache/internal/storage"
)

// cacheFlags select and open a cache directory.
type cacheFlags struct {
	mode         string
	cacheName    string
	crossVersion bool
	properties   map[string]string
}

func (f *cacheFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", "none", "Lock mode: none (lock on demand), shared or exclusive")
	cmd.Flags().StringVar(&f.cacheName, "cache", "entries", "Name of the indexed cache inside the directory")
	cmd.Flags().BoolVar(&f.crossVersion, "cross-version", false, "Use the lock file format shared by all versions")
	cmd.Flags().StringToStringVar(&f.properties, "property", nil, "Cache property (repeatable); a mismatch re-initializes the cache")
}

func (f *cacheFlags) options() ([]dircache.Option, error) {
	mode, err := filelock.ParseLockMode(f.mode)
	if err != nil {
		return nil, err
	}
	opts := []dircache.Option{
		dircache.WithLockMode(mode),
		dircache.WithProperties(f.properties),
		dircache.WithWorkerOptions(settings.WorkerOptions()),
	}
	if f.crossVersion {
		opts = append(opts, dircache.WithCrossVersion())
	}
	return opts, nil
}

// withEntries opens dir and its string cache, runs fn and closes the
// directory. Pending writes are flushed before closing.
func withEntries(ctx context.Context, dir string, f *cacheFlags, fn func(ctx context.Context, entries cache.IndexedCache[string, string]) error) (err error) {
	opts, err := f.options()
	if err != nil {
		return err
	}
	manager, release := newManager()
	defer release()

	dc, err := dircache.Open(ctx, manager, dir, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dc.Close())
	}()

	entries, err := dircache.NewIndexedCache(dc.Store, cache.IndexedCacheParameters[string, string]{
		CacheName:       f.cacheName,
		KeySerializer:   storage.StringSerializer{},
		ValueSerializer: storage.StringSerializer{},
		Decorator:       &cache.MemoryDecorator{},
	})
	if err != nil {
		return err
	}
	if err := fn(ctx, entries); err != nil {
		return err
	}
	return dc.Flush(ctx)
}

func newPutCmd() *cobra.Command {
	var flags cacheFlags
	cmd := &cobra.Command{
		Use:   "put <dir> <key> <value>",
		Short: "Store a value in a cache directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntries(cmd.Context(), args[0], &flags, func(ctx context.Context, entries cache.IndexedCache[string, string]) error {
				return entries.Put(ctx, args[1], args[2])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newGetCmd() *cobra.Command {
	var flags cacheFlags
	cmd := &cobra.Command{
		Use:   "get <dir> <key>",
		Short: "Print a value from a cache directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntries(cmd.Context(), args[0], &flags, func(ctx context.Context, entries cache.IndexedCache[string, string]) error {
				value, ok, err := entries.Get(ctx, args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: key %q", common.ErrNotFound, args[1])
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var flags cacheFlags
	cmd := &cobra.Command{
		Use:     "remove <dir> <key>",
		Aliases: []string{"rm"},
		Short:   "Remove a value from a cache directory",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEntries(cmd.Context(), args[0], &flags, func(ctx context.Context, entries cache.IndexedCache[string, string]) error {
				return entries.Remove(ctx, args[1])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"lockcache/internal/cleanup"
	"lockcache/internal/dircache"
)

type cleanupFlags struct {
	currentVersion string
	distsDir       string
	logsDir        string
	logPattern     string
	force          bool
}

// actions builds the cleanup actions for versionsDir from the flags and
// the cleanup settings.
func (f *cleanupFlags) actions(versionsDir string) (cleanup.Composite, error) {
	deleter := cleanup.NewDeleter()
	minInterval := settings.CleanupInterval()
	if f.force {
		minInterval = 0
	}
	versions, err := cleanup.NewVersionSpecificCleanupAction(cleanup.VersionSpecificOptions{
		BaseDir:           versionsDir,
		CurrentVersion:    f.currentVersion,
		Retention:         settings.Retention(),
		SnapshotRetention: settings.SnapshotRetention(),
		MinInterval:       minInterval,
		Exclude:           settings.Cleanup.Exclude,
		Deleter:           deleter,
	})
	if err != nil {
		return nil, err
	}
	actions := cleanup.Composite{versions}
	if f.distsDir != "" {
		dists, err := cleanup.NewDistributionCleanupAction(cleanup.DistributionOptions{
			DistsDir:       f.distsDir,
			VersionsDir:    versionsDir,
			CurrentVersion: f.currentVersion,
			Deleter:        deleter,
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, dists)
	}
	if f.logsDir != "" {
		logs, err := cleanup.NewLogCleanupAction(cleanup.LogOptions{
			Dir:       f.logsDir,
			Pattern:   f.logPattern,
			Retention: settings.LogRetention(),
			Deleter:   deleter,
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, logs)
	}
	return actions, nil
}

func newCleanupCmd() *cobra.Command {
	var flags cleanupFlags
	cmd := &cobra.Command{
		Use:   "cleanup <versions-dir>",
		Short: "Delete caches of older versions that are no longer used",
		Long: `Delete version directories below <versions-dir> that are older than the
current version and unused for longer than the retention. Optionally remove
distributions of deleted versions and old log files.

The current version directory is marked as used and locked while cleaning.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if flags.currentVersion == "" {
				return fmt.Errorf("--current-version is required")
			}
			versionsDir := args[0]
			actions, err := flags.actions(versionsDir)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			manager, release := newManager()
			defer release()

			currentDir := filepath.Join(versionsDir, flags.currentVersion)
			store, err := dircache.OpenStore(ctx, manager, currentDir,
				dircache.WithDisplayName("version cache "+flags.currentVersion),
				dircache.WithCleanup(actions))
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, store.Close())
			}()
			if err := cleanup.MarkUsed(currentDir); err != nil {
				return err
			}
			if !actions.RequiresCleanup() {
				fmt.Fprintf(cmd.OutOrStdout(), "Cleanup of %s is not due yet\n", versionsDir)
				return nil
			}
			if err := store.Access().Cleanup(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned up %s\n", versionsDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.currentVersion, "current-version", "", "Version whose directory is kept and marked as used")
	cmd.Flags().StringVar(&flags.distsDir, "dists-dir", "", "Directory with unpacked distributions to clean up")
	cmd.Flags().StringVar(&flags.logsDir, "logs-dir", "", "Directory with log files to clean up")
	cmd.Flags().StringVar(&flags.logPattern, "log-pattern", cleanup.DefaultLogPattern, "Pattern of log files relative to --logs-dir")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Ignore the minimum interval between cleanups")
	return cmd
}

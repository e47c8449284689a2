package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lockcache/internal/common"
	"lockcache/internal/dircache"
	"lockcache/internal/filelock"
	"lockcache/internal/util"
)

func newHoldCmd() *cobra.Command {
	var (
		flags      cacheFlags
		duration   time.Duration
		background bool
	)
	cmd := &cobra.Command{
		Use:   "hold <dir>",
		Short: "Open a cache directory and hold its lock",
		Long: `Open a cache directory and hold its lock until the duration elapses or the
process is interrupted. In on-demand mode the lock is released early when
another process asks for it, unless lock contention is disabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if background {
				return holdInBackground(cmd, args[0], &flags, duration)
			}
			return hold(cmd, args[0], &flags, duration)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "How long to hold the lock")
	cmd.Flags().BoolVar(&background, "background", false, "Hold the lock from a detached process and print its PID")
	return cmd
}

func hold(cmd *cobra.Command, dir string, flags *cacheFlags, duration time.Duration) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts, err := flags.options()
	if err != nil {
		return err
	}
	manager, release := newManager()
	defer release()

	store, err := dircache.OpenStore(ctx, manager, dir, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	wait := func(context.Context) error {
		log.Infof("[hold] holding %s for %s", store.DisplayName(), duration)
		fmt.Fprintf(cmd.OutOrStdout(), "Holding lock on %s for %s\n", store.DisplayName(), duration)
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		return nil
	}
	// On-demand stores keep the lock after the first cache action until
	// another process asks for it, but only when release requests can reach
	// them. Otherwise the lock is held by staying inside the action.
	if !settings.Lock.Contention {
		return store.UseCache(ctx, "hold "+store.DisplayName(), wait)
	}
	if err := store.UseCache(ctx, "hold "+store.DisplayName(), func(context.Context) error { return nil }); err != nil {
		return err
	}
	return wait(ctx)
}

func holdInBackground(cmd *cobra.Command, dir string, flags *cacheFlags, duration time.Duration) error {
	mode, err := filelock.ParseLockMode(flags.mode)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable: %w", err)
	}
	args := []string{"hold", dir, "--mode", flags.mode, "--duration", duration.String()}
	if flags.crossVersion {
		args = append(args, "--cross-version")
	}
	for k, v := range flags.properties {
		args = append(args, "--property", k+"="+v)
	}
	proc, err := util.StartBackgroundProcess(exe, args, nil)
	if err != nil {
		return err
	}
	pid := strconv.Itoa(proc.Pid)

	// Shared holders do not record themselves as owner.
	if mode == filelock.LockModeShared {
		fmt.Fprintln(cmd.OutOrStdout(), pid)
		return nil
	}
	manager, release := newManager()
	defer release()
	info, err := util.PollFor(cmd.Context(), util.PollConfig{Timeout: settings.LockTimeout()}, func() (filelock.LockInfo, bool, error) {
		info, _, err := manager.ReadLockInfo(dir, flags.crossVersion)
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrLockTimeout) {
			return info, false, nil
		}
		return info, err == nil && info.PID == pid, err
	})
	if err != nil {
		return fmt.Errorf("background holder (PID %s) did not acquire the lock: %w", pid, err)
	}
	log.Debugf("[hold] background holder %s owns %s for %s", pid, dir, info.Operation)
	fmt.Fprintln(cmd.OutOrStdout(), pid)
	return nil
}

func newReleaseCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "release <pid>",
		Short: "Stop a background lock holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !util.IsProcessIDRunning(args[0]) {
				return fmt.Errorf("no running process with PID %s", args[0])
			}
			pid, _ := strconv.Atoi(args[0])
			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()
			if err := util.StopProcess(ctx, proc, util.ProcessConfig{GracefulTimeout: timeout}); err != nil {
				return err
			}
			// The holder is not our child, so Wait inside StopProcess returns early.
			return util.PollUntil(ctx, util.PollConfig{Timeout: timeout}, func() bool {
				return !util.IsProcessRunning(pid)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Time to wait before killing the holder")
	return cmd
}

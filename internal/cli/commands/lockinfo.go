package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"lockcache/internal/filelock"
	"lockcache/internal/util"
)

func newLockInfoCmd() *cobra.Command {
	var crossVersion bool
	cmd := &cobra.Command{
		Use:   "lock-info <target>",
		Short: "Show the owner and state of the lock protecting a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, release := newManager()
			defer release()

			info, state, err := manager.ReadLockInfo(args[0], crossVersion)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Lock file: %s\n", filelock.LockFileFor(args[0]))
			if info.Known() {
				running := "not running"
				if util.IsProcessIDRunning(info.PID) {
					running = "running"
				}
				fmt.Fprintf(out, "Owner:     pid %s (%s)\n", info.PID, running)
				fmt.Fprintf(out, "Operation: %s\n", info.Operation)
				if info.Port > 0 {
					fmt.Fprintf(out, "Port:      %d (lock id %d)\n", info.Port, info.LockID)
				} else {
					fmt.Fprintln(out, "Port:      none, owner does not release on request")
				}
			} else {
				fmt.Fprintln(out, "Owner:     unknown")
			}
			switch {
			case state.IsInInitialState() && !filelock.IsClean(state):
				fmt.Fprintln(out, "State:     new")
			case filelock.IsClean(state):
				fmt.Fprintln(out, "State:     clean")
			default:
				fmt.Fprintln(out, "State:     dirty, last update did not complete")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&crossVersion, "cross-version", false, "Read the lock file format shared by all versions")
	return cmd
}

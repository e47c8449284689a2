package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// ProcessConfig configures process management behavior.
type ProcessConfig struct {
	GracefulTimeout time.Duration // Time to wait for graceful shutdown (default: 10s)
	PollInterval    time.Duration // Polling interval for process state (default: 100ms)
}

// StartBackgroundProcess starts a detached background process.
// The process will continue running after the parent exits.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	if env != nil {
		cmd.Env = env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return cmd.Process, nil
}

// StopProcess sends SIGTERM, then force kills if the process is still
// alive after the graceful timeout.
func StopProcess(ctx context.Context, proc *os.Process, cfg ProcessConfig) error {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	exited := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(exited)
	}()

	_ = proc.Signal(syscall.SIGTERM)

	timer := time.NewTimer(cfg.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	_ = proc.Signal(syscall.SIGKILL)
	select {
	case <-exited:
		return nil
	case <-time.After(5 * cfg.PollInterval):
		return fmt.Errorf("failed to stop process (PID %d)", proc.Pid)
	}
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, sending signal 0 checks if process exists
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// IsProcessIDRunning is IsProcessRunning for a textual PID as recorded in
// lock files. Unparseable identifiers report false.
func IsProcessIDRunning(pid string) bool {
	n, err := strconv.Atoi(pid)
	if err != nil {
		return false
	}
	return IsProcessRunning(n)
}

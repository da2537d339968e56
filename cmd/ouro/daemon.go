package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// The supervisor owns $home/ouro.pid while it runs. An exec relaunch keeps
// the PID, so the new image finds its own PID in the file and takes it over.
// An exit relaunch (code 75) removes the file on the way out and the outer
// wrapper starts a fresh process that writes it again.

// DaemonStatusValue is what `ouro status` and `ouro stop` learn from the PID
// file.
type DaemonStatusValue string

const (
	// StatusRunning: the PID file names a live process.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped: no PID file.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale: the supervisor died without cleaning up, usually a crash
	// or SIGKILL.
	StatusStale DaemonStatusValue = "stale"
)

// WritePIDFile records pid at path, creating the home directory if needed.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the supervisor PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file lives in the ouro home
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file. A missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// DaemonStatus classifies the supervisor behind pidPath. pid is 0 when
// stopped.
func DaemonStatus(pidPath string) (status DaemonStatusValue, pid int, err error) {
	pid, err = ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// acquirePIDFile claims the PID file for this process. It fails only when
// the file names another live supervisor; a stale file or one holding our own
// PID (left by an exec relaunch) is overwritten.
func acquirePIDFile(pidPath string) error {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}
	if status == StatusRunning && pid != os.Getpid() {
		return fmt.Errorf("supervisor already running (PID %d)", pid)
	}
	return WritePIDFile(pidPath, os.Getpid())
}

// StopDaemon asks the supervisor to shut down with SIGTERM. The supervisor
// snapshots its queue and stops its workers before exiting; it does not wait
// here for that to finish.
func StopDaemon(pidPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return nil
}

// SetupSignalHandler returns a context that ends on SIGTERM or SIGINT, which
// lets the control loop write its shutdown snapshot. cleanup cancels the
// context and releases the PID file, but only while the file still names this
// process: a supervisor that took over after us keeps its claim.
func SetupSignalHandler(parent context.Context, pidPath string) (shutdownCtx context.Context, cleanup func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	cleanup = func() {
		cancel()
		if pid, err := ReadPIDFile(pidPath); err == nil && pid == os.Getpid() {
			_ = RemovePIDFile(pidPath)
		}
	}
	return ctx, cleanup
}

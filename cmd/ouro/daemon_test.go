package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestDaemonLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "run", "ouro.pid")

	t.Run("WritePIDFile writes current PID", func(t *testing.T) {
		pid := os.Getpid()
		if err := WritePIDFile(pidFile, pid); err != nil {
			t.Fatalf("WritePIDFile failed: %v", err)
		}

		data, err := os.ReadFile(pidFile) //nolint:gosec // test file, path is from t.TempDir
		if err != nil {
			t.Fatalf("reading PID file: %v", err)
		}
		got, err := strconv.Atoi(string(data))
		if err != nil {
			t.Fatalf("parsing PID from file: %v", err)
		}
		if got != pid {
			t.Errorf("PID file contains %d, want %d", got, pid)
		}
		_ = os.Remove(pidFile)
	})

	t.Run("ReadPIDFile returns error for non-numeric content", func(t *testing.T) {
		badFile := filepath.Join(tmpDir, "bad.pid")
		if err := os.WriteFile(badFile, []byte("notanumber"), 0o600); err != nil {
			t.Fatalf("setup: write bad PID file: %v", err)
		}
		if _, err := ReadPIDFile(badFile); err == nil {
			t.Fatal("expected error for non-numeric PID")
		}
	})

	t.Run("DaemonStatus is stopped without a PID file", func(t *testing.T) {
		status, pid, err := DaemonStatus(filepath.Join(tmpDir, "none.pid"))
		if err != nil || status != StatusStopped || pid != 0 {
			t.Fatalf("DaemonStatus = %s, %d, %v", status, pid, err)
		}
	})

	t.Run("DaemonStatus is running for a live PID", func(t *testing.T) {
		if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
			t.Fatal(err)
		}
		defer os.Remove(pidFile)
		status, pid, err := DaemonStatus(pidFile)
		if err != nil || status != StatusRunning || pid != os.Getpid() {
			t.Fatalf("DaemonStatus = %s, %d, %v", status, pid, err)
		}
	})

	t.Run("DaemonStatus is stale for a dead PID", func(t *testing.T) {
		cmd := exec.CommandContext(context.Background(), "true")
		if err := cmd.Run(); err != nil {
			t.Fatalf("run true: %v", err)
		}
		if err := WritePIDFile(pidFile, cmd.Process.Pid); err != nil {
			t.Fatal(err)
		}
		defer os.Remove(pidFile)
		status, _, err := DaemonStatus(pidFile)
		if err != nil || status != StatusStale {
			t.Fatalf("DaemonStatus = %s, %v", status, err)
		}
	})

	t.Run("RemovePIDFile is idempotent", func(t *testing.T) {
		if err := RemovePIDFile(filepath.Join(tmpDir, "never.pid")); err != nil {
			t.Fatalf("RemovePIDFile on missing file: %v", err)
		}
	})
}

func TestAcquirePIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "ouro.pid")

	// Our own PID is what an exec relaunch leaves behind.
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if err := acquirePIDFile(pidFile); err != nil {
		t.Fatalf("acquire own PID file: %v", err)
	}

	other := exec.CommandContext(context.Background(), "sleep", "10")
	if err := other.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	defer func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	}()
	if err := WritePIDFile(pidFile, other.Process.Pid); err != nil {
		t.Fatal(err)
	}
	if err := acquirePIDFile(pidFile); err == nil {
		t.Fatal("expected error while another supervisor is alive")
	}
}

func TestSetupSignalHandlerCleanup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "ouro.pid")
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	ctx, cleanup := SetupSignalHandler(context.Background(), pidFile)
	cleanup()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by cleanup")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("PID file still present: %v", err)
	}
}

func TestSignalHandlerCleanupKeepsForeignPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "ouro.pid")
	_, cleanup := SetupSignalHandler(context.Background(), pidFile)

	// Another supervisor claimed the home while this one was shutting down.
	if err := WritePIDFile(pidFile, os.Getpid()+1); err != nil {
		t.Fatal(err)
	}
	cleanup()

	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		t.Fatalf("PID file removed: %v", err)
	}
	if pid != os.Getpid()+1 {
		t.Fatalf("pid = %d", pid)
	}
}

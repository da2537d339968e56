package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

// executeCommand runs the root command with the given args and returns stdout, stderr, and error.
func executeCommand(args ...string) (stdout string, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// isolateHome points every path at a fresh temp directory.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("OURO_HOME", home)
	t.Setenv("OURO_PID_PATH", "")
	t.Setenv("OURO_SOCKET_PATH", "")
	t.Setenv("OURO_DB_PATH", "")
	return home
}

func TestCLICommands(t *testing.T) {
	t.Run("root --help shows usage", func(t *testing.T) {
		out, _, err := executeCommand("--help")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, sub := range []string{"run", "worker", "status", "stop", "send", "replies", "logs", "init"} {
			if !strings.Contains(out, sub) {
				t.Errorf("root help missing %q:\n%s", sub, out)
			}
		}
	})

	t.Run("root --version prints version", func(t *testing.T) {
		out, _, err := executeCommand("--version")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(out, "ouro ") {
			t.Errorf("--version = %q", out)
		}
	})

	t.Run("worker requires flags", func(t *testing.T) {
		if _, _, err := executeCommand("worker", "--id", "w-01"); err == nil || !strings.Contains(err.Error(), "--socket") {
			t.Fatalf("worker without --socket: %v", err)
		}
		if _, _, err := executeCommand("worker", "--socket", "/tmp/x.sock"); err == nil || !strings.Contains(err.Error(), "--id") {
			t.Fatalf("worker without --id: %v", err)
		}
	})
}

func TestExitCode(t *testing.T) {
	if got := exitCode(fmt.Errorf("loop: %w", supervisor.ErrRelaunch)); got != protocol.ExitRestart {
		t.Errorf("relaunch exit code = %d, want %d", got, protocol.ExitRestart)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("failure exit code = %d, want 1", got)
	}
}

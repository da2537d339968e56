package supervisor

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/state"
)

// SafeRestart brings the repository in line with UnsyncedPolicy, stops
// every worker, persists a fresh session, snapshots the queue, and replaces
// the process. With UnsyncedAbort and a diverged tree it returns
// *protocol.UnsyncedError and changes nothing.
//
// Running tasks are not finished before the workers stop, so the snapshot
// carries them as interrupted and the next Boot decides whether they resume.
func (s *Supervisor) SafeRestart(ctx context.Context, reason, taskID string) error {
	if err := s.syncVCS(ctx, reason); err != nil {
		s.log.Warn("restart aborted", "reason", reason, "err", err)
		_ = s.logEvent(ctx, "restart_aborted", taskID, "", err.Error())
		return err
	}

	s.pool.KillAll()
	if s.background != nil && s.background.Running() {
		s.background.Stop()
	}

	if _, err := s.store.Update(ctx, func(r *state.Record) error {
		r.SessionID = newSessionID()
		r.RestartReason = reason
		r.RestartTaskID = taskID
		r.LastRestartAt = s.nowFunc().UTC().Format(time.RFC3339)
		return nil
	}); err != nil {
		return fmt.Errorf("persist restart state: %w", err)
	}
	s.snapshot(ctx, protocol.SnapshotPreRestartExit)
	_ = s.logEvent(ctx, "restart", taskID, "", map[string]any{"reason": reason})
	s.log.Info("restarting", "reason", reason, "task_id", taskID)

	if s.relauncher == nil {
		return ErrRelaunch
	}
	if err := s.relauncher.Relaunch(); err != nil {
		return err
	}
	return ErrRelaunch
}

// syncVCS checks the repository before a restart or at boot. A diverged
// tree is reset to DevBranch under UnsyncedReset and reported as
// *protocol.UnsyncedError under UnsyncedAbort.
func (s *Supervisor) syncVCS(ctx context.Context, reason string) error {
	if s.vcs == nil {
		return nil
	}
	st, err := s.vcs.Status(ctx)
	if err != nil {
		return fmt.Errorf("repository status: %w", err)
	}
	if st.Synced {
		return nil
	}
	if s.cfg.UnsyncedPolicy == UnsyncedAbort {
		return &protocol.UnsyncedError{Branch: st.Branch, Detail: st.Detail}
	}
	s.log.Warn("repository not synced, resetting", "branch", s.cfg.DevBranch, "detail", st.Detail, "reason", reason)
	_ = s.logEvent(ctx, "vcs_reset", "", "", map[string]any{"branch": st.Branch, "detail": st.Detail, "reason": reason})
	if err := s.vcs.CheckoutAndReset(ctx, s.cfg.DevBranch); err != nil {
		return fmt.Errorf("reset %s: %w", s.cfg.DevBranch, err)
	}
	return nil
}

// ExecRelauncher replaces the current process image with a fresh copy of
// the same binary and arguments.
type ExecRelauncher struct {
	// Path overrides os.Executable.
	Path string
	Args []string
}

// Relaunch only returns on failure.
func (r ExecRelauncher) Relaunch() error {
	path := r.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	args := r.Args
	if len(args) == 0 {
		args = os.Args
	}
	if err := syscall.Exec(path, args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}

// ExitRelauncher leaves the relaunch to an external process manager: Run
// returns ErrRelaunch and the binary exits with protocol.ExitRestart.
type ExitRelauncher struct{}

// Relaunch always returns ErrRelaunch.
func (ExitRelauncher) Relaunch() error { return ErrRelaunch }

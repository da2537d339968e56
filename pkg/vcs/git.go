// Package vcs reports and repairs the state of the agent's own repository.
// The supervisor only needs one signal from it before a restart: is the
// working tree synced with its remote.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DefaultPreflightTimeout bounds the preflight command run before a promote.
const DefaultPreflightTimeout = 90 * time.Second

// Status is a point-in-time view of the repository.
type Status struct {
	Synced   bool
	Branch   string
	Revision string
	Dirty    bool
	Ahead    int
	Detail   string
}

// Git drives the git CLI through a CommandRunner.
type Git struct {
	runner    CommandRunner
	repoDir   string
	remote    string
	preflight []string
	log       *slog.Logger

	// PreflightTimeout overrides DefaultPreflightTimeout when non-zero.
	PreflightTimeout time.Duration

	nowFunc func() time.Time
}

// NewGit creates a Git for repoDir. remote may be empty for repositories
// without an upstream; preflight, when set, must exit 0 before Promote
// pushes anything.
func NewGit(runner CommandRunner, repoDir, remote string, preflight []string, log *slog.Logger) *Git {
	return &Git{
		runner:    runner,
		repoDir:   repoDir,
		remote:    remote,
		preflight: preflight,
		log:       log.With("component", "vcs"),
		nowFunc:   time.Now,
	}
}

func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, "git", append([]string{"-C", g.repoDir}, args...)...)
	return strings.TrimSpace(string(out)), err
}

// Status reports branch, revision, uncommitted changes, and unpushed
// commits. The tree is synced when it is clean and not ahead of its remote.
func (g *Git) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error

	if st.Branch, err = g.git(ctx, "rev-parse", "--abbrev-ref", "HEAD"); err != nil {
		return Status{}, fmt.Errorf("read branch: %w", err)
	}
	if st.Revision, err = g.git(ctx, "rev-parse", "HEAD"); err != nil {
		return Status{}, fmt.Errorf("read revision: %w", err)
	}
	porcelain, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, fmt.Errorf("read worktree status: %w", err)
	}
	st.Dirty = porcelain != ""

	var reasons []string
	if st.Dirty {
		reasons = append(reasons, fmt.Sprintf("%d uncommitted paths", len(strings.Split(porcelain, "\n"))))
	}

	if g.remote != "" {
		count, err := g.git(ctx, "rev-list", "--count", g.remote+"/"+st.Branch+"..HEAD")
		if err != nil {
			// No remote-tracking branch: every local commit is unpushed.
			st.Ahead = -1
			reasons = append(reasons, "no remote branch "+g.remote+"/"+st.Branch)
		} else {
			st.Ahead, _ = strconv.Atoi(count)
			if st.Ahead > 0 {
				reasons = append(reasons, fmt.Sprintf("%d unpushed commits", st.Ahead))
			}
		}
	}

	st.Synced = len(reasons) == 0
	st.Detail = strings.Join(reasons, ", ")
	return st, nil
}

// CheckoutAndReset discards local divergence and puts branch at the remote
// head. Uncommitted work is stashed first so it can be recovered by hand.
func (g *Git) CheckoutAndReset(ctx context.Context, branch string) error {
	porcelain, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("read worktree status: %w", err)
	}
	if porcelain != "" {
		label := "ouro-rescue-" + g.nowFunc().UTC().Format("20060102T150405Z")
		if _, err := g.git(ctx, "stash", "push", "--include-untracked", "-m", label); err != nil {
			return fmt.Errorf("stash local changes: %w", err)
		}
		g.log.Warn("stashed uncommitted changes before reset", "stash", label)
	}

	target := "HEAD"
	if g.remote != "" {
		if _, err := g.git(ctx, "fetch", g.remote); err != nil {
			return fmt.Errorf("fetch %s: %w", g.remote, err)
		}
		target = g.remote + "/" + branch
		if _, err := g.git(ctx, "checkout", "-B", branch, target); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
	} else if _, err := g.git(ctx, "checkout", branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	if _, err := g.git(ctx, "reset", "--hard", target); err != nil {
		return fmt.Errorf("reset %s to %s: %w", branch, target, err)
	}
	return nil
}

// Promote pushes from onto to at the remote after the preflight command
// passes, and returns the new remote revision of to.
func (g *Git) Promote(ctx context.Context, from, to string) (string, error) {
	if g.remote == "" {
		return "", fmt.Errorf("promote %s to %s: no remote configured", from, to)
	}
	if err := g.runPreflight(ctx); err != nil {
		return "", err
	}
	if _, err := g.git(ctx, "fetch", g.remote); err != nil {
		return "", fmt.Errorf("fetch %s: %w", g.remote, err)
	}
	if _, err := g.git(ctx, "push", g.remote, from+":"+to); err != nil {
		return "", fmt.Errorf("push %s:%s: %w", from, to, err)
	}
	rev, err := g.git(ctx, "rev-parse", g.remote+"/"+to)
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", g.remote, to, err)
	}
	return rev, nil
}

func (g *Git) runPreflight(ctx context.Context) error {
	if len(g.preflight) == 0 {
		return nil
	}
	timeout := g.PreflightTimeout
	if timeout == 0 {
		timeout = DefaultPreflightTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := g.runner.Run(ctx, g.preflight[0], g.preflight[1:]...); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}
	return nil
}

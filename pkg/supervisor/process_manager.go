package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long Kill waits after SIGTERM before SIGKILL.
const killGrace = 3 * time.Second

// ExecProcessManager implements ProcessManager by spawning worker
// subprocesses and tracking them for lifecycle management.
//
// Thread-safe: all access to the process map is protected by a mutex.
type ExecProcessManager struct {
	home  string
	mu    sync.Mutex
	procs map[string]*execProcess
	wg    sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a given worker ID.
	cmdFactory func(id string) *exec.Cmd
}

// execProcess is a spawned worker. done closes when the reaper has
// collected the exit status.
type execProcess struct {
	proc *os.Process
	done chan struct{}
}

func (p *execProcess) Pid() int { return p.proc.Pid }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewWorkerProcessManager creates an ExecProcessManager that spawns
// `<self> worker --socket <socketPath> --id <id>`. When home is non-empty,
// each worker writes its output to home/workers/<id>/output.log.
func NewWorkerProcessManager(socketPath, home string) *ExecProcessManager {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return NewExecProcessManager(home, func(id string) *exec.Cmd {
		//nolint:gosec // intentionally spawning worker subprocess
		return exec.CommandContext(context.Background(), self, "worker", "--socket", socketPath, "--id", id)
	})
}

// NewExecProcessManager creates an ExecProcessManager with a custom command
// factory. Tests use it to spawn dummy commands like `sleep`.
func NewExecProcessManager(home string, factory func(id string) *exec.Cmd) *ExecProcessManager {
	return &ExecProcessManager{
		home:       home,
		procs:      make(map[string]*execProcess),
		cmdFactory: factory,
	}
}

// Spawn starts a new worker process with the given ID and tracks it.
// Each worker gets its own process group (Setpgid) so Kill can terminate
// the whole tree (worker + agent + tool descendants).
func (pm *ExecProcessManager) Spawn(id string) (WorkerProcess, error) {
	cmd := pm.cmdFactory(id)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if pm.home == "" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return pm.startAndTrack(id, cmd, nil)
	}

	logDir := filepath.Join(pm.home, "workers", id)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create worker log dir %s: %w", logDir, err)
	}

	logPath := filepath.Join(logDir, "output.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	return pm.startAndTrack(id, cmd, logFile)
}

// startAndTrack starts cmd, closes the parent's copy of logFile, tracks the
// process, and launches a reaper goroutine.
func (pm *ExecProcessManager) startAndTrack(id string, cmd *exec.Cmd, logFile *os.File) (WorkerProcess, error) {
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn worker %s: %w", id, err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}

	p := &execProcess{proc: cmd.Process, done: make(chan struct{})}

	pm.mu.Lock()
	pm.procs[id] = p
	pm.mu.Unlock()

	// Reap the child in the background to avoid zombies.
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		_ = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Kill sends SIGTERM to the worker's process group, waits a short grace
// period, and then sends SIGKILL if the process is still alive. The worker
// is removed from tracking regardless of outcome.
func (pm *ExecProcessManager) Kill(id string) error {
	pm.mu.Lock()
	p, ok := pm.procs[id]
	if !ok {
		pm.mu.Unlock()
		return fmt.Errorf("unknown worker %s", id)
	}
	delete(pm.procs, id)
	pm.mu.Unlock()

	if p.Exited() {
		return nil
	}

	pgid := p.proc.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = p.proc.Kill()
		return nil //nolint:nilerr // SIGTERM failure means process already exited; not an error
	}

	select {
	case <-p.done:
	case <-time.After(killGrace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-p.done
	}
	return nil
}

// Wait blocks until all reaper goroutines have completed.
func (pm *ExecProcessManager) Wait() {
	pm.wg.Wait()
}

// Package supervisor implements the ouro control plane: a single control loop
// that owns the task queue, the worker pool table, and every state mutation.
// Workers report over a Unix socket; their messages are funneled through one
// event queue and dispatched by type, so nothing outside the loop touches
// queue or pool state.
//
// A cycle is: poll operator messages, drain and dispatch events, replace dead
// workers, assign pending tasks to idle workers, sweep timeouts, and inject
// an evolution task when the governor allows it. The loop then waits on the
// event queue for up to LoopInterval.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"ouro/pkg/messaging"
	"ouro/pkg/protocol"
	"ouro/pkg/queue"
	"ouro/pkg/state"
	"ouro/pkg/vcs"

	"github.com/google/uuid"
)

// ErrPanicStop is returned by Run after the operator issued /panic.
var ErrPanicStop = errors.New("supervisor: stopped by operator panic")

// ErrRelaunch is returned by Run when the process must exit so an external
// supervisor can start a fresh one (restart mode "exit").
var ErrRelaunch = errors.New("supervisor: relaunch requested")

// Unsynced-tree policies applied before a restart.
const (
	UnsyncedReset = "reset"
	UnsyncedAbort = "abort"
)

// --- Interfaces for testability ---

// ProcessManager spawns and kills worker OS processes.
type ProcessManager interface {
	Spawn(id string) (WorkerProcess, error)
	Kill(id string) error
}

// WorkerProcess is a handle on a spawned worker.
type WorkerProcess interface {
	Pid() int
	Exited() bool
}

// Transport delivers supervisor messages to connected workers.
type Transport interface {
	Send(workerID string, msg protocol.Message) error
	Connected(workerID string) bool
	Disconnect(workerID string)
}

// Messenger is the operator channel.
type Messenger interface {
	Poll(ctx context.Context, cursor int64, timeout time.Duration) ([]messaging.Update, error)
	Send(ctx context.Context, channelID int64, text string) error
	SendPhoto(ctx context.Context, channelID int64, photo []byte, caption string) error
	SendTyping(ctx context.Context, channelID int64) error
}

// VCS is the agent's own repository.
type VCS interface {
	Status(ctx context.Context) (vcs.Status, error)
	CheckoutAndReset(ctx context.Context, branch string) error
	Promote(ctx context.Context, from, to string) (string, error)
}

// Relauncher replaces the running supervisor with a fresh one. It returns
// only on failure, or with ErrRelaunch when the caller must exit instead.
type Relauncher interface {
	Relaunch() error
}

// SessionStatus describes the direct session's current run.
type SessionStatus struct {
	Busy           bool
	StartedAt      time.Time
	LastProgressAt time.Time
}

// DirectSession handles operator chat in-process when direct mode is on.
type DirectSession interface {
	Submit(ctx context.Context, t protocol.Task) error
	Status() SessionStatus
	Reset(reason string)
}

// BackgroundSession is the periodic low-priority reflection loop.
type BackgroundSession interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// --- Config ---

// Config holds Supervisor configuration.
type Config struct {
	MaxWorkers        int           // Worker pool size (default 5).
	SoftTimeout       time.Duration // Heartbeat silence before one warning (default 600s).
	HardTimeout       time.Duration // Heartbeat silence before the slot is reclaimed (default 1800s).
	MaxTaskAttempts   int           // Attempts for an operator task across crashes and hard timeouts (default 2).
	ResumeInterrupted bool          // Re-derive interrupted operator tasks after a restart.
	LoopInterval      time.Duration // Upper bound on one idle wait (default 1s).
	PollTimeout       time.Duration // Operator channel long-poll timeout (default 0).

	TotalBudgetUSD    float64 // Spend ceiling; 0 disables the ceiling.
	BudgetReportEvery int     // Append the budget line every N outbound messages (default 10).

	FailureThreshold int     // Consecutive failed evolution runs before the breaker opens (default 3).
	SuccessMinCost   float64 // Evolution run must cost more than this to count as success; <= 0 disables.
	SuccessMinRounds int     // Evolution run must take at least this many rounds (default 1).
	BudgetReserveUSD float64 // Evolution pauses when the remaining budget drops to this.

	DevBranch       string // Branch the agent works on.
	StableBranch    string // Branch promoted to after preflight.
	UnsyncedPolicy  string // UnsyncedReset or UnsyncedAbort.
	DirectMode      bool   // Route plain operator chat to the direct session.
	ResultsDir      string // Per-task result records.
	StatusPath      string // status.json for `ouro status` and the dashboard.
	StatusInterval  time.Duration
	EventQueueDepth int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 5
	}
	if out.SoftTimeout == 0 {
		out.SoftTimeout = 600 * time.Second
	}
	if out.HardTimeout == 0 {
		out.HardTimeout = 1800 * time.Second
	}
	if out.MaxTaskAttempts <= 0 {
		out.MaxTaskAttempts = 2
	}
	if out.LoopInterval == 0 {
		out.LoopInterval = time.Second
	}
	if out.BudgetReportEvery <= 0 {
		out.BudgetReportEvery = 10
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 3
	}
	if out.SuccessMinRounds <= 0 {
		out.SuccessMinRounds = 1
	}
	if out.DevBranch == "" {
		out.DevBranch = "ouroboros"
	}
	if out.StableBranch == "" {
		out.StableBranch = "ouroboros-stable"
	}
	if out.UnsyncedPolicy == "" {
		out.UnsyncedPolicy = UnsyncedReset
	}
	if out.StatusInterval == 0 {
		out.StatusInterval = 5 * time.Second
	}
	return out
}

// Deps are the collaborators a Supervisor drives. Direct and Background may
// be nil.
type Deps struct {
	Queue      *queue.Queue
	Store      *state.Store
	Events     *EventQueue
	Processes  ProcessManager
	Transport  Transport
	Messenger  Messenger
	VCS        VCS
	Relauncher Relauncher
	Direct     DirectSession
	Background BackgroundSession
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Supervisor owns the control loop. Everything except the event queue and
// the collaborators' internals is touched only from the loop goroutine.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	queue      *queue.Queue
	store      *state.Store
	events     *EventQueue
	pool       *Pool
	transport  Transport
	messenger  Messenger
	vcs        VCS
	relauncher Relauncher
	direct     DirectSession
	background BackgroundSession
	metrics    *Metrics

	handlers map[protocol.MessageType]handlerFunc

	startTime       time.Time
	lastStatusWrite time.Time

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// newID generates task IDs.
	newID func() string
}

// New wires a Supervisor. It does not start anything; call Boot then Run.
func New(cfg Config, deps Deps) *Supervisor {
	resolved := cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = NewEventQueue(resolved.EventQueueDepth)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Supervisor{
		cfg:        resolved,
		log:        log.With("component", "supervisor"),
		queue:      deps.Queue,
		store:      deps.Store,
		events:     events,
		transport:  deps.Transport,
		messenger:  deps.Messenger,
		vcs:        deps.VCS,
		relauncher: deps.Relauncher,
		direct:     deps.Direct,
		background: deps.Background,
		metrics:    metrics,
		nowFunc:    time.Now,
		newID:      newTaskID,
	}
	s.pool = newPool(deps.Processes, deps.Transport, log)
	s.handlers = s.buildHandlers()
	return s
}

// Events returns the queue workers and internal producers push onto.
func (s *Supervisor) Events() *EventQueue { return s.events }

func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Boot brings the supervisor up after a fresh start or a restart: restore
// the queue snapshot, sync the repository, start the worker pool, and
// resume interrupted work.
func (s *Supervisor) Boot(ctx context.Context) error {
	s.startTime = s.nowFunc()

	restored, err := s.queue.Restore()
	if err != nil {
		// A corrupt snapshot must not keep the agent down.
		s.log.Error("restore queue snapshot", "err", err)
		_ = s.logEvent(ctx, "snapshot_restore_failed", "", "", err.Error())
	}

	if err := s.syncVCS(ctx, "bootstrap"); err != nil {
		var unsynced *protocol.UnsyncedError
		if !errors.As(err, &unsynced) {
			return fmt.Errorf("bootstrap vcs sync: %w", err)
		}
		s.log.Warn("starting with unsynced repository", "err", err)
	}
	s.recordRevision(ctx)

	s.pool.KillAll()
	if err := s.pool.Spawn(s.cfg.MaxWorkers); err != nil {
		return fmt.Errorf("spawn workers: %w", err)
	}
	s.metrics.WorkerSlots.Set(float64(s.pool.Size()))

	rec, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	resumed, dropped := s.resumeInterrupted(ctx, rec)

	s.snapshot(ctx, protocol.SnapshotStartup)

	switch {
	case rec.RestartReason != "":
		s.notifyOwner(ctx, fmt.Sprintf("♻️ Restarted (%s). Restored %d pending, resumed %d interrupted, dropped %d.",
			rec.RestartReason, restored, resumed, dropped))
	case restored > 0 || resumed > 0:
		s.notifyOwner(ctx, fmt.Sprintf("♻️ Restored pending queue from snapshot: %d tasks, resumed %d interrupted.",
			restored, resumed))
	}

	if _, err := s.store.Update(ctx, func(r *state.Record) error {
		if r.SessionID == "" {
			r.SessionID = newSessionID()
		}
		r.RestartReason = ""
		r.RestartTaskID = ""
		return nil
	}); err != nil {
		return fmt.Errorf("clear restart reason: %w", err)
	}

	if rec.BackgroundModeEnabled && s.background != nil {
		if err := s.background.Start(ctx); err != nil {
			s.log.Warn("start background session", "err", err)
		}
	}

	_ = s.logEvent(ctx, "supervisor_start", "", "", map[string]any{
		"branch":      rec.CurrentBranch,
		"max_workers": s.cfg.MaxWorkers,
		"restored":    restored,
		"resumed":     resumed,
	})
	s.log.Info("supervisor booted", "workers", s.pool.Size(), "pending", s.queue.Len(), "restored", restored, "resumed", resumed)
	s.writeStatus(ctx, true)
	return nil
}

// resumeInterrupted re-derives tasks that were running when the previous
// process stopped. Operator tasks come back once (subject to the attempt
// limit) except the one whose own request caused the restart; other kinds
// are dropped.
func (s *Supervisor) resumeInterrupted(ctx context.Context, rec state.Record) (resumed, dropped int) {
	interrupted := s.queue.TakeInterrupted()
	if len(interrupted) == 0 {
		return 0, 0
	}
	var droppedIDs []string
	for _, t := range interrupted {
		if !s.cfg.ResumeInterrupted || t.Kind != protocol.TaskOperator || t.ID == rec.RestartTaskID {
			droppedIDs = append(droppedIDs, t.ID)
			continue
		}
		t.Attempt++
		if t.Attempt >= s.cfg.MaxTaskAttempts {
			droppedIDs = append(droppedIDs, t.ID)
			continue
		}
		if err := s.queue.Enqueue(t); err != nil {
			s.log.Warn("resume interrupted task", "task_id", t.ID, "err", err)
			droppedIDs = append(droppedIDs, t.ID)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.snapshot(ctx, protocol.SnapshotResumeRecovered)
	}
	if len(droppedIDs) > 0 {
		s.notifyOwner(ctx, "⚠️ Interrupted tasks not resumed: "+strings.Join(droppedIDs, ", "))
	}
	return resumed, len(droppedIDs)
}

// Run drives the control loop until ctx ends, the operator panics, or a
// restart requires the process to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.cycle(ctx); err != nil {
			s.shutdown(err)
			return err
		}
		if ctx.Err() != nil {
			s.shutdown(nil)
			return nil
		}
		if msg, ok := s.events.Next(ctx, s.cfg.LoopInterval); ok {
			if err := s.Dispatch(ctx, msg); err != nil {
				s.shutdown(err)
				return err
			}
		}
	}
}

// cycle runs one pass of the control loop. Only stop errors escape.
func (s *Supervisor) cycle(ctx context.Context) error {
	if err := s.PollOperator(ctx); err != nil {
		return err
	}
	if err := s.DrainEvents(ctx); err != nil {
		return err
	}
	s.EnsureHealthy(ctx)
	s.AssignTasks(ctx)
	s.EnforceTimeouts(ctx)
	s.MaybeInjectEvolution(ctx)
	s.updateGauges()
	s.writeStatus(ctx, false)
	return nil
}

// DrainEvents dispatches every event currently queued without blocking.
func (s *Supervisor) DrainEvents(ctx context.Context) error {
	for {
		msg, ok := s.events.Next(ctx, 0)
		if !ok {
			return nil
		}
		if err := s.Dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

// shutdown stops the background session and the workers. The queue snapshot
// keeps running tasks as interrupted for the next boot. A relaunch already
// wrote its own snapshot before the workers stopped, so it is left alone.
func (s *Supervisor) shutdown(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.background != nil && s.background.Running() {
		s.background.Stop()
	}
	if !errors.Is(cause, ErrRelaunch) {
		s.snapshot(ctx, protocol.SnapshotShutdown)
	}
	s.pool.KillAll()
	s.writeStatus(ctx, true)
}

// recordRevision stores the repository branch and revision in state.
func (s *Supervisor) recordRevision(ctx context.Context) {
	if s.vcs == nil {
		return
	}
	st, err := s.vcs.Status(ctx)
	if err != nil {
		s.log.Warn("read repository status", "err", err)
		return
	}
	_, _ = s.store.Update(ctx, func(r *state.Record) error {
		r.CurrentBranch = st.Branch
		r.CurrentRevision = st.Revision
		return nil
	})
}

// snapshot persists the queue and records an audit row. Failures are logged;
// the loop keeps going.
func (s *Supervisor) snapshot(ctx context.Context, reason string) {
	snap, err := s.queue.Snapshot(reason)
	if err != nil {
		s.log.Error("queue snapshot failed", "reason", reason, "err", err)
		return
	}
	_ = s.store.RecordSnapshot(ctx, snap.ID, reason, len(snap.Pending), len(snap.Interrupted))
}

// logEvent appends to the durable event log.
func (s *Supervisor) logEvent(ctx context.Context, evType, taskID, workerID string, payload any) error {
	return s.store.LogEvent(ctx, evType, "supervisor", taskID, workerID, payload)
}

// writeResult stores the first completion record for a task.
func (s *Supervisor) writeResult(taskID, status, result string, cost float64) {
	dir := s.cfg.ResultsDir
	if dir == "" {
		return
	}
	rec := protocol.ResultRecord{
		TaskID:  taskID,
		Status:  status,
		Result:  result,
		CostUSD: cost,
		Ts:      s.nowFunc().UTC().Format(time.RFC3339),
	}
	if _, err := state.WriteResult(dir, rec); err != nil {
		s.log.Warn("write task result", "task_id", taskID, "path", filepath.Join(dir, taskID+".json"), "err", err)
	}
}

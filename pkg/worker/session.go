package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

// DirectWorkerID identifies messages produced by the direct session.
const DirectWorkerID = "direct"

// ErrSessionBusy is returned by Session.Submit while a task is running.
var ErrSessionBusy = errors.New("direct session busy")

// Session runs operator chat tasks in-process, one at a time, outside the
// worker pool. Every message the runner emits counts as progress for the
// watchdog.
type Session struct {
	runner TaskRunner
	emit   Emit
	retry  RetryPolicy
	log    *slog.Logger

	mu             sync.Mutex
	busy           bool
	gen            int
	startedAt      time.Time
	lastProgressAt time.Time
	cancel         context.CancelFunc

	nowFunc func() time.Time
}

// NewSession creates a Session whose messages go to emit, typically the
// supervisor's event queue.
func NewSession(runner TaskRunner, emit Emit, retry RetryPolicy, log *slog.Logger) *Session {
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Session{
		runner:  runner,
		emit:    emit,
		retry:   retry,
		log:     log.With("component", "direct_session"),
		nowFunc: time.Now,
	}
}

var _ supervisor.DirectSession = (*Session)(nil)

// Submit starts t in the background and returns immediately.
func (s *Session) Submit(ctx context.Context, t protocol.Task) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.busy = true
	s.gen++
	gen := s.gen
	now := s.nowFunc()
	s.startedAt, s.lastProgressAt = now, time.Time{}
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx, gen, t)
	return nil
}

func (s *Session) run(ctx context.Context, gen int, t protocol.Task) {
	emit := func(m protocol.Message) {
		s.progress(gen)
		switch {
		case m.Usage != nil:
			m.Usage.WorkerID, m.Usage.TaskID = DirectWorkerID, t.ID
		case m.SendMessage != nil && m.SendMessage.ChannelID == 0:
			m.SendMessage.ChannelID = t.ChannelID
		case m.Heartbeat != nil:
			// Progress only; the session is not in the running map.
			return
		}
		s.emit(m)
	}

	res, err := RunWithRetry(ctx, s.runner, t, emit, s.retry, func(attempt int, wait time.Duration, err error) {
		s.log.Warn("transient failure, retrying", "task_id", t.ID, "attempt", attempt, "wait", wait, "err", err)
	})

	s.mu.Lock()
	current := s.gen == gen
	if current {
		s.busy = false
		s.cancel = nil
	}
	s.mu.Unlock()
	if !current {
		// Reset already abandoned this run.
		return
	}

	done := &protocol.DonePayload{
		WorkerID: DirectWorkerID, TaskID: t.ID, TaskKind: t.Kind,
		Status: protocol.StatusCompleted, CostUSD: res.CostUSD, TotalRounds: res.Rounds,
	}
	if err != nil {
		done.Status = protocol.StatusFailed
		done.Error = err.Error()
		s.log.Warn("direct task failed", "task_id", t.ID, "err", err)
	}
	s.emit(protocol.Message{Type: protocol.MsgDone, Done: done})
}

func (s *Session) progress(gen int) {
	s.mu.Lock()
	if s.gen == gen {
		s.lastProgressAt = s.nowFunc()
	}
	s.mu.Unlock()
}

// Status reports the current run for the watchdog.
func (s *Session) Status() supervisor.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return supervisor.SessionStatus{Busy: s.busy, StartedAt: s.startedAt, LastProgressAt: s.lastProgressAt}
}

// Reset abandons the current run and leaves the session idle.
func (s *Session) Reset(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Warn("direct session reset", "reason", reason, "was_busy", s.busy)
	s.gen++
	s.busy = false
	s.cancel = nil
	s.startedAt, s.lastProgressAt = time.Time{}, time.Time{}
}

// backgroundPrompt is the standing instruction for background runs.
const backgroundPrompt = "Background reflection: review recent events and your own state. " +
	"Message the owner only if something needs their attention."

// Background runs a low-priority reflection task every interval while
// started. It implements supervisor.BackgroundSession.
type Background struct {
	runner   TaskRunner
	emit     Emit
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ supervisor.BackgroundSession = (*Background)(nil)

// NewBackground creates a stopped Background.
func NewBackground(runner TaskRunner, emit Emit, interval time.Duration, log *slog.Logger) *Background {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Background{runner: runner, emit: emit, interval: interval, log: log.With("component", "background")}
}

// Start launches the loop. Starting a running loop is a no-op.
func (b *Background) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.loop(loopCtx, b.done)
	b.log.Info("background session started", "interval", b.interval)
	return nil
}

// Stop halts the loop and waits for an in-flight run to end.
func (b *Background) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.log.Info("background session stopped")
}

// Running reports whether the loop is started.
func (b *Background) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

func (b *Background) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runOnce(ctx)
		}
	}
}

func (b *Background) runOnce(ctx context.Context) {
	t := protocol.Task{
		ID:        "bg-" + uuid.NewString()[:8],
		Kind:      protocol.TaskReview,
		Text:      backgroundPrompt,
		CreatedAt: time.Now(),
	}
	emit := func(m protocol.Message) {
		if m.Heartbeat != nil {
			return
		}
		if m.Usage != nil {
			m.Usage.WorkerID, m.Usage.TaskID = "background", t.ID
			m.Usage.Category = "background"
		}
		b.emit(m)
	}
	if _, err := b.runner.Run(ctx, t, emit); err != nil && ctx.Err() == nil {
		b.log.Warn("background run failed", "task_id", t.ID, "err", err)
	}
}

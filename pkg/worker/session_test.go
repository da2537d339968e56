package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/worker"
)

func TestSessionRunsOneTaskAtATime(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	runner := worker.FuncRunner(func(_ context.Context, _ protocol.Task, emit worker.Emit) (worker.Result, error) {
		emit(protocol.Message{Type: protocol.MsgUsage, Usage: &protocol.UsagePayload{Usage: protocol.Usage{CostUSD: 0.2}}})
		<-release
		return worker.Result{CostUSD: 0.2, Rounds: 1}, nil
	})
	var c collector
	s := worker.NewSession(runner, c.emit, fastRetry, discardLogger())
	ctx := context.Background()

	if err := s.Submit(ctx, protocol.Task{ID: "d1", Kind: protocol.TaskOperator, ChannelID: 42, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !s.Status().LastProgressAt.IsZero() }, 2*time.Second)
	st := s.Status()
	if !st.Busy || st.StartedAt.IsZero() {
		t.Fatalf("status = %+v", st)
	}
	if err := s.Submit(ctx, protocol.Task{ID: "d2"}); !errors.Is(err, worker.ErrSessionBusy) {
		t.Fatalf("second Submit = %v", err)
	}

	close(release)
	waitFor(t, func() bool { return !s.Status().Busy }, 2*time.Second)
	waitFor(t, func() bool { return len(c.all()) == 2 }, 2*time.Second)

	msgs := c.all()
	if msgs[0].Usage.WorkerID != worker.DirectWorkerID || msgs[0].Usage.TaskID != "d1" {
		t.Fatalf("usage = %+v", msgs[0].Usage)
	}
	if msgs[1].Type != protocol.MsgDone || msgs[1].Done.Status != protocol.StatusCompleted {
		t.Fatalf("done = %+v", msgs[1])
	}
}

func TestSessionResetAbandonsRun(t *testing.T) {
	t.Parallel()
	var c collector
	s := worker.NewSession(blockingRunner(), c.emit, fastRetry, discardLogger())
	if err := s.Submit(context.Background(), protocol.Task{ID: "d1"}); err != nil {
		t.Fatal(err)
	}
	s.Reset("no progress for 31m0s")
	if st := s.Status(); st.Busy || !st.StartedAt.IsZero() {
		t.Fatalf("status after reset = %+v", st)
	}
	// The abandoned run must not report.
	time.Sleep(20 * time.Millisecond)
	if n := len(c.all()); n != 0 {
		t.Fatalf("abandoned run emitted %d messages", n)
	}
	if err := s.Submit(context.Background(), protocol.Task{ID: "d2"}); err != nil {
		t.Fatalf("Submit after reset: %v", err)
	}
}

func TestBackgroundStartStop(t *testing.T) {
	t.Parallel()
	runner := worker.FuncRunner(func(_ context.Context, task protocol.Task, emit worker.Emit) (worker.Result, error) {
		emit(protocol.Message{Type: protocol.MsgUsage, Usage: &protocol.UsagePayload{Usage: protocol.Usage{CostUSD: 0.01}}})
		return worker.Result{}, nil
	})
	var c collector
	b := worker.NewBackground(runner, c.emit, 5*time.Millisecond, discardLogger())
	if b.Running() {
		t.Fatal("new background already running")
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = b.Start(context.Background()) // no-op
	waitFor(t, func() bool { return len(c.all()) >= 2 }, 2*time.Second)
	b.Stop()
	if b.Running() {
		t.Fatal("background still running after Stop")
	}

	n := len(c.all())
	time.Sleep(20 * time.Millisecond)
	if len(c.all()) != n {
		t.Fatal("background ran after Stop")
	}
	if u := c.all()[0].Usage; u.Category != "background" || u.TaskID == "" {
		t.Fatalf("usage = %+v", u)
	}
	b.Stop() // stopping twice is safe
}

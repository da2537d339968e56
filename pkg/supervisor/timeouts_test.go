package supervisor //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"testing"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/state"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func startOne(t *testing.T, h *harness, task protocol.Task) {
	t.Helper()
	h.enqueue(t, task)
	if h.s.pool.Size() == 0 {
		h.spawn(t, 1)
	}
	h.s.AssignTasks(context.Background())
	if _, ok := h.q.Running(task.ID); !ok {
		t.Fatalf("task %s not running", task.ID)
	}
}

func TestSoftTimeoutWarnsOncePerStall(t *testing.T) {
	h := newHarness(t, Config{SoftTimeout: 600 * time.Second, HardTimeout: 1800 * time.Second})
	h.registerOwner(t)
	ctx := context.Background()
	startOne(t, h, protocol.Task{ID: "a", Kind: protocol.TaskOperator, Text: "slow job"})

	h.advance(601 * time.Second)
	h.s.EnforceTimeouts(ctx)
	h.advance(60 * time.Second)
	h.s.EnforceTimeouts(ctx)

	if n := h.msg.count("has been silent"); n != 1 {
		t.Fatalf("soft warnings = %d, want 1", n)
	}
	if _, ok := h.q.Running("a"); !ok {
		t.Fatal("soft timeout must not reclaim")
	}

	// Progress re-arms the warning.
	h.dispatch(t, heartbeatMsg("w-01", "a", "thinking"))
	h.advance(601 * time.Second)
	h.s.EnforceTimeouts(ctx)
	if n := h.msg.count("has been silent"); n != 2 {
		t.Fatalf("soft warnings after progress = %d, want 2", n)
	}
}

func TestHardTimeoutRequeuesOperatorTaskOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.registerOwner(t)
	ctx := context.Background()
	startOne(t, h, protocol.Task{ID: "a", Kind: protocol.TaskOperator, Text: "slow job"})
	firstPID := h.s.pool.slot("w-01").proc.Pid()

	h.advance(1801 * time.Second)
	h.s.EnforceTimeouts(ctx)

	if h.q.RunningLen() != 0 {
		t.Fatal("hard timeout did not reclaim")
	}
	pending := h.q.Pending()
	if len(pending) != 1 || pending[0].ID != "a" || pending[0].Attempt != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if sl := h.s.pool.slot("w-01"); sl.taskID != "" || sl.proc.Pid() == firstPID {
		t.Fatal("slot not freed and respawned")
	}
	if h.snapshotReason(t) != protocol.SnapshotTimeout {
		t.Fatalf("snapshot reason = %q", h.snapshotReason(t))
	}
	if got := testutil.ToFloat64(h.s.metrics.Timeouts.WithLabelValues("hard")); got != 1 {
		t.Fatalf("hard timeouts = %v", got)
	}

	// A second sweep at the same instant reclaims nothing more.
	h.s.EnforceTimeouts(ctx)
	if got := testutil.ToFloat64(h.s.metrics.Timeouts.WithLabelValues("hard")); got != 1 {
		t.Fatalf("hard timeouts after resweep = %v", got)
	}

	// Second hard timeout exhausts the attempts.
	h.s.AssignTasks(ctx)
	h.advance(1801 * time.Second)
	h.s.EnforceTimeouts(ctx)
	if h.q.Has("a") {
		t.Fatal("task should be dropped after the last attempt")
	}
	rec, err := state.ReadResult(h.s.cfg.ResultsDir, "a")
	if err != nil || rec.Status != protocol.StatusFailed {
		t.Fatalf("result = %+v, %v", rec, err)
	}
}

func TestHardTimeoutDiscardsEvolutionAndCountsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.registerOwner(t)
	h.update(t, func(r *state.Record) { r.EvolutionModeEnabled = true })
	ctx := context.Background()
	startOne(t, h, protocol.Task{ID: "evo1", Kind: protocol.TaskEvolution, Text: "EVOLUTION #1"})

	h.advance(1801 * time.Second)
	h.s.EnforceTimeouts(ctx)

	if h.q.Has("evo1") {
		t.Fatal("evolution task should be discarded")
	}
	if rec := h.record(t); rec.EvolutionConsecutiveFailures != 1 {
		t.Fatalf("failures = %d, want 1", rec.EvolutionConsecutiveFailures)
	}
}

func TestHardTimeoutDiscardsReview(t *testing.T) {
	h := newHarness(t, Config{})
	h.registerOwner(t)
	startOne(t, h, protocol.Task{ID: "r1", Kind: protocol.TaskReview, Text: "review code"})

	h.advance(1801 * time.Second)
	h.s.EnforceTimeouts(context.Background())
	if h.q.Has("r1") {
		t.Fatal("review task should be discarded")
	}
}

func TestCancelledTaskReclaimedAfterHardTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	h.registerOwner(t)
	ctx := context.Background()
	startOne(t, h, protocol.Task{ID: "a", Kind: protocol.TaskOperator, Text: "slow job"})

	h.s.CancelTask(ctx, "a")
	h.advance(10 * time.Minute)
	h.dispatch(t, heartbeatMsg("w-01", "a", "still going"))
	h.s.EnforceTimeouts(ctx)
	if _, ok := h.q.Running("a"); !ok {
		t.Fatal("cancelled task reclaimed too early")
	}

	h.advance(21 * time.Minute)
	h.dispatch(t, heartbeatMsg("w-01", "a", "still going"))
	h.s.EnforceTimeouts(ctx)
	if h.q.Has("a") {
		t.Fatal("cancelled task should be reclaimed without requeue")
	}
	rec, err := state.ReadResult(h.s.cfg.ResultsDir, "a")
	if err != nil || rec.Status != protocol.StatusCancelled {
		t.Fatalf("result = %+v, %v", rec, err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.enqueue(t, protocol.Task{ID: "a", Kind: protocol.TaskOperator, Text: "queued job"})
	if !h.s.CancelTask(context.Background(), "a") {
		t.Fatal("CancelTask(pending) = false")
	}
	if h.q.Len() != 0 || h.snapshotReason(t) != protocol.SnapshotCancel {
		t.Fatalf("pending=%d reason=%q", h.q.Len(), h.snapshotReason(t))
	}
	if h.s.CancelTask(context.Background(), "nope") {
		t.Fatal("CancelTask(unknown) = true")
	}
}

package supervisor

import (
	"context"
	"fmt"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/queue"
)

// EnforceTimeouts sweeps running tasks. A task silent for SoftTimeout gets
// one owner warning per stall. A task silent for HardTimeout, or cancelled
// more than HardTimeout ago, loses its worker: the slot is respawned and the
// task is retried (operator tasks) or discarded.
func (s *Supervisor) EnforceTimeouts(ctx context.Context) {
	now := s.nowFunc()
	reclaimed := false
	for _, e := range s.queue.RunningEntries() {
		idle := e.Idle(now)
		switch {
		case !e.CancelRequestedAt.IsZero():
			if now.Sub(e.CancelRequestedAt) < s.cfg.HardTimeout && idle < s.cfg.HardTimeout {
				continue
			}
			s.reclaim(ctx, e, "cancel_timeout")
			s.writeResult(e.Task.ID, protocol.StatusCancelled, "cancelled; worker did not stop", 0)
			s.metrics.Completed.WithLabelValues(string(e.Task.Kind), protocol.StatusCancelled).Inc()
			reclaimed = true

		case idle >= s.cfg.HardTimeout:
			s.reclaim(ctx, e, "hard")
			s.hardTimeoutPolicy(ctx, e, idle)
			reclaimed = true

		case idle >= s.cfg.SoftTimeout && !e.SoftWarned:
			e.SoftWarned = true
			s.metrics.Timeouts.WithLabelValues("soft").Inc()
			s.log.Warn("task soft timeout", "task_id", e.Task.ID, "worker_id", e.WorkerID, "idle", idle.Round(time.Second))
			_ = s.logEvent(ctx, "task_soft_timeout", e.Task.ID, e.WorkerID, map[string]any{"idle_sec": int(idle.Seconds()), "phase": e.Phase})
			s.notifyOwner(ctx, fmt.Sprintf("⏱️ Task %s has been silent for %s (phase: %s, worker %s).",
				e.Task.ID, idle.Round(time.Second), phaseOrUnknown(e.Phase), e.WorkerID))
		}
	}
	if reclaimed {
		s.snapshot(ctx, protocol.SnapshotTimeout)
	}
}

// reclaim removes e from the running map and replaces its worker process.
func (s *Supervisor) reclaim(ctx context.Context, e *queue.RunningEntry, kind string) {
	s.queue.Finish(e.Task.ID)
	// A slot that no longer holds the task is serving other work.
	if s.pool.release(e.WorkerID, e.Task.ID) {
		if err := s.pool.Respawn(e.WorkerID); err != nil {
			// EnsureHealthy retries on the next cycle.
			s.log.Error("respawn after timeout", "worker_id", e.WorkerID, "err", err)
		} else {
			s.metrics.WorkerRespawns.Inc()
		}
	}
	s.metrics.Timeouts.WithLabelValues(kind).Inc()
	s.log.Warn("task reclaimed", "task_id", e.Task.ID, "worker_id", e.WorkerID, "reason", kind)
	_ = s.logEvent(ctx, "task_hard_timeout", e.Task.ID, e.WorkerID, map[string]any{"reason": kind, "phase": e.Phase})
}

func (s *Supervisor) hardTimeoutPolicy(ctx context.Context, e *queue.RunningEntry, idle time.Duration) {
	why := fmt.Sprintf("hit the hard timeout after %s without a heartbeat", idle.Round(time.Second))
	switch e.Task.Kind {
	case protocol.TaskOperator:
		s.retryOrDrop(ctx, e.Task, why)
	case protocol.TaskEvolution:
		s.writeResult(e.Task.ID, protocol.StatusFailed, why, 0)
		s.metrics.Completed.WithLabelValues(string(e.Task.Kind), protocol.StatusFailed).Inc()
		if err := s.RecordEvolutionOutcome(ctx, 0, 0); err != nil {
			s.log.Warn("record evolution timeout", "err", err)
		}
		s.notifyOwner(ctx, fmt.Sprintf("❌ Evolution task %s %s; discarded.", e.Task.ID, why))
	default:
		s.writeResult(e.Task.ID, protocol.StatusFailed, why, 0)
		s.metrics.Completed.WithLabelValues(string(e.Task.Kind), protocol.StatusFailed).Inc()
		s.notifyOwner(ctx, fmt.Sprintf("❌ %s task %s %s; discarded.", e.Task.Kind, e.Task.ID, why))
	}
}

func phaseOrUnknown(p string) string {
	if p == "" {
		return "unknown"
	}
	return p
}

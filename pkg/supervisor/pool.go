package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ouro/pkg/protocol"
)

// slot is one worker position in the pool. The process handle is owned by
// the slot; taskID is set while a task is assigned.
type slot struct {
	id     string
	proc   WorkerProcess
	taskID string
}

func (sl *slot) alive() bool { return sl.proc != nil && !sl.proc.Exited() }

// Pool is the fixed-size table of worker slots. It is owned by the control
// loop and carries no lock.
type Pool struct {
	pm        ProcessManager
	transport Transport
	log       *slog.Logger
	slots     []*slot
}

func newPool(pm ProcessManager, transport Transport, log *slog.Logger) *Pool {
	return &Pool{pm: pm, transport: transport, log: log.With("component", "pool")}
}

func slotID(n int) string { return fmt.Sprintf("w-%02d", n) }

// Spawn starts n worker processes in slots w-01..w-n. Existing slots are
// left alone. All spawn errors are joined; slots that did start are kept.
func (p *Pool) Spawn(n int) error {
	var errs []error
	for i := len(p.slots) + 1; i <= n; i++ {
		sl := &slot{id: slotID(i)}
		proc, err := p.pm.Spawn(sl.id)
		if err != nil {
			errs = append(errs, err)
		}
		sl.proc = proc
		p.slots = append(p.slots, sl)
	}
	return errors.Join(errs...)
}

// KillAll terminates every worker and empties the pool. It returns the IDs
// of tasks that were assigned at the time.
func (p *Pool) KillAll() []string {
	var busy []string
	for _, sl := range p.slots {
		if sl.taskID != "" {
			busy = append(busy, sl.taskID)
		}
		p.stop(sl)
	}
	p.slots = nil
	return busy
}

// stop ends a slot's process and drops its connection.
func (p *Pool) stop(sl *slot) {
	if p.transport != nil {
		_ = p.transport.Send(sl.id, protocol.Message{Type: protocol.MsgShutdown, Shutdown: &protocol.ShutdownPayload{Reason: "stop"}})
		p.transport.Disconnect(sl.id)
	}
	if sl.proc != nil {
		if err := p.pm.Kill(sl.id); err != nil {
			p.log.Debug("kill worker", "worker_id", sl.id, "err", err)
		}
	}
	sl.proc = nil
	sl.taskID = ""
}

// Respawn replaces the process in slot id and clears its assignment.
func (p *Pool) Respawn(id string) error {
	sl := p.slot(id)
	if sl == nil {
		return fmt.Errorf("unknown worker slot %s", id)
	}
	p.stop(sl)
	proc, err := p.pm.Spawn(id)
	if err != nil {
		return fmt.Errorf("respawn %s: %w", id, err)
	}
	sl.proc = proc
	return nil
}

// Resize kills every worker and starts n fresh ones. It returns the task IDs
// that were running so the caller can requeue them.
func (p *Pool) Resize(n int) ([]string, error) {
	busy := p.KillAll()
	return busy, p.Spawn(n)
}

func (p *Pool) slot(id string) *slot {
	for _, sl := range p.slots {
		if sl.id == id {
			return sl
		}
	}
	return nil
}

// idle returns live, connected slots with no task, in slot order.
func (p *Pool) idle() []*slot {
	var out []*slot
	for _, sl := range p.slots {
		if sl.taskID == "" && sl.alive() && p.transport.Connected(sl.id) {
			out = append(out, sl)
		}
	}
	return out
}

// dead returns slots whose process is gone.
func (p *Pool) dead() []*slot {
	var out []*slot
	for _, sl := range p.slots {
		if !sl.alive() {
			out = append(out, sl)
		}
	}
	return out
}

func (p *Pool) assign(id, taskID string) {
	if sl := p.slot(id); sl != nil {
		sl.taskID = taskID
	}
}

// release clears the assignment on id if it still holds taskID.
func (p *Pool) release(id, taskID string) bool {
	sl := p.slot(id)
	if sl == nil || sl.taskID != taskID {
		return false
	}
	sl.taskID = ""
	return true
}

// Size is the number of slots.
func (p *Pool) Size() int { return len(p.slots) }

// Busy is the number of slots with an assigned task.
func (p *Pool) Busy() int {
	n := 0
	for _, sl := range p.slots {
		if sl.taskID != "" {
			n++
		}
	}
	return n
}

// WorkerStatus is a read-only copy of a slot for status output.
type WorkerStatus struct {
	ID        string `json:"id"`
	PID       int    `json:"pid"`
	Alive     bool   `json:"alive"`
	Connected bool   `json:"connected"`
	TaskID    string `json:"task_id,omitempty"`
}

func (p *Pool) views() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(p.slots))
	for _, sl := range p.slots {
		v := WorkerStatus{ID: sl.id, Alive: sl.alive(), TaskID: sl.taskID}
		if sl.proc != nil {
			v.PID = sl.proc.Pid()
		}
		if p.transport != nil {
			v.Connected = p.transport.Connected(sl.id)
		}
		out = append(out, v)
	}
	return out
}

// --- Supervisor operations on the pool ---

// AssignTasks hands the head of the pending list to each idle worker.
func (s *Supervisor) AssignTasks(ctx context.Context) {
	assigned := 0
	for _, sl := range s.pool.idle() {
		t, ok := s.queue.Pop()
		if !ok {
			break
		}
		msg := protocol.Message{Type: protocol.MsgAssign, Assign: &protocol.AssignPayload{Task: t}}
		if err := s.transport.Send(sl.id, msg); err != nil {
			s.log.Warn("assign failed, requeueing", "task_id", t.ID, "worker_id", sl.id, "err", err)
			s.queue.Requeue(t)
			continue
		}
		s.queue.Start(t, sl.id)
		s.pool.assign(sl.id, t.ID)
		assigned++
		s.log.Info("task assigned", "task_id", t.ID, "kind", t.Kind, "worker_id", sl.id)
		_ = s.logEvent(ctx, "task_assigned", t.ID, sl.id, map[string]any{"kind": t.Kind, "attempt": t.Attempt})
	}
	if assigned > 0 {
		s.snapshot(ctx, protocol.SnapshotAssign)
	}
}

// EnsureHealthy respawns dead workers. A task held by a dead worker is
// taken off the slot and requeued at the front of its class before the
// respawn, so a failed spawn cannot strand it. Crashes never drop a task.
func (s *Supervisor) EnsureHealthy(ctx context.Context) {
	changed := false
	for _, sl := range s.pool.dead() {
		taskID := sl.taskID
		if taskID != "" {
			s.pool.release(sl.id, taskID)
			if e, ok := s.queue.Finish(taskID); ok {
				s.queue.Requeue(e.Task)
				s.log.Warn("worker died, task requeued", "worker_id", sl.id, "task_id", taskID)
				_ = s.logEvent(ctx, "task_requeued", taskID, sl.id, map[string]any{"reason": "worker crashed"})
				s.notifyOwner(ctx, fmt.Sprintf("🔁 Task %s lost its worker %s; requeued.", taskID, sl.id))
			}
			changed = true
		}
		if err := s.pool.Respawn(sl.id); err != nil {
			s.log.Error("respawn worker", "worker_id", sl.id, "err", err)
			continue
		}
		s.metrics.WorkerRespawns.Inc()
		s.log.Warn("worker died, respawned", "worker_id", sl.id)
		_ = s.logEvent(ctx, "worker_respawned", taskID, sl.id, "")
	}
	if changed {
		s.snapshot(ctx, protocol.SnapshotWorkerRespawn)
	}
}

// retryOrDrop requeues t at the front of its class while it has attempts
// left, and otherwise records it as failed and tells the owner.
func (s *Supervisor) retryOrDrop(ctx context.Context, t protocol.Task, why string) bool {
	t.Attempt++
	if t.Attempt < s.cfg.MaxTaskAttempts {
		s.queue.Requeue(t)
		s.notifyOwner(ctx, fmt.Sprintf("🔁 Task %s %s; requeued (attempt %d/%d).", t.ID, why, t.Attempt+1, s.cfg.MaxTaskAttempts))
		return true
	}
	s.writeResult(t.ID, protocol.StatusFailed, why, 0)
	s.metrics.Completed.WithLabelValues(string(t.Kind), protocol.StatusFailed).Inc()
	s.notifyOwner(ctx, fmt.Sprintf("❌ Task %s %s; giving up after %d attempts.", t.ID, why, t.Attempt))
	return false
}

// Resize changes the pool to n workers. Running tasks are requeued at the
// front of their class.
func (s *Supervisor) Resize(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", n)
	}
	busy, err := s.pool.Resize(n)
	for _, id := range busy {
		if e, ok := s.queue.Finish(id); ok {
			s.queue.Requeue(e.Task)
		}
	}
	s.cfg.MaxWorkers = n
	s.metrics.WorkerSlots.Set(float64(s.pool.Size()))
	s.snapshot(ctx, protocol.SnapshotResize)
	_ = s.logEvent(ctx, "pool_resized", "", "", map[string]any{"workers": n, "requeued": len(busy)})
	return err
}

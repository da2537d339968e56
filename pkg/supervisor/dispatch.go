package supervisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime/debug"

	"ouro/pkg/protocol"
)

// handlerFunc processes one validated event. Returning a stop error
// (ErrPanicStop, ErrRelaunch) ends the control loop; any other error is
// logged and the loop continues.
type handlerFunc func(ctx context.Context, msg protocol.Message) error

func (s *Supervisor) buildHandlers() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.MsgHello:            s.handleHello,
		protocol.MsgUsage:            s.handleUsage,
		protocol.MsgHeartbeat:        s.handleHeartbeat,
		protocol.MsgDone:             s.handleDone,
		protocol.MsgSendMessage:      s.handleSendMessage,
		protocol.MsgSendPhoto:        s.handleSendPhoto,
		protocol.MsgTyping:           s.handleTyping,
		protocol.MsgRestartRequest:   s.handleRestartRequest,
		protocol.MsgScheduleTask:     s.handleScheduleTask,
		protocol.MsgCancelTask:       s.handleCancelTask,
		protocol.MsgToggleEvolution:  s.handleToggleEvolution,
		protocol.MsgToggleBackground: s.handleToggleBackground,
		protocol.MsgReviewRequest:    s.handleReviewRequest,
		protocol.MsgTaskMetrics:      s.handleTaskMetrics,
		protocol.MsgPromote:          s.handlePromote,
		protocol.MsgStatusReport:     s.handleStatusReport,
	}
}

func isStop(err error) bool {
	return errors.Is(err, ErrPanicStop) || errors.Is(err, ErrRelaunch)
}

// Dispatch validates msg and runs its handler. Malformed and unknown events
// are logged and dropped. A handler that fails or panics is logged and does
// not affect later events. Only stop errors are returned.
func (s *Supervisor) Dispatch(ctx context.Context, msg protocol.Message) (err error) {
	if verr := msg.Validate(); verr != nil {
		s.metrics.HandlerErrors.WithLabelValues(string(msg.Type)).Inc()
		s.log.Warn("dropping malformed event", "type", msg.Type, "err", verr)
		_ = s.logEvent(ctx, "event_dropped", msg.TaskID(), msg.WorkerID(), verr.Error())
		return nil
	}
	h, ok := s.handlers[msg.Type]
	if !ok {
		// Valid but supervisor-bound only (ASSIGN, CANCEL, SHUTDOWN).
		s.log.Warn("dropping event with no handler", "type", msg.Type)
		_ = s.logEvent(ctx, "event_dropped", msg.TaskID(), msg.WorkerID(), "no handler for "+string(msg.Type))
		return nil
	}
	s.metrics.EventsDispatched.WithLabelValues(string(msg.Type)).Inc()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.HandlerErrors.WithLabelValues(string(msg.Type)).Inc()
			s.log.Error("event handler panicked", "event", msg.String(), "panic", r, "stack", string(debug.Stack()))
			_ = s.logEvent(ctx, "handler_error", msg.TaskID(), msg.WorkerID(), fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	if herr := h(ctx, msg); herr != nil {
		if isStop(herr) {
			return herr
		}
		s.metrics.HandlerErrors.WithLabelValues(string(msg.Type)).Inc()
		s.log.Warn("event handler failed", "event", msg.String(), "err", herr)
		_ = s.logEvent(ctx, "handler_error", msg.TaskID(), msg.WorkerID(), herr.Error())
	}
	return nil
}

// --- Handlers ---

func (s *Supervisor) handleHello(ctx context.Context, msg protocol.Message) error {
	h := msg.Hello
	s.log.Info("worker connected", "worker_id", h.WorkerID, "pid", h.PID, "task_id", h.TaskID)
	_ = s.logEvent(ctx, "worker_connected", h.TaskID, h.WorkerID, map[string]any{"pid": h.PID})

	// A worker reconnecting mid-task keeps its assignment; a reconnect that
	// names a task we no longer track is told to drop it.
	if h.TaskID == "" {
		return nil
	}
	if e, ok := s.queue.Running(h.TaskID); ok && e.WorkerID == h.WorkerID {
		s.queue.Heartbeat(h.TaskID, "reconnected")
		return nil
	}
	return s.transport.Send(h.WorkerID, protocol.Message{Type: protocol.MsgCancel, Cancel: &protocol.CancelPayload{TaskID: h.TaskID}})
}

func (s *Supervisor) handleUsage(ctx context.Context, msg protocol.Message) error {
	u := msg.Usage
	if err := s.RecordUsage(ctx, u.Usage); err != nil {
		return err
	}
	_ = s.logEvent(ctx, "llm_usage", u.TaskID, u.WorkerID, u)
	return nil
}

func (s *Supervisor) handleHeartbeat(_ context.Context, msg protocol.Message) error {
	hb := msg.Heartbeat
	if !s.queue.Heartbeat(hb.TaskID, hb.Phase) {
		s.log.Debug("heartbeat for task not running", "task_id", hb.TaskID, "worker_id", hb.WorkerID)
	}
	return nil
}

func (s *Supervisor) handleDone(ctx context.Context, msg protocol.Message) error {
	d := msg.Done
	e, running := s.queue.Finish(d.TaskID)

	workerID := d.WorkerID
	kind := d.TaskKind
	if running {
		workerID = e.WorkerID
		kind = e.Task.Kind
	}
	s.pool.release(workerID, d.TaskID)

	status := d.Status
	if status == "" {
		status = protocol.StatusCompleted
	}
	if running && !e.CancelRequestedAt.IsZero() && status != protocol.StatusCompleted {
		status = protocol.StatusCancelled
	}

	s.snapshot(ctx, protocol.SnapshotTaskDone)
	s.writeResult(d.TaskID, status, d.Error, d.CostUSD)
	s.metrics.Completed.WithLabelValues(string(kind), status).Inc()
	_ = s.logEvent(ctx, "task_done", d.TaskID, workerID, d)

	if !running {
		s.log.Info("done for task not running", "task_id", d.TaskID, "worker_id", workerID)
		return nil
	}
	s.log.Info("task done", "task_id", d.TaskID, "kind", kind, "status", status, "cost_usd", d.CostUSD, "rounds", d.TotalRounds)

	if kind == protocol.TaskEvolution {
		return s.RecordEvolutionOutcome(ctx, d.CostUSD, d.TotalRounds)
	}
	return nil
}

func (s *Supervisor) handleSendMessage(ctx context.Context, msg protocol.Message) error {
	m := msg.SendMessage
	return s.send(ctx, m.ChannelID, m.Text)
}

func (s *Supervisor) handleSendPhoto(ctx context.Context, msg protocol.Message) error {
	p := msg.SendPhoto
	photo, err := base64.StdEncoding.DecodeString(p.ImageBase64)
	if err != nil {
		return fmt.Errorf("decode photo: %w", err)
	}
	channel, err := s.resolveChannel(ctx, p.ChannelID)
	if err != nil || channel == 0 {
		return err
	}
	if err := s.messenger.SendPhoto(ctx, channel, photo, p.Caption); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

func (s *Supervisor) handleTyping(ctx context.Context, msg protocol.Message) error {
	channel, err := s.resolveChannel(ctx, msg.Typing.ChannelID)
	if err != nil || channel == 0 {
		return err
	}
	return s.messenger.SendTyping(ctx, channel)
}

func (s *Supervisor) handleRestartRequest(ctx context.Context, msg protocol.Message) error {
	r := msg.RestartRequest
	s.notifyOwner(ctx, "♻️ Restart requested by agent: "+r.Reason)
	err := s.SafeRestart(ctx, "agent_restart_request: "+r.Reason, r.TaskID)
	var unsynced *protocol.UnsyncedError
	if errors.As(err, &unsynced) {
		s.notifyOwner(ctx, "⚠️ Restart skipped: "+unsynced.Error())
		return nil
	}
	return err
}

func (s *Supervisor) handleScheduleTask(ctx context.Context, msg protocol.Message) error {
	p := msg.ScheduleTask
	rec, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	t := protocol.Task{
		ID:           p.TaskID,
		Kind:         protocol.TaskOperator,
		ChannelID:    rec.OwnerChannelID,
		Text:         p.Description,
		Context:      p.Context,
		Depth:        p.Depth,
		ParentTaskID: p.ParentTaskID,
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	// The agent cannot shrink its own depth below what the queue knows.
	if parent, ok := s.queue.Running(p.ParentTaskID); ok {
		t.Depth = max(t.Depth, parent.Task.Depth+1)
	}

	if err := s.queue.EnqueueDeduped(t); err != nil {
		var rej *protocol.RejectedError
		if !errors.As(err, &rej) {
			return err
		}
		s.metrics.Rejected.WithLabelValues(string(rej.Reason)).Inc()
		s.log.Info("subtask rejected", "task_id", t.ID, "reason", rej.Reason, "err", rej)
		_ = s.logEvent(ctx, "task_rejected", t.ID, "", rej.Error())
		s.notifyOwner(ctx, rejectionText(rej))
		return nil
	}

	s.metrics.Enqueued.WithLabelValues(string(t.Kind)).Inc()
	_ = s.logEvent(ctx, "task_scheduled", t.ID, "", map[string]any{"depth": t.Depth, "parent": t.ParentTaskID})
	s.notifyOwner(ctx, fmt.Sprintf("🗓️ Scheduled task %s: %s", t.ID, p.Description))
	s.snapshot(ctx, protocol.SnapshotScheduleTask)
	return nil
}

func rejectionText(rej *protocol.RejectedError) string {
	switch rej.Reason {
	case protocol.RejectDepth:
		return fmt.Sprintf("⚠️ Task rejected: subtask depth limit (%d) exceeded", protocol.MaxTaskDepth)
	case protocol.RejectDuplicate:
		return "⚠️ Task rejected: semantically similar to already active task " + rej.DuplicateOf
	default:
		return "⚠️ Task rejected: " + rej.Detail
	}
}

func (s *Supervisor) handleCancelTask(ctx context.Context, msg protocol.Message) error {
	id := msg.CancelTask.TaskID
	ok := s.CancelTask(ctx, id)
	mark := "❌"
	if ok {
		mark = "✅"
	}
	s.notifyOwner(ctx, fmt.Sprintf("%s cancel %s (event)", mark, id))
	return nil
}

func (s *Supervisor) handleToggleEvolution(ctx context.Context, msg protocol.Message) error {
	enabled := msg.ToggleEvolution.Enabled
	if err := s.SetEvolution(ctx, enabled); err != nil {
		return err
	}
	s.notifyOwner(ctx, fmt.Sprintf("🧬 Evolution: %s (via agent tool)", onOff(enabled)))
	return nil
}

func (s *Supervisor) handleToggleBackground(ctx context.Context, msg protocol.Message) error {
	enabled := msg.ToggleBackground.Enabled
	text, err := s.SetBackground(ctx, enabled)
	if err != nil {
		return err
	}
	s.notifyOwner(ctx, "🧠 "+text)
	return nil
}

func (s *Supervisor) handleReviewRequest(ctx context.Context, msg protocol.Message) error {
	reason := msg.ReviewRequest.Reason
	if reason == "" {
		reason = "agent_review_request"
	}
	s.QueueReview(ctx, reason)
	return nil
}

func (s *Supervisor) handleTaskMetrics(ctx context.Context, msg protocol.Message) error {
	m := msg.TaskMetrics
	s.metrics.TaskDuration.WithLabelValues(string(m.TaskKind)).Observe(m.DurationSec)
	return s.logEvent(ctx, "task_metrics", m.TaskID, "", m)
}

func (s *Supervisor) handlePromote(ctx context.Context, _ protocol.Message) error {
	if s.vcs == nil {
		return errors.New("promote: no repository configured")
	}
	rev, err := s.vcs.Promote(ctx, s.cfg.DevBranch, s.cfg.StableBranch)
	if err != nil {
		s.notifyOwner(ctx, "❌ Promote to stable failed: "+err.Error())
		return nil
	}
	s.notifyOwner(ctx, fmt.Sprintf("✅ Promoted: %s → %s (%s)", s.cfg.DevBranch, s.cfg.StableBranch, shortRev(rev)))
	_ = s.logEvent(ctx, "promoted", "", "", map[string]any{"revision": rev})
	return nil
}

func (s *Supervisor) handleStatusReport(ctx context.Context, msg protocol.Message) error {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	return s.send(ctx, 0, s.StatusText(rec))
}

// resolveChannel maps channel 0 to the owner's channel.
func (s *Supervisor) resolveChannel(ctx context.Context, channel int64) (int64, error) {
	if channel != 0 {
		return channel, nil
	}
	rec, err := s.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	return rec.OwnerChannelID, nil
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

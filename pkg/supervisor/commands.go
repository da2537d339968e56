package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ouro/pkg/messaging"
	"ouro/pkg/protocol"
	"ouro/pkg/state"
)

// PollOperator fetches new operator messages and handles each one. The
// cursor is persisted before a message is handled, so a crash mid-handling
// never replays it.
func (s *Supervisor) PollOperator(ctx context.Context) error {
	if s.messenger == nil {
		return nil
	}
	rec, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("load state for poll", "err", err)
		return nil
	}
	updates, err := s.messenger.Poll(ctx, rec.ChannelCursor, s.cfg.PollTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("poll operator channel", "err", err)
		}
		return nil
	}
	for _, u := range updates {
		if _, err := s.store.Update(ctx, func(r *state.Record) error {
			r.ChannelCursor = max(r.ChannelCursor, u.ID+1)
			return nil
		}); err != nil {
			s.log.Error("persist channel cursor", "update_id", u.ID, "err", err)
			return nil
		}
		if err := s.HandleOperatorText(ctx, u); err != nil {
			if isStop(err) {
				return err
			}
			s.log.Warn("operator message failed", "update_id", u.ID, "err", err)
		}
	}
	return nil
}

// HandleOperatorText handles one operator message: owner registration,
// slash directives, and plain text that becomes a task.
func (s *Supervisor) HandleOperatorText(ctx context.Context, u messaging.Update) error {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return nil
	}

	rec, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if rec.OwnerChannelID == 0 {
		rec, err = s.store.Update(ctx, func(r *state.Record) error {
			if r.OwnerChannelID == 0 {
				r.OwnerID = u.UserID
				r.OwnerChannelID = u.ChannelID
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("register owner: %w", err)
		}
		if rec.OwnerChannelID == u.ChannelID {
			s.log.Info("owner registered", "channel_id", u.ChannelID, "user_id", u.UserID)
			_ = s.logEvent(ctx, "owner_registered", "", "", map[string]any{"channel_id": u.ChannelID, "user_id": u.UserID})
			s.notifyOwner(ctx, "✅ Owner registered.")
		}
	}
	if u.ChannelID != rec.OwnerChannelID {
		s.log.Warn("message from unknown channel", "channel_id", u.ChannelID, "user_id", u.UserID)
		return s.messenger.Send(ctx, u.ChannelID, "⛔ Not authorized.")
	}

	_ = s.logEvent(ctx, "operator_message", "", "", map[string]any{"update_id": u.ID, "text": text})

	if d, arg, ok := protocol.ParseDirective(text); ok {
		return s.runDirective(ctx, d, arg)
	}
	return s.submitOperatorTask(ctx, u.ChannelID, text)
}

func (s *Supervisor) submitOperatorTask(ctx context.Context, channel int64, text string) error {
	t := protocol.Task{
		ID:        s.newID(),
		Kind:      protocol.TaskOperator,
		ChannelID: channel,
		Text:      text,
		CreatedAt: s.nowFunc(),
	}
	_ = s.messenger.SendTyping(ctx, channel)

	if s.cfg.DirectMode && s.direct != nil && !s.direct.Status().Busy {
		err := s.direct.Submit(ctx, t)
		if err == nil {
			_ = s.logEvent(ctx, "direct_submitted", t.ID, "", "")
			return nil
		}
		s.log.Warn("direct session refused task, queueing", "task_id", t.ID, "err", err)
	}

	if err := s.queue.Enqueue(t); err != nil {
		var rej *protocol.RejectedError
		if errors.As(err, &rej) {
			s.metrics.Rejected.WithLabelValues(string(rej.Reason)).Inc()
			return s.send(ctx, channel, rejectionText(rej))
		}
		return err
	}
	s.metrics.Enqueued.WithLabelValues(string(t.Kind)).Inc()
	_ = s.logEvent(ctx, "task_enqueued", t.ID, "", map[string]any{"kind": t.Kind})
	s.snapshot(ctx, protocol.SnapshotEnqueue)
	return nil
}

func (s *Supervisor) runDirective(ctx context.Context, d protocol.Directive, arg string) error {
	switch d {
	case protocol.DirectiveStatus:
		rec, err := s.store.Load(ctx)
		if err != nil {
			return err
		}
		return s.send(ctx, 0, s.StatusText(rec))

	case protocol.DirectiveEvolve:
		return s.evolveCommand(ctx, arg)

	case protocol.DirectiveBG:
		enabled := !isOff(arg)
		text, err := s.SetBackground(ctx, enabled)
		if err != nil {
			return err
		}
		return s.send(ctx, 0, "🧠 "+text)

	case protocol.DirectiveReview:
		reason := arg
		if reason == "" {
			reason = "owner request"
		}
		s.QueueReview(ctx, reason)
		return nil

	case protocol.DirectiveRestart:
		s.notifyOwner(ctx, "♻️ Restarting...")
		err := s.SafeRestart(ctx, "owner_restart", "")
		var unsynced *protocol.UnsyncedError
		if errors.As(err, &unsynced) {
			return s.send(ctx, 0, "⚠️ Restart skipped: "+unsynced.Error())
		}
		return err

	case protocol.DirectivePanic:
		s.notifyOwner(ctx, "🛑 PANIC: stopping everything now.")
		_ = s.logEvent(ctx, "panic", "", "", "")
		s.pool.KillAll()
		return ErrPanicStop

	case protocol.DirectiveCancel:
		if arg == "" {
			return s.send(ctx, 0, "Usage: /cancel <task_id>")
		}
		mark := "❌"
		if s.CancelTask(ctx, arg) {
			mark = "✅"
		}
		return s.send(ctx, 0, fmt.Sprintf("%s cancel %s", mark, arg))

	case protocol.DirectiveWorkers:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return s.send(ctx, 0, "Usage: /workers <n> (n >= 1)")
		}
		if err := s.Resize(ctx, n); err != nil {
			return s.send(ctx, 0, "⚠️ Resize incomplete: "+err.Error())
		}
		return s.send(ctx, 0, fmt.Sprintf("👷 Worker pool resized to %d.", n))
	}
	return nil
}

func (s *Supervisor) evolveCommand(ctx context.Context, arg string) error {
	rec, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	enable := !isOff(arg)
	switch {
	case enable && rec.EvolutionModeEnabled:
		return s.send(ctx, 0, "🧬 Evolution already enabled.")
	case !enable && !rec.EvolutionModeEnabled:
		return s.send(ctx, 0, "🧬 Evolution already paused.")
	}
	if err := s.SetEvolution(ctx, enable); err != nil {
		return err
	}
	if enable {
		return s.send(ctx, 0, "🧬 Evolution enabled.")
	}
	return s.send(ctx, 0, "🧬 Evolution paused.")
}

func isOff(arg string) bool {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "off", "stop", "0", "false":
		return true
	}
	return false
}

// CancelTask removes a pending task, or asks the worker running it to stop.
// A running task that ignores CANCEL is reclaimed by EnforceTimeouts.
func (s *Supervisor) CancelTask(ctx context.Context, taskID string) bool {
	if s.queue.CancelPending(taskID) {
		s.writeResult(taskID, protocol.StatusCancelled, "cancelled before start", 0)
		s.snapshot(ctx, protocol.SnapshotCancel)
		_ = s.logEvent(ctx, "task_cancelled", taskID, "", "pending")
		return true
	}
	e, ok := s.queue.Running(taskID)
	if !ok {
		return false
	}
	msg := protocol.Message{Type: protocol.MsgCancel, Cancel: &protocol.CancelPayload{TaskID: taskID}}
	if err := s.transport.Send(e.WorkerID, msg); err != nil {
		s.log.Warn("send cancel", "task_id", taskID, "worker_id", e.WorkerID, "err", err)
	}
	if e.CancelRequestedAt.IsZero() {
		e.CancelRequestedAt = s.nowFunc()
	}
	_ = s.logEvent(ctx, "task_cancel_requested", taskID, e.WorkerID, "running")
	return true
}

// QueueReview adds a review task unless one is already pending or running.
func (s *Supervisor) QueueReview(ctx context.Context, reason string) {
	if s.queue.HasKind(protocol.TaskReview) {
		s.notifyOwner(ctx, "🔎 Review already queued.")
		return
	}
	rec, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("load state for review", "err", err)
		return
	}
	t := protocol.Task{
		ID:        s.newID(),
		Kind:      protocol.TaskReview,
		ChannelID: rec.OwnerChannelID,
		Text: "Review the codebase for bugs and dead code. " +
			"Report findings with file references. Reason: " + reason,
	}
	if err := s.queue.EnqueueDeduped(t); err != nil {
		var rej *protocol.RejectedError
		if errors.As(err, &rej) {
			s.metrics.Rejected.WithLabelValues(string(rej.Reason)).Inc()
			s.notifyOwner(ctx, rejectionText(rej))
			return
		}
		s.log.Warn("queue review", "err", err)
		return
	}
	s.metrics.Enqueued.WithLabelValues(string(t.Kind)).Inc()
	_ = s.logEvent(ctx, "review_enqueued", t.ID, "", map[string]any{"reason": reason})
	s.snapshot(ctx, protocol.SnapshotEnqueue)
	s.notifyOwner(ctx, "🔎 Review queued: "+t.ID)
}

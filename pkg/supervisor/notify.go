package supervisor

import (
	"context"
	"fmt"

	"ouro/pkg/state"
)

// send delivers text to channelID, or to the owner when channelID is 0.
// Every BudgetReportEvery messages the budget line is appended. Nothing is
// sent before an owner has registered.
func (s *Supervisor) send(ctx context.Context, channelID int64, text string) error {
	channel, err := s.resolveChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel == 0 {
		s.log.Debug("no owner yet, message not sent", "text", text)
		return nil
	}

	report := false
	rec, err := s.store.Update(ctx, func(r *state.Record) error {
		r.BudgetMessagesSinceReport++
		if r.BudgetMessagesSinceReport >= s.cfg.BudgetReportEvery {
			r.BudgetMessagesSinceReport = 0
			report = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("count outbound message: %w", err)
	}
	if report {
		text += "\n\n" + s.BudgetLine(rec)
	}

	if err := s.messenger.Send(ctx, channel, text); err != nil {
		return fmt.Errorf("send to %d: %w", channel, err)
	}
	return nil
}

// notifyOwner is send to the owner with failures logged instead of returned.
func (s *Supervisor) notifyOwner(ctx context.Context, text string) {
	if s.messenger == nil {
		return
	}
	if err := s.send(ctx, 0, text); err != nil {
		s.log.Warn("notify owner", "err", err)
	}
}

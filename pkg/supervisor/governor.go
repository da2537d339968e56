package supervisor

import (
	"context"
	"fmt"

	"ouro/pkg/protocol"
	"ouro/pkg/state"
)

// RecordUsage adds one inference exchange to the spend totals. Negative
// values are ignored so the totals only grow.
func (s *Supervisor) RecordUsage(ctx context.Context, u protocol.Usage) error {
	rec, err := s.store.Update(ctx, func(r *state.Record) error {
		r.SpentCalls++
		if u.CostUSD > 0 {
			r.SpentUSD += u.CostUSD
		}
		if u.PromptTokens > 0 {
			r.SpentPromptTokens += u.PromptTokens
		}
		if u.CompletionTokens > 0 {
			r.SpentCompletionTokens += u.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	s.metrics.SpentUSD.Set(rec.SpentUSD)
	return nil
}

// evolutionSucceeded reports whether a finished evolution run did real work.
func (s *Supervisor) evolutionSucceeded(cost float64, rounds int) bool {
	if rounds < s.cfg.SuccessMinRounds {
		return false
	}
	return s.cfg.SuccessMinCost <= 0 || cost > s.cfg.SuccessMinCost
}

// RecordEvolutionOutcome feeds the circuit breaker. A success resets the
// failure count; a failure increments it, and reaching FailureThreshold
// turns evolution off until the operator turns it back on.
func (s *Supervisor) RecordEvolutionOutcome(ctx context.Context, cost float64, rounds int) error {
	success := s.evolutionSucceeded(cost, rounds)
	tripped := false
	rec, err := s.store.Update(ctx, func(r *state.Record) error {
		if success {
			r.EvolutionConsecutiveFailures = 0
			return nil
		}
		r.EvolutionConsecutiveFailures++
		if r.EvolutionConsecutiveFailures >= s.cfg.FailureThreshold && r.EvolutionModeEnabled {
			r.EvolutionModeEnabled = false
			tripped = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record evolution outcome: %w", err)
	}
	s.metrics.EvolutionFailures.Set(float64(rec.EvolutionConsecutiveFailures))
	if !success {
		s.log.Warn("evolution run did no useful work", "cost_usd", cost, "rounds", rounds, "consecutive_failures", rec.EvolutionConsecutiveFailures)
	}
	if tripped {
		purged := s.queue.PurgeKind(protocol.TaskEvolution)
		s.snapshot(ctx, protocol.SnapshotEvolveOff)
		_ = s.logEvent(ctx, "evolution_breaker_open", "", "", map[string]any{"failures": rec.EvolutionConsecutiveFailures, "purged": purged})
		s.notifyOwner(ctx, fmt.Sprintf("🧬⚠️ Evolution paused: %d consecutive runs without progress. Use /evolve on to resume.",
			rec.EvolutionConsecutiveFailures))
	}
	return nil
}

// BudgetLine renders spend against the ceiling plus the current revision.
func (s *Supervisor) BudgetLine(rec state.Record) string {
	limit := "(no limit)"
	if s.cfg.TotalBudgetUSD > 0 {
		pct := rec.SpentUSD / s.cfg.TotalBudgetUSD * 100
		limit = fmt.Sprintf("$%.2f (%.1f%%)", s.cfg.TotalBudgetUSD, pct)
	}
	return fmt.Sprintf("Budget: $%.2f / %s | %s@%s", rec.SpentUSD, limit, rec.CurrentBranch, shortRev(rec.CurrentRevision))
}

// budgetExhausted reports whether the remaining budget is at or below the
// evolution reserve.
func (s *Supervisor) budgetExhausted(rec state.Record) bool {
	if s.cfg.TotalBudgetUSD <= 0 {
		return false
	}
	return s.cfg.TotalBudgetUSD-rec.SpentUSD <= s.cfg.BudgetReserveUSD
}

// ShouldInjectEvolution reports whether a new evolution task may be queued:
// evolution is on, the breaker is closed, budget remains, no operator work
// is waiting, and no evolution task is already pending or running.
func (s *Supervisor) ShouldInjectEvolution(rec state.Record) bool {
	switch {
	case !rec.EvolutionModeEnabled:
		return false
	case rec.EvolutionConsecutiveFailures >= s.cfg.FailureThreshold:
		return false
	case s.budgetExhausted(rec):
		return false
	case s.hasPendingKind(protocol.TaskOperator):
		return false
	case s.queue.HasKind(protocol.TaskEvolution):
		return false
	}
	return true
}

func (s *Supervisor) hasPendingKind(kind protocol.TaskKind) bool {
	for _, t := range s.queue.Pending() {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// MaybeInjectEvolution queues the next evolution cycle when allowed.
func (s *Supervisor) MaybeInjectEvolution(ctx context.Context) {
	rec, err := s.store.Load(ctx)
	if err != nil {
		s.log.Warn("load state for evolution", "err", err)
		return
	}
	if !s.ShouldInjectEvolution(rec) {
		return
	}
	cycle := rec.EvolutionCycle + 1
	t := protocol.Task{
		ID:        s.newID(),
		Kind:      protocol.TaskEvolution,
		ChannelID: rec.OwnerChannelID,
		Text: fmt.Sprintf("EVOLUTION #%d\n\nReview your own code and recent results. Pick one concrete improvement, "+
			"implement it on branch %s, verify it, commit and push. Report what changed.", cycle, s.cfg.DevBranch),
	}
	if err := s.queue.EnqueueDeduped(t); err != nil {
		s.log.Info("evolution task not queued", "task_id", t.ID, "err", err)
		return
	}
	if _, err := s.store.Update(ctx, func(r *state.Record) error {
		r.EvolutionCycle = cycle
		return nil
	}); err != nil {
		s.log.Warn("bump evolution cycle", "err", err)
	}
	s.metrics.Enqueued.WithLabelValues(string(t.Kind)).Inc()
	_ = s.logEvent(ctx, "evolution_enqueued", t.ID, "", map[string]any{"cycle": cycle})
	s.snapshot(ctx, protocol.SnapshotEnqueue)
}

// SetEvolution turns evolution injection on or off. Turning it on closes
// the breaker; turning it off drops queued evolution tasks.
func (s *Supervisor) SetEvolution(ctx context.Context, enabled bool) error {
	rec, err := s.store.Update(ctx, func(r *state.Record) error {
		r.EvolutionModeEnabled = enabled
		if enabled {
			r.EvolutionConsecutiveFailures = 0
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("toggle evolution: %w", err)
	}
	s.metrics.EvolutionFailures.Set(float64(rec.EvolutionConsecutiveFailures))
	if !enabled {
		if n := s.queue.PurgeKind(protocol.TaskEvolution); n > 0 {
			s.log.Info("purged pending evolution tasks", "count", n)
		}
		s.snapshot(ctx, protocol.SnapshotEvolveOff)
	}
	_ = s.logEvent(ctx, "evolution_toggled", "", "", map[string]any{"enabled": enabled})
	return nil
}

// SetBackground starts or stops the background session and persists the
// choice. It returns a short description of what happened.
func (s *Supervisor) SetBackground(ctx context.Context, enabled bool) (string, error) {
	if _, err := s.store.Update(ctx, func(r *state.Record) error {
		r.BackgroundModeEnabled = enabled
		return nil
	}); err != nil {
		return "", fmt.Errorf("toggle background: %w", err)
	}
	_ = s.logEvent(ctx, "background_toggled", "", "", map[string]any{"enabled": enabled})
	if s.background == nil {
		return "Background session not available.", nil
	}
	switch {
	case enabled && s.background.Running():
		return "Background session already running.", nil
	case enabled:
		if err := s.background.Start(ctx); err != nil {
			return "", fmt.Errorf("start background session: %w", err)
		}
		return "Background session started.", nil
	case s.background.Running():
		s.background.Stop()
		return "Background session stopped.", nil
	default:
		return "Background session already stopped.", nil
	}
}

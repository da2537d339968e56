package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"ouro/pkg/protocol"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedules pushes synthetic events onto the event queue on cron
// schedules. Jobs run on cron's goroutines and only ever Push, so the
// control loop stays the single consumer.
type Schedules struct {
	cron   *cron.Cron
	events *EventQueue
	log    *slog.Logger
}

// NewSchedules builds the schedule set. An empty expression disables that
// job; an invalid one is an error.
func NewSchedules(events *EventQueue, statusReport, review string, log *slog.Logger) (*Schedules, error) {
	s := &Schedules{
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		events: events,
		log:    log.With("component", "schedules"),
	}
	jobs := []struct {
		name string
		expr string
		msg  protocol.Message
	}{
		{"status_report", statusReport, protocol.Message{Type: protocol.MsgStatusReport, StatusReport: &protocol.StatusReportPayload{Source: "cron"}}},
		{"review", review, protocol.Message{Type: protocol.MsgReviewRequest, ReviewRequest: &protocol.ReviewRequestPayload{Reason: "scheduled review"}}},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		msg, name := j.msg, j.name
		if _, err := s.cron.AddFunc(j.expr, func() { s.fire(name, msg) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, j.expr, err)
		}
		s.log.Info("scheduled job", "job", name, "expr", j.expr)
	}
	return s, nil
}

func (s *Schedules) fire(name string, msg protocol.Message) {
	if !s.events.TryPush(msg) {
		s.log.Warn("event queue full, scheduled job skipped", "job", name)
	}
}

// Len is the number of active jobs.
func (s *Schedules) Len() int { return len(s.cron.Entries()) }

// Run starts the scheduler and blocks until ctx is done.
func (s *Schedules) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

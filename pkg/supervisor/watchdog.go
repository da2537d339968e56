package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ouro/pkg/protocol"
)

// DefaultWatchdogInterval is how often the watchdog polls the direct session.
const DefaultWatchdogInterval = 30 * time.Second

// Watchdog monitors the direct session from its own goroutine. It never
// touches the queue or pool; warnings reach the owner as SEND_MESSAGE events
// on the supervisor's event queue.
type Watchdog struct {
	session  DirectSession
	events   *EventQueue
	soft     time.Duration
	hard     time.Duration
	interval time.Duration
	log      *slog.Logger

	// warnedStall is the LastProgressAt of the stall already warned about.
	warnedStall time.Time

	nowFunc func() time.Time
}

// NewWatchdog creates a Watchdog using the same soft and hard thresholds as
// pooled tasks.
func NewWatchdog(session DirectSession, events *EventQueue, soft, hard time.Duration, log *slog.Logger) *Watchdog {
	return &Watchdog{
		session:  session,
		events:   events,
		soft:     soft,
		hard:     hard,
		interval: DefaultWatchdogInterval,
		log:      log.With("component", "watchdog"),
		nowFunc:  time.Now,
	}
}

// SetInterval overrides the poll interval. Non-positive values are ignored.
func (w *Watchdog) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Run polls until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check inspects the session once. A stall gets one warning at the soft
// threshold; at the hard threshold the session is reset.
func (w *Watchdog) Check(ctx context.Context) {
	st := w.session.Status()
	if !st.Busy {
		w.warnedStall = time.Time{}
		return
	}
	now := w.nowFunc()
	last := st.LastProgressAt
	if last.IsZero() {
		last = st.StartedAt
	}
	idle := now.Sub(last)
	total := now.Sub(st.StartedAt)

	switch {
	case idle >= w.hard:
		w.log.Warn("direct session stalled, resetting", "idle", idle, "total", total)
		w.session.Reset(fmt.Sprintf("no progress for %s", idle.Round(time.Second)))
		w.warnedStall = time.Time{}
		w.notify(ctx, fmt.Sprintf("🛑 Direct session reset: no progress for %s (running %s).",
			idle.Round(time.Second), total.Round(time.Second)))
	case idle >= w.soft && !w.warnedStall.Equal(last):
		w.warnedStall = last
		w.log.Warn("direct session stalled", "idle", idle, "total", total)
		w.notify(ctx, fmt.Sprintf("⏱️ Direct session silent for %s (running %s).",
			idle.Round(time.Second), total.Round(time.Second)))
	}
}

func (w *Watchdog) notify(ctx context.Context, text string) {
	msg := protocol.Message{Type: protocol.MsgSendMessage, SendMessage: &protocol.SendMessagePayload{Text: text}}
	if !w.events.Push(ctx, msg) {
		w.log.Warn("watchdog notice dropped", "text", text)
	}
}

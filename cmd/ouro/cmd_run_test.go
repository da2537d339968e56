package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"ouro/pkg/config"
	"ouro/pkg/messaging"
	"ouro/pkg/protocol"
	"ouro/pkg/state"
	"ouro/pkg/supervisor"
	"ouro/pkg/worker"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupervisorConfigFromFile(t *testing.T) {
	cfg := config.Default()
	cfg.SoftTimeoutSec = 90
	cfg.HardTimeoutSec = 300
	cfg.LoopIntervalMillis = 250
	cfg.TotalBudgetUSD = 50
	cfg.Evolution.SuccessMinCost = 0.1
	cfg.Messaging.PollTimeoutSec = 20
	cfg.VCS.UnsyncedPolicy = "abort"
	paths, err := ResolvePaths(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	sc := supervisorConfig(cfg, paths)
	if sc.SoftTimeout != 90*time.Second || sc.HardTimeout != 300*time.Second {
		t.Errorf("timeouts = %v / %v", sc.SoftTimeout, sc.HardTimeout)
	}
	if sc.LoopInterval != 250*time.Millisecond || sc.PollTimeout != 20*time.Second {
		t.Errorf("intervals = %v / %v", sc.LoopInterval, sc.PollTimeout)
	}
	if sc.TotalBudgetUSD != 50 || sc.SuccessMinCost != 0.1 || sc.BudgetReserveUSD != 1 {
		t.Errorf("budget = %+v", sc)
	}
	if sc.UnsyncedPolicy != supervisor.UnsyncedAbort || sc.DevBranch != "ouroboros" {
		t.Errorf("vcs = %q / %q", sc.UnsyncedPolicy, sc.DevBranch)
	}
	if sc.StatusPath != paths.StatusPath || sc.ResultsDir != paths.ResultsDir {
		t.Errorf("paths = %q / %q", sc.StatusPath, sc.ResultsDir)
	}
}

func TestRetryPolicyKeepsDefaultsForZero(t *testing.T) {
	if got := retryPolicy(config.WorkerConfig{}); got != worker.DefaultRetryPolicy {
		t.Errorf("zero config = %+v, want defaults", got)
	}
	got := retryPolicy(config.WorkerConfig{RetryBaseSec: 1, RetryMaxSec: 5, RetryAttempts: 4, SlowRetryIntervalSec: 30})
	want := worker.RetryPolicy{Base: time.Second, Max: 5 * time.Second, Attempts: 4, SlowInterval: 30 * time.Second}
	if got != want {
		t.Errorf("retryPolicy = %+v, want %+v", got, want)
	}
}

func TestNewRelauncher(t *testing.T) {
	if _, ok := newRelauncher("exit").(supervisor.ExitRelauncher); !ok {
		t.Error("exit mode should use ExitRelauncher")
	}
	if _, ok := newRelauncher("exec").(supervisor.ExecRelauncher); !ok {
		t.Error("exec mode should use ExecRelauncher")
	}
}

func TestQueueEmitterDropsWhenFull(t *testing.T) {
	events := supervisor.NewEventQueue(1)
	emit := queueEmitter(events, discardLog())
	msg := protocol.Message{Type: protocol.MsgTyping, Typing: &protocol.TypingPayload{ChannelID: 1}}

	emit(msg)
	emit(msg) // full: dropped, must not block
	if events.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", events.Len())
	}
	got, ok := events.Next(context.Background(), 0)
	if !ok || got.Type != protocol.MsgTyping {
		t.Fatalf("Next = %+v, %v", got, ok)
	}
}

func TestNewMessengerInbox(t *testing.T) {
	paths, err := ResolvePaths(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, closeFn, err := newMessenger(config.Default(), paths, discardLog())
	if err != nil {
		t.Fatalf("newMessenger: %v", err)
	}
	defer func() { _ = closeFn() }()

	if err := m.Send(context.Background(), 1, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, err := messaging.ReadOutbox(paths.InboxDir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "hello" || entries[0].Kind != "text" {
		t.Fatalf("outbox = %+v", entries)
	}
}

type recordingSwitch struct{ calls []bool }

func (r *recordingSwitch) SetEvolution(_ context.Context, enabled bool) error {
	r.calls = append(r.calls, enabled)
	return nil
}

func TestEvolutionOnStartOnlyOnFirstBoot(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	fresh, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var sw recordingSwitch
	applyEvolutionOnStart(ctx, true, fresh, &sw, discardLog())
	if len(sw.calls) != 1 || !sw.calls[0] {
		t.Fatalf("fresh home: calls = %v, want [true]", sw.calls)
	}

	// The breaker tripped during the first run.
	if _, err := store.Update(ctx, func(r *state.Record) error {
		r.EvolutionModeEnabled = false
		r.EvolutionConsecutiveFailures = 3
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	later, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sw = recordingSwitch{}
	applyEvolutionOnStart(ctx, true, later, &sw, discardLog())
	if len(sw.calls) != 0 {
		t.Fatalf("second boot re-enabled evolution: calls = %v", sw.calls)
	}

	sw = recordingSwitch{}
	applyEvolutionOnStart(ctx, true, state.Record{RestartReason: "update"}, &sw, discardLog())
	if len(sw.calls) != 0 {
		t.Fatalf("relaunch re-enabled evolution: calls = %v", sw.calls)
	}

	sw = recordingSwitch{}
	applyEvolutionOnStart(ctx, false, fresh, &sw, discardLog())
	if len(sw.calls) != 0 {
		t.Fatalf("disabled in config: calls = %v", sw.calls)
	}
}

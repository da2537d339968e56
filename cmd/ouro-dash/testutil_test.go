package main

import (
	"testing"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleStatus() *supervisor.StatusFile {
	return &supervisor.StatusFile{
		PID:       4242,
		SessionID: "sess-1",
		UpdatedAt: testNow.Add(-3 * time.Second),
		Workers: []supervisor.WorkerStatus{
			{ID: "w-01", PID: 100, Alive: true, Connected: true, TaskID: "t1"},
			{ID: "w-02", PID: 101, Alive: true},
		},
		Running: []supervisor.RunningStatus{
			{TaskID: "t1", Kind: protocol.TaskOperator, WorkerID: "w-01", Phase: "tool_call",
				StartedAt: testNow.Add(-time.Minute), LastHeartbeatAt: testNow.Add(-5 * time.Second), Text: "fix the tests"},
		},
		Pending:   []protocol.Task{{ID: "t2", Kind: protocol.TaskEvolution, Text: "EVOLUTION #3\nimprove", CreatedAt: testNow.Add(-10 * time.Second)}},
		SpentUSD:  8,
		BudgetUSD: 10,
		Branch:    "ouroboros",
	}
}

// newTestModel returns a model rooted in a temp home with a fixed clock.
func newTestModel(t *testing.T) Model {
	t.Helper()
	m := newModel(pathsForHome(t.TempDir()))
	m.now = func() time.Time { return testNow }
	t.Cleanup(func() {
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
	})
	return m
}

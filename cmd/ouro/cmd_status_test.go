package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

func sampleStatus(now time.Time) *supervisor.StatusFile {
	return &supervisor.StatusFile{
		PID:           4242,
		SessionID:     "sess-1",
		UpdatedAt:     now.Add(-3 * time.Second),
		UptimeSeconds: 125,
		Workers: []supervisor.WorkerStatus{
			{ID: "w-01", PID: 100, Alive: true, Connected: true, TaskID: "t1"},
			{ID: "w-02", PID: 101, Alive: true},
			{ID: "w-03", PID: 0, Alive: false},
		},
		Running: []supervisor.RunningStatus{
			{TaskID: "t1", Kind: protocol.TaskOperator, WorkerID: "w-01", Phase: "tool_call", LastHeartbeatAt: now.Add(-40 * time.Second), Cancelling: true},
		},
		Pending:          []protocol.Task{{ID: "t2", Kind: protocol.TaskEvolution, Text: "EVOLUTION #3\nimprove\nthings"}},
		SpentUSD:         8,
		BudgetUSD:        10,
		EvolutionEnabled: true,
		EvolutionCycle:   3,
		Branch:           "ouroboros",
		Revision:         "0123456789abcdef",
	}
}

func TestRenderStatusPlain(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderStatus(&buf, newStatusStyles(false), StatusRunning, 4242, sampleStatus(now), 0, now)
	out := buf.String()

	for _, want := range []string{
		"supervisor running (PID 4242)",
		"session: sess-1, updated 3s ago, uptime 2m5s",
		"branch: ouroboros@01234567",
		"workers: 1/3 busy",
		"connecting",
		"dead",
		"t1 [task] on w-01, tool_call, idle 40s (cancelling)",
		"pending: 1",
		"t2 [evolution] EVOLUTION #3 improve things",
		"evolution: on (cycle 3, failures 0)",
		"background: off",
		"budget: $8.00 / $10.00 (80%)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains ANSI escapes")
	}
}

func TestRenderStatusWithoutStatusFile(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, newStatusStyles(false), StatusStopped, 0, nil, 0, time.Now())
	if !strings.Contains(buf.String(), "supervisor stopped") || !strings.Contains(buf.String(), "no status file yet") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRenderStatusNoBudgetLimit(t *testing.T) {
	now := time.Now()
	sf := sampleStatus(now)
	sf.BudgetUSD = 0
	var buf bytes.Buffer
	renderStatus(&buf, newStatusStyles(false), StatusStale, 1, sf, 0, now)
	if !strings.Contains(buf.String(), "budget: $8.00 (no limit)") || !strings.Contains(buf.String(), "stale") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestStatusCommandJSON(t *testing.T) {
	home := isolateHome(t)
	now := time.Now()
	if err := supervisor.WriteStatusFile(home+"/"+StatusFileName, *sampleStatus(now)); err != nil {
		t.Fatalf("write status: %v", err)
	}

	out, _, err := executeCommand("status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var doc struct {
		Daemon string                 `json:"daemon"`
		Status *supervisor.StatusFile `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if doc.Daemon != string(StatusStopped) || doc.Status == nil || doc.Status.SessionID != "sess-1" {
		t.Fatalf("doc = %+v", doc)
	}
}

package main

import (
	"fmt"
	"strings"
	"time"

	"ouro/pkg/supervisor"
)

var workerColumns = []struct {
	title string
	width int
}{
	{"Worker", 10},
	{"PID", 8},
	{"State", 12},
	{"Task", 14},
	{"Phase", 12},
	{"Idle", 8},
	{"Health", 8},
}

// WorkersTableModel renders the worker slots with the task each one runs.
type WorkersTableModel struct {
	workers []supervisor.WorkerStatus
	running map[string]supervisor.RunningStatus // keyed by worker id
	now     time.Time
}

// NewWorkersTableModel indexes running tasks by worker.
func NewWorkersTableModel(workers []supervisor.WorkerStatus, running []supervisor.RunningStatus, now time.Time) WorkersTableModel {
	byWorker := make(map[string]supervisor.RunningStatus, len(running))
	for _, r := range running {
		byWorker[r.WorkerID] = r
	}
	return WorkersTableModel{workers: workers, running: byWorker, now: now}
}

// View renders the table.
func (w WorkersTableModel) View(theme Theme, styles Styles) string {
	if len(w.workers) == 0 {
		return styles.Muted.Render("No active workers")
	}

	var sb strings.Builder
	header := make([]string, 0, len(workerColumns))
	total := 0
	for _, c := range workerColumns {
		header = append(header, styles.Col.Width(c.width).Bold(true).Foreground(theme.Primary).Render(c.title))
		total += c.width
	}
	sb.WriteString(strings.Join(header, ""))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", total))
	sb.WriteString("\n")
	for _, wk := range w.workers {
		sb.WriteString(w.renderRow(wk, styles))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (w WorkersTableModel) renderRow(wk supervisor.WorkerStatus, styles Styles) string {
	pid := "-"
	if wk.PID > 0 {
		pid = fmt.Sprintf("%d", wk.PID)
	}
	task, phase, idle := "-", "-", "-"
	health := styles.Muted.Render("○")
	if r, ok := w.running[wk.ID]; ok {
		task = r.TaskID
		if r.Phase != "" {
			phase = r.Phase
		}
		age := w.now.Sub(r.LastHeartbeatAt)
		idle = age.Truncate(time.Second).String()
		health = renderHealthBadge(age, styles)
	}
	cells := []string{wk.ID, pid, workerState(wk), task, phase, idle}
	out := make([]string, 0, len(workerColumns))
	for i, cell := range cells {
		out = append(out, styles.Col.Width(workerColumns[i].width).Render(truncate(cell, workerColumns[i].width-1)))
	}
	out = append(out, styles.Col.Width(workerColumns[len(cells)].width).Render(health))
	return strings.Join(out, "")
}

func workerState(wk supervisor.WorkerStatus) string {
	switch {
	case !wk.Alive:
		return "dead"
	case !wk.Connected:
		return "connecting"
	case wk.TaskID != "":
		return "busy"
	default:
		return "idle"
	}
}

// renderHealthBadge colors the badge by time since the last heartbeat.
// Green under 30s, amber up to 2m, red beyond.
func renderHealthBadge(age time.Duration, styles Styles) string {
	style := styles.HealthRed
	switch {
	case age < 30*time.Second:
		style = styles.HealthGreen
	case age <= 2*time.Minute:
		style = styles.HealthAmber
	}
	return style.Render("●")
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

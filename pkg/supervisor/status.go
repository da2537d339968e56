package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/state"
)

// StatusFile is the JSON document written to Config.StatusPath for
// `ouro status` and the dashboard.
type StatusFile struct {
	PID           int       `json:"pid"`
	SessionID     string    `json:"session_id"`
	UpdatedAt     time.Time `json:"updated_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`

	Workers []WorkerStatus  `json:"workers"`
	Pending []protocol.Task `json:"pending"`
	Running []RunningStatus `json:"running"`

	SpentUSD          float64 `json:"spent_usd"`
	BudgetUSD         float64 `json:"budget_usd"`
	EvolutionEnabled  bool    `json:"evolution_enabled"`
	EvolutionFailures int     `json:"evolution_consecutive_failures"`
	EvolutionCycle    int     `json:"evolution_cycle"`
	BackgroundEnabled bool    `json:"background_enabled"`
	Branch            string  `json:"branch"`
	Revision          string  `json:"revision"`
}

// RunningStatus describes one running task.
type RunningStatus struct {
	TaskID          string            `json:"task_id"`
	Kind            protocol.TaskKind `json:"kind"`
	WorkerID        string            `json:"worker_id"`
	Phase           string            `json:"phase,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Cancelling      bool              `json:"cancelling,omitempty"`
	Text            string            `json:"text"`
}

func (s *Supervisor) statusFile(rec state.Record) StatusFile {
	now := s.nowFunc()
	sf := StatusFile{
		PID:               os.Getpid(),
		SessionID:         rec.SessionID,
		UpdatedAt:         now.UTC(),
		UptimeSeconds:     now.Sub(s.startTime).Seconds(),
		Workers:           s.pool.views(),
		Pending:           s.queue.Pending(),
		SpentUSD:          rec.SpentUSD,
		BudgetUSD:         s.cfg.TotalBudgetUSD,
		EvolutionEnabled:  rec.EvolutionModeEnabled,
		EvolutionFailures: rec.EvolutionConsecutiveFailures,
		EvolutionCycle:    rec.EvolutionCycle,
		BackgroundEnabled: rec.BackgroundModeEnabled,
		Branch:            rec.CurrentBranch,
		Revision:          rec.CurrentRevision,
	}
	for _, e := range s.queue.RunningEntries() {
		sf.Running = append(sf.Running, RunningStatus{
			TaskID:          e.Task.ID,
			Kind:            e.Task.Kind,
			WorkerID:        e.WorkerID,
			Phase:           e.Phase,
			StartedAt:       e.StartedAt,
			LastHeartbeatAt: e.LastHeartbeatAt,
			Cancelling:      !e.CancelRequestedAt.IsZero(),
			Text:            e.Task.Text,
		})
	}
	return sf
}

// StatusText renders the operator /status reply.
func (s *Supervisor) StatusText(rec state.Record) string {
	now := s.nowFunc()
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Status\n")
	fmt.Fprintf(&b, "Workers: %d/%d busy\n", s.pool.Busy(), s.pool.Size())
	fmt.Fprintf(&b, "Pending: %d | Running: %d\n", s.queue.Len(), s.queue.RunningLen())
	for _, e := range s.queue.RunningEntries() {
		fmt.Fprintf(&b, "  • %s [%s] on %s, %s, idle %s\n", e.Task.ID, e.Task.Kind, e.WorkerID,
			phaseOrUnknown(e.Phase), e.Idle(now).Round(time.Second))
	}
	for i, t := range s.queue.Pending() {
		if i == 5 {
			fmt.Fprintf(&b, "  … %d more pending\n", s.queue.Len()-i)
			break
		}
		fmt.Fprintf(&b, "  ◦ %s [%s] %s\n", t.ID, t.Kind, truncate(t.Text, 60))
	}
	fmt.Fprintf(&b, "Evolution: %s (cycle %d, failures %d/%d)\n", onOff(rec.EvolutionModeEnabled),
		rec.EvolutionCycle, rec.EvolutionConsecutiveFailures, s.cfg.FailureThreshold)
	fmt.Fprintf(&b, "Background: %s\n", onOff(rec.BackgroundModeEnabled))
	b.WriteString(s.BudgetLine(rec))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

// writeStatus writes the status file at most once per StatusInterval unless
// force is set.
func (s *Supervisor) writeStatus(ctx context.Context, force bool) {
	if s.cfg.StatusPath == "" {
		return
	}
	now := s.nowFunc()
	if !force && now.Sub(s.lastStatusWrite) < s.cfg.StatusInterval {
		return
	}
	rec, err := s.store.Load(ctx)
	if err != nil {
		s.log.Debug("load state for status file", "err", err)
		return
	}
	if err := WriteStatusFile(s.cfg.StatusPath, s.statusFile(rec)); err != nil {
		s.log.Warn("write status file", "path", s.cfg.StatusPath, "err", err)
		return
	}
	s.lastStatusWrite = now
}

// WriteStatusFile writes sf to path through a temp file and rename.
func WriteStatusFile(path string, sf StatusFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// ReadStatusFile loads a status file written by a running supervisor.
func ReadStatusFile(path string) (StatusFile, error) {
	var sf StatusFile
	data, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse status file %s: %w", path, err)
	}
	return sf, nil
}

func (s *Supervisor) updateGauges() {
	s.metrics.Pending.Set(float64(s.queue.Len()))
	s.metrics.Running.Set(float64(s.queue.RunningLen()))
	s.metrics.BusyWorkers.Set(float64(s.pool.Busy()))
	s.metrics.WorkerSlots.Set(float64(s.pool.Size()))
}

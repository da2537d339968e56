package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ouro/pkg/supervisor"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// statusStyles are the lipgloss styles for terminal output. The zero value
// renders plain text.
type statusStyles struct {
	header lipgloss.Style
	label  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
}

func newStatusStyles(styled bool) statusStyles {
	if !styled {
		return statusStyles{}
	}
	return statusStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		label:  lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// newStatusCmd creates the "ouro status" subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervisor state",
		Long:  "Displays whether the supervisor is running, the worker pool,\nrunning and pending tasks, evolution state, and spend.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			daemon, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}

			sf, err := supervisor.ReadStatusFile(paths.StatusPath)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("read status: %w", err)
			}
			var file *supervisor.StatusFile
			if err == nil {
				file = &sf
			}

			w := cmd.OutOrStdout()
			if asJSON {
				return writeStatusJSON(w, daemon, pid, file)
			}
			styled := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""
			renderStatus(w, newStatusStyles(styled), daemon, pid, file, cfg.TotalBudgetUSD, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func writeStatusJSON(w io.Writer, daemon DaemonStatusValue, pid int, sf *supervisor.StatusFile) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Daemon DaemonStatusValue      `json:"daemon"`
		PID    int                    `json:"pid,omitempty"`
		Status *supervisor.StatusFile `json:"status,omitempty"`
	}{daemon, pid, sf})
}

// renderStatus prints the human-readable report. budget is the configured
// ceiling, used when the status file predates it.
func renderStatus(w io.Writer, st statusStyles, daemon DaemonStatusValue, pid int, sf *supervisor.StatusFile, budget float64, now time.Time) {
	switch daemon {
	case StatusRunning:
		fmt.Fprintf(w, "%s %s (PID %d)\n", st.header.Render("supervisor"), st.ok.Render("running"), pid)
	case StatusStale:
		fmt.Fprintf(w, "%s %s (PID %d is gone)\n", st.header.Render("supervisor"), st.bad.Render("stale"), pid)
	default:
		fmt.Fprintf(w, "%s %s\n", st.header.Render("supervisor"), st.muted.Render("stopped"))
	}
	if sf == nil {
		fmt.Fprintln(w, st.muted.Render("no status file yet"))
		return
	}

	age := now.Sub(sf.UpdatedAt).Round(time.Second)
	fmt.Fprintf(w, "%s %s, updated %s ago, uptime %s\n", st.label.Render("session:"), sf.SessionID, age,
		(time.Duration(sf.UptimeSeconds) * time.Second).Round(time.Second))
	if sf.Branch != "" {
		fmt.Fprintf(w, "%s %s@%s\n", st.label.Render("branch:"), sf.Branch, shortRevision(sf.Revision))
	}

	busy := 0
	for _, wk := range sf.Workers {
		if wk.TaskID != "" {
			busy++
		}
	}
	fmt.Fprintf(w, "%s %d/%d busy\n", st.label.Render("workers:"), busy, len(sf.Workers))
	for _, wk := range sf.Workers {
		health := st.ok.Render("ok")
		switch {
		case !wk.Alive:
			health = st.bad.Render("dead")
		case !wk.Connected:
			health = st.warn.Render("connecting")
		}
		task := wk.TaskID
		if task == "" {
			task = st.muted.Render("idle")
		}
		fmt.Fprintf(w, "  %-6s pid %-7d %-10s %s\n", wk.ID, wk.PID, health, task)
	}

	fmt.Fprintf(w, "%s %d\n", st.label.Render("running:"), len(sf.Running))
	for _, r := range sf.Running {
		phase := r.Phase
		if phase == "" {
			phase = "unknown"
		}
		line := fmt.Sprintf("  %s [%s] on %s, %s, idle %s", r.TaskID, r.Kind, r.WorkerID, phase,
			now.Sub(r.LastHeartbeatAt).Round(time.Second))
		if r.Cancelling {
			line += " " + st.warn.Render("(cancelling)")
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s %d\n", st.label.Render("pending:"), len(sf.Pending))
	for i, t := range sf.Pending {
		if i == 10 {
			fmt.Fprintf(w, "  … %d more\n", len(sf.Pending)-i)
			break
		}
		fmt.Fprintf(w, "  %s [%s] %s\n", t.ID, t.Kind, oneLine(t.Text, 60))
	}

	evo := st.muted.Render("off")
	if sf.EvolutionEnabled {
		evo = st.ok.Render("on")
	}
	fmt.Fprintf(w, "%s %s (cycle %d, failures %d)\n", st.label.Render("evolution:"), evo, sf.EvolutionCycle, sf.EvolutionFailures)
	bg := st.muted.Render("off")
	if sf.BackgroundEnabled {
		bg = st.ok.Render("on")
	}
	fmt.Fprintf(w, "%s %s\n", st.label.Render("background:"), bg)

	limit := sf.BudgetUSD
	if limit == 0 {
		limit = budget
	}
	if limit > 0 {
		pct := sf.SpentUSD / limit * 100
		spent := fmt.Sprintf("$%.2f / $%.2f (%.0f%%)", sf.SpentUSD, limit, pct)
		switch {
		case pct >= 90:
			spent = st.bad.Render(spent)
		case pct >= 75:
			spent = st.warn.Render(spent)
		}
		fmt.Fprintf(w, "%s %s\n", st.label.Render("budget:"), spent)
	} else {
		fmt.Fprintf(w, "%s $%.2f (no limit)\n", st.label.Render("budget:"), sf.SpentUSD)
	}
}

func shortRevision(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

func oneLine(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

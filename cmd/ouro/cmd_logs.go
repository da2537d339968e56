package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"ouro/pkg/eventlog"

	"github.com/spf13/cobra"
)

// followInterval is how often --follow polls for new events.
const followInterval = time.Second

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	raw    bool
	taskID string
	types  []string
}

// newLogsCmd creates the "ouro logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [worker-id]",
		Short: "Query and tail supervisor event logs",
		Long:  "Displays events from the supervisor event log.\nOptionally filter by worker-id, task, or event type and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var workerID string
			if len(args) == 1 {
				workerID = args[0]
			}

			_, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if cfg.raw {
				if workerID == "" {
					return fmt.Errorf("--raw requires a worker-id argument")
				}
				return printRawLogs(w, workerLogPath(paths.Home, workerID), workerID, cfg.tail)
			}

			reader, err := eventlog.NewReader(paths.StateDBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer func() { _ = reader.Close() }()

			opts := eventlog.QueryOpts{WorkerID: workerID, TaskID: cfg.taskID, Types: cfg.types, Limit: cfg.tail}
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, opts, followInterval)
			}
			_, err = printLogs(cmd.Context(), reader, w, opts)
			return err
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().BoolVar(&cfg.raw, "raw", false, "read from worker output.log file instead of the event log")
	cmd.Flags().StringVar(&cfg.taskID, "task", "", "only events for this task id")
	cmd.Flags().StringSliceVar(&cfg.types, "type", nil, "only events of these types (repeatable)")

	return cmd
}

// printLogs displays the events matching opts in chronological order and
// returns the highest event id shown.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) (int64, error) {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return 0, err
	}

	if len(events) == 0 {
		if opts.AfterID == 0 {
			fmt.Fprintln(w, "no events found")
		}
		return opts.AfterID, nil
	}

	// Query returns newest first.
	slices.Reverse(events)
	for i := range events {
		formatEvent(w, &events[i])
	}
	return events[len(events)-1].ID, nil
}

// followLogs prints the initial tail, then polls for events past the last
// one shown until ctx ends.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts, interval time.Duration) error {
	last, err := printLogs(ctx, r, w, opts)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next := opts
			next.AfterID = last
			next.Limit = 100
			last, err = printLogs(ctx, r, w, next)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// formatEvent writes a single event in a human-readable format.
// Format: timestamp | worker_id | event_type | task_id | source | payload
func formatEvent(w io.Writer, evt *eventlog.Event) {
	fmt.Fprintf(w, "%s | %-6s | %-22s | %-10s | %-10s | %s\n",
		evt.CreatedAt.Format(time.DateTime), evt.WorkerID, evt.Type, evt.TaskID, evt.Source, evt.Payload)
}

// workerLogPath returns the path to a worker's output.log file.
func workerLogPath(home, workerID string) string {
	return filepath.Join(home, "workers", workerID, "output.log")
}

// printRawLogs reads and displays the last N lines from a worker's output.log file.
func printRawLogs(w io.Writer, logPath, workerID string, tail int) error {
	content, err := os.ReadFile(logPath) //nolint:gosec // logPath is derived from workerID, intentional
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no output file for worker %s", workerID)
		}
		return fmt.Errorf("read log file: %w", err)
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	start := 0
	if tail > 0 && len(lines) > tail {
		start = len(lines) - tail
	}

	for _, line := range lines[start:] {
		fmt.Fprintln(w, line)
	}

	return nil
}

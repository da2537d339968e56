package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ouro/pkg/config"
	"ouro/pkg/worker"

	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "ouro worker" subcommand.
// This wraps the pkg/worker library into a runnable process that connects
// to the supervisor's UDS socket and executes tasks.
func newWorkerCmd() *cobra.Command {
	var socketPath string
	var workerID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an ouro worker process",
		Long: `Starts a worker that connects to the supervisor UDS socket,
receives task assignments, and executes them with the configured agent command.

This command is typically invoked by the supervisor, not by humans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if socketPath == "" {
				return fmt.Errorf("--socket is required")
			}
			if workerID == "" {
				return fmt.Errorf("--id is required")
			}
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg, socketPath, workerID)
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "path to supervisor UDS socket (required)")
	cmd.Flags().StringVar(&workerID, "id", "", "worker ID, e.g. w-01 (required)")

	return cmd
}

// runWorker creates a worker instance and runs its event loop.
func runWorker(ctx context.Context, cfg config.Config, socketPath, id string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Worker output is captured by the supervisor into workers/<id>/output.log.
	log, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFormat, "", os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	opts := worker.Options{
		HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatIntervalSec) * time.Second,
		Retry:             retryPolicy(cfg.Worker),
		Logger:            log.With("worker_id", id),
	}
	w, err := worker.New(ctx, id, socketPath, agentRunner(cfg), opts)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", id, err)
	}

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker %s: %w", id, err)
	}
	return nil
}

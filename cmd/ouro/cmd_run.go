package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ouro/pkg/config"
	"ouro/pkg/messaging"
	"ouro/pkg/protocol"
	"ouro/pkg/queue"
	"ouro/pkg/state"
	"ouro/pkg/supervisor"
	"ouro/pkg/vcs"
	"ouro/pkg/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownGrace bounds how long the metrics server drains on exit.
const metricsShutdownGrace = 3 * time.Second

// newRunCmd creates the "ouro run" subcommand.
func newRunCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor in the foreground",
		Long: `Starts the supervisor control loop: binds the worker socket, spawns the
worker pool, polls the operator channel, and schedules tasks until stopped
with SIGTERM/SIGINT, /panic, or a restart.

With restart_mode = "exit" a restart ends the process with exit code 75 so an
external process manager can start a fresh one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, paths, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.MaxWorkers = workers
			}
			return runSupervisor(cmd.Context(), cfg, paths, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker pool size (overrides max_workers)")
	return cmd
}

// runSupervisor wires every collaborator and blocks until the loop stops.
func runSupervisor(parent context.Context, cfg config.Config, paths *Paths, stderr io.Writer) error {
	if err := os.MkdirAll(paths.Home, 0o700); err != nil {
		return fmt.Errorf("create home %s: %w", paths.Home, err)
	}

	log, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFormat, paths.LogPath, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if err := acquirePIDFile(paths.PIDPath); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(parent, paths.PIDPath)
	defer cleanup()

	store, err := state.Open(ctx, paths.StateDBPath)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() { _ = store.Close() }()

	events := supervisor.NewEventQueue(0)
	server := supervisor.NewServer(paths.SocketPath, events, log)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("bind worker socket: %w", err)
	}

	messenger, closeMessenger, err := newMessenger(cfg, paths, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeMessenger() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	processes := supervisor.NewWorkerProcessManager(paths.SocketPath, paths.Home)
	defer processes.Wait()

	deps := supervisor.Deps{
		Queue:      queue.New(paths.SnapshotPath),
		Store:      store,
		Events:     events,
		Processes:  processes,
		Transport:  server,
		Messenger:  messenger,
		Relauncher: newRelauncher(cfg.RestartMode),
		Metrics:    supervisor.NewMetrics(registry),
		Logger:     log,
	}
	if cfg.RepoDir != "" {
		deps.VCS = vcs.NewGit(&vcs.ExecCommandRunner{Dir: cfg.RepoDir}, cfg.RepoDir, cfg.VCS.Remote, cfg.VCS.PreflightCommand, log)
	}

	var session *worker.Session
	if cfg.DirectMode {
		runner := agentRunner(cfg)
		emit := queueEmitter(events, log)
		session = worker.NewSession(runner, emit, retryPolicy(cfg.Worker), log)
		deps.Direct = session
		deps.Background = worker.NewBackground(runner, emit, time.Duration(cfg.BackgroundIntervalSec)*time.Second, log)
	}

	prior, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	sup := supervisor.New(supervisorConfig(cfg, paths), deps)
	if err := sup.Boot(ctx); err != nil {
		return fmt.Errorf("boot supervisor: %w", err)
	}
	applyEvolutionOnStart(ctx, cfg.Evolution.EnabledOnStart, prior, sup, log)

	schedules, err := supervisor.NewSchedules(events, cfg.Schedules.StatusReport, cfg.Schedules.Review, log)
	if err != nil {
		return fmt.Errorf("schedules: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx) })
	g.Go(func() error { return schedules.Run(gctx) })
	if session != nil {
		wd := supervisor.NewWatchdog(session, events,
			time.Duration(cfg.SoftTimeoutSec)*time.Second, time.Duration(cfg.HardTimeoutSec)*time.Second, log)
		wd.SetInterval(time.Duration(cfg.WatchdogIntervalSec) * time.Second)
		g.Go(func() error { return wd.Run(gctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, registry, log) })
	}

	err = g.Wait()
	switch {
	case errors.Is(err, supervisor.ErrPanicStop):
		log.Warn("stopped by operator panic")
		return nil
	case err != nil:
		return err
	}
	log.Info("supervisor stopped")
	return nil
}

type evolutionSwitch interface {
	SetEvolution(ctx context.Context, enabled bool) error
}

// applyEvolutionOnStart turns evolution on when the config asks for it and
// prior, the state read before Boot, shows this is the first boot of a fresh
// home. Relaunches and later starts keep the persisted flag, so a tripped
// circuit breaker stays tripped.
func applyEvolutionOnStart(ctx context.Context, enabled bool, prior state.Record, sw evolutionSwitch, log *slog.Logger) {
	if !enabled || prior.Version != 0 || prior.RestartReason != "" {
		return
	}
	if err := sw.SetEvolution(ctx, true); err != nil {
		log.Warn("enable evolution on start", "err", err)
	}
}

// supervisorConfig converts file configuration into the loop's settings.
func supervisorConfig(cfg config.Config, paths *Paths) supervisor.Config {
	return supervisor.Config{
		MaxWorkers:        cfg.MaxWorkers,
		SoftTimeout:       time.Duration(cfg.SoftTimeoutSec) * time.Second,
		HardTimeout:       time.Duration(cfg.HardTimeoutSec) * time.Second,
		MaxTaskAttempts:   cfg.MaxTaskAttempts,
		ResumeInterrupted: cfg.ResumeInterrupted,
		LoopInterval:      time.Duration(cfg.LoopIntervalMillis) * time.Millisecond,
		PollTimeout:       time.Duration(cfg.Messaging.PollTimeoutSec) * time.Second,

		TotalBudgetUSD:    cfg.TotalBudgetUSD,
		BudgetReportEvery: cfg.BudgetReportEvery,

		FailureThreshold: cfg.Evolution.FailureThreshold,
		SuccessMinCost:   cfg.Evolution.SuccessMinCost,
		SuccessMinRounds: cfg.Evolution.SuccessMinRounds,
		BudgetReserveUSD: cfg.Evolution.BudgetReserveUSD,

		DevBranch:      cfg.VCS.DevBranch,
		StableBranch:   cfg.VCS.StableBranch,
		UnsyncedPolicy: cfg.VCS.UnsyncedPolicy,
		DirectMode:     cfg.DirectMode,
		ResultsDir:     paths.ResultsDir,
		StatusPath:     paths.StatusPath,
	}
}

// newMessenger opens the configured operator channel behind the outbound
// rate limiter.
func newMessenger(cfg config.Config, paths *Paths, log *slog.Logger) (*messaging.Limited, func() error, error) {
	var (
		client  messaging.Client
		closeFn = func() error { return nil }
	)
	switch cfg.Messaging.Driver {
	case "telegram":
		client = messaging.NewTelegram(cfg.Messaging.TelegramAPI, cfg.Messaging.TelegramToken, log)
	default:
		inbox, err := messaging.NewInbox(paths.InboxDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open inbox: %w", err)
		}
		client, closeFn = inbox, inbox.Close
	}
	return messaging.NewLimited(client, cfg.Messaging.RatePerSec, cfg.Messaging.Burst), closeFn, nil
}

// newRelauncher picks how a restart replaces the process.
func newRelauncher(mode string) supervisor.Relauncher {
	if mode == "exit" {
		return supervisor.ExitRelauncher{}
	}
	return supervisor.ExecRelauncher{}
}

// agentRunner runs the configured agent command in the repository.
func agentRunner(cfg config.Config) *worker.ExecRunner {
	return &worker.ExecRunner{Command: cfg.Worker.AgentCommand, Dir: cfg.RepoDir}
}

// retryPolicy converts worker retry settings. Zero values keep the defaults.
func retryPolicy(wc config.WorkerConfig) worker.RetryPolicy {
	p := worker.DefaultRetryPolicy
	if wc.RetryBaseSec > 0 {
		p.Base = time.Duration(wc.RetryBaseSec) * time.Second
	}
	if wc.RetryMaxSec > 0 {
		p.Max = time.Duration(wc.RetryMaxSec) * time.Second
	}
	if wc.RetryAttempts > 0 {
		p.Attempts = wc.RetryAttempts
	}
	if wc.SlowRetryIntervalSec > 0 {
		p.SlowInterval = time.Duration(wc.SlowRetryIntervalSec) * time.Second
	}
	return p
}

// queueEmitter feeds in-process session messages into the event queue.
// The sessions run off the loop goroutine, so a full queue drops rather
// than blocks.
func queueEmitter(events *supervisor.EventQueue, log *slog.Logger) worker.Emit {
	return func(msg protocol.Message) {
		if !events.TryPush(msg) {
			log.Warn("event queue full, dropping session message", "type", msg.Type)
		}
	}
}

// serveMetrics exposes the registry on addr until ctx ends.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

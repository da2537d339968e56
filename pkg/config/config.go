// Package config loads ouro configuration from an optional TOML or YAML file
// layered under OUROBOROS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ouro/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "OUROBOROS"

// Timeout floors. Shorter values are raised to these.
const (
	MinSoftTimeoutSec = 60
	MinHardTimeoutSec = 120
)

// Config is the full supervisor configuration.
type Config struct {
	Home       string `mapstructure:"home" toml:"home" yaml:"home"`
	RepoDir    string `mapstructure:"repo_dir" toml:"repo_dir" yaml:"repo_dir"`
	MaxWorkers int    `mapstructure:"max_workers" toml:"max_workers" yaml:"max_workers"`

	SoftTimeoutSec     int  `mapstructure:"soft_timeout_sec" toml:"soft_timeout_sec" yaml:"soft_timeout_sec"`
	HardTimeoutSec     int  `mapstructure:"hard_timeout_sec" toml:"hard_timeout_sec" yaml:"hard_timeout_sec"`
	MaxTaskAttempts    int  `mapstructure:"max_task_attempts" toml:"max_task_attempts" yaml:"max_task_attempts"`
	ResumeInterrupted  bool `mapstructure:"resume_interrupted" toml:"resume_interrupted" yaml:"resume_interrupted"`
	LoopIntervalMillis int  `mapstructure:"loop_interval_ms" toml:"loop_interval_ms" yaml:"loop_interval_ms"`

	TotalBudgetUSD    float64 `mapstructure:"total_budget_usd" toml:"total_budget_usd" yaml:"total_budget_usd"`
	BudgetReportEvery int     `mapstructure:"budget_report_every" toml:"budget_report_every" yaml:"budget_report_every"`

	DirectMode            bool `mapstructure:"direct_mode" toml:"direct_mode" yaml:"direct_mode"`
	WatchdogIntervalSec   int  `mapstructure:"watchdog_interval_sec" toml:"watchdog_interval_sec" yaml:"watchdog_interval_sec"`
	BackgroundIntervalSec int  `mapstructure:"background_interval_sec" toml:"background_interval_sec" yaml:"background_interval_sec"`

	MetricsAddr string `mapstructure:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level" toml:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" toml:"log_format" yaml:"log_format"`
	RestartMode string `mapstructure:"restart_mode" toml:"restart_mode" yaml:"restart_mode"`

	Evolution EvolutionConfig `mapstructure:"evolution" toml:"evolution" yaml:"evolution"`
	Worker    WorkerConfig    `mapstructure:"worker" toml:"worker" yaml:"worker"`
	Messaging MessagingConfig `mapstructure:"messaging" toml:"messaging" yaml:"messaging"`
	VCS       VCSConfig       `mapstructure:"vcs" toml:"vcs" yaml:"vcs"`
	Schedules SchedulesConfig `mapstructure:"schedules" toml:"schedules" yaml:"schedules"`
}

// EvolutionConfig tunes self-improvement injection and its circuit breaker.
type EvolutionConfig struct {
	EnabledOnStart   bool    `mapstructure:"enabled_on_start" toml:"enabled_on_start" yaml:"enabled_on_start"`
	FailureThreshold int     `mapstructure:"failure_threshold" toml:"failure_threshold" yaml:"failure_threshold"`
	SuccessMinCost   float64 `mapstructure:"success_min_cost_usd" toml:"success_min_cost_usd" yaml:"success_min_cost_usd"`
	SuccessMinRounds int     `mapstructure:"success_min_rounds" toml:"success_min_rounds" yaml:"success_min_rounds"`
	BudgetReserveUSD float64 `mapstructure:"budget_reserve_usd" toml:"budget_reserve_usd" yaml:"budget_reserve_usd"`
}

// WorkerConfig controls worker processes.
type WorkerConfig struct {
	AgentCommand         []string `mapstructure:"agent_command" toml:"agent_command" yaml:"agent_command"`
	HeartbeatIntervalSec int      `mapstructure:"heartbeat_interval_sec" toml:"heartbeat_interval_sec" yaml:"heartbeat_interval_sec"`
	RetryBaseSec         int      `mapstructure:"retry_base_sec" toml:"retry_base_sec" yaml:"retry_base_sec"`
	RetryMaxSec          int      `mapstructure:"retry_max_sec" toml:"retry_max_sec" yaml:"retry_max_sec"`
	RetryAttempts        int      `mapstructure:"retry_attempts" toml:"retry_attempts" yaml:"retry_attempts"`
	SlowRetryIntervalSec int      `mapstructure:"slow_retry_interval_sec" toml:"slow_retry_interval_sec" yaml:"slow_retry_interval_sec"`
}

// MessagingConfig selects and tunes the operator channel.
type MessagingConfig struct {
	Driver         string  `mapstructure:"driver" toml:"driver" yaml:"driver"` // inbox | telegram
	TelegramToken  string  `mapstructure:"telegram_token" toml:"telegram_token" yaml:"telegram_token"`
	TelegramAPI    string  `mapstructure:"telegram_api" toml:"telegram_api" yaml:"telegram_api"`
	RatePerSec     float64 `mapstructure:"rate_per_sec" toml:"rate_per_sec" yaml:"rate_per_sec"`
	Burst          int     `mapstructure:"burst" toml:"burst" yaml:"burst"`
	PollTimeoutSec int     `mapstructure:"poll_timeout_sec" toml:"poll_timeout_sec" yaml:"poll_timeout_sec"`
}

// VCSConfig points at the agent's own repository.
type VCSConfig struct {
	Remote           string   `mapstructure:"remote" toml:"remote" yaml:"remote"`
	DevBranch        string   `mapstructure:"dev_branch" toml:"dev_branch" yaml:"dev_branch"`
	StableBranch     string   `mapstructure:"stable_branch" toml:"stable_branch" yaml:"stable_branch"`
	UnsyncedPolicy   string   `mapstructure:"unsynced_policy" toml:"unsynced_policy" yaml:"unsynced_policy"` // reset | abort
	PreflightCommand []string `mapstructure:"preflight_command" toml:"preflight_command" yaml:"preflight_command"`
}

// SchedulesConfig holds cron expressions for periodic work. Empty disables.
type SchedulesConfig struct {
	StatusReport string `mapstructure:"status_report" toml:"status_report" yaml:"status_report"`
	Review       string `mapstructure:"review" toml:"review" yaml:"review"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	home := ""
	if h, err := os.UserHomeDir(); err == nil {
		home = filepath.Join(h, protocol.OuroDir)
	}
	return Config{
		Home:                  home,
		MaxWorkers:            5,
		SoftTimeoutSec:        600,
		HardTimeoutSec:        1800,
		MaxTaskAttempts:       2,
		ResumeInterrupted:     true,
		LoopIntervalMillis:    1000,
		BudgetReportEvery:     10,
		WatchdogIntervalSec:   30,
		BackgroundIntervalSec: 600,
		LogLevel:              "info",
		LogFormat:             "text",
		RestartMode:           "exec",
		Evolution: EvolutionConfig{
			FailureThreshold: 3,
			SuccessMinRounds: 1,
			BudgetReserveUSD: 1,
		},
		Worker: WorkerConfig{
			AgentCommand:         []string{"ouro-agent"},
			HeartbeatIntervalSec: 30,
			RetryBaseSec:         2,
			RetryMaxSec:          60,
			RetryAttempts:        3,
			SlowRetryIntervalSec: 10,
		},
		Messaging: MessagingConfig{
			Driver:      "inbox",
			TelegramAPI: "https://api.telegram.org",
			RatePerSec:  1,
			Burst:       3,
		},
		VCS: VCSConfig{
			Remote:         "origin",
			DevBranch:      "ouroboros",
			StableBranch:   "ouroboros-stable",
			UnsyncedPolicy: "reset",
		},
		Schedules: SchedulesConfig{
			StatusReport: "0 */6 * * *",
		},
	}
}

// Load reads path (when non-empty) and applies environment overrides on top
// of Default. A missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by existing deployments.
	_ = v.BindEnv("home", EnvPrefix+"_HOME", "OURO_HOME", "DRIVE_ROOT")
	_ = v.BindEnv("repo_dir", EnvPrefix+"_REPO_DIR", "REPO_DIR")
	_ = v.BindEnv("total_budget_usd", EnvPrefix+"_TOTAL_BUDGET_USD", "TOTAL_BUDGET")
	_ = v.BindEnv("messaging.telegram_token", EnvPrefix+"_MESSAGING_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("home", d.Home)
	v.SetDefault("repo_dir", d.RepoDir)
	v.SetDefault("max_workers", d.MaxWorkers)
	v.SetDefault("soft_timeout_sec", d.SoftTimeoutSec)
	v.SetDefault("hard_timeout_sec", d.HardTimeoutSec)
	v.SetDefault("max_task_attempts", d.MaxTaskAttempts)
	v.SetDefault("resume_interrupted", d.ResumeInterrupted)
	v.SetDefault("loop_interval_ms", d.LoopIntervalMillis)
	v.SetDefault("total_budget_usd", d.TotalBudgetUSD)
	v.SetDefault("budget_report_every", d.BudgetReportEvery)
	v.SetDefault("direct_mode", d.DirectMode)
	v.SetDefault("watchdog_interval_sec", d.WatchdogIntervalSec)
	v.SetDefault("background_interval_sec", d.BackgroundIntervalSec)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("restart_mode", d.RestartMode)

	v.SetDefault("evolution.enabled_on_start", d.Evolution.EnabledOnStart)
	v.SetDefault("evolution.failure_threshold", d.Evolution.FailureThreshold)
	v.SetDefault("evolution.success_min_cost_usd", d.Evolution.SuccessMinCost)
	v.SetDefault("evolution.success_min_rounds", d.Evolution.SuccessMinRounds)
	v.SetDefault("evolution.budget_reserve_usd", d.Evolution.BudgetReserveUSD)

	v.SetDefault("worker.agent_command", d.Worker.AgentCommand)
	v.SetDefault("worker.heartbeat_interval_sec", d.Worker.HeartbeatIntervalSec)
	v.SetDefault("worker.retry_base_sec", d.Worker.RetryBaseSec)
	v.SetDefault("worker.retry_max_sec", d.Worker.RetryMaxSec)
	v.SetDefault("worker.retry_attempts", d.Worker.RetryAttempts)
	v.SetDefault("worker.slow_retry_interval_sec", d.Worker.SlowRetryIntervalSec)

	v.SetDefault("messaging.driver", d.Messaging.Driver)
	v.SetDefault("messaging.telegram_token", d.Messaging.TelegramToken)
	v.SetDefault("messaging.telegram_api", d.Messaging.TelegramAPI)
	v.SetDefault("messaging.rate_per_sec", d.Messaging.RatePerSec)
	v.SetDefault("messaging.burst", d.Messaging.Burst)
	v.SetDefault("messaging.poll_timeout_sec", d.Messaging.PollTimeoutSec)

	v.SetDefault("vcs.remote", d.VCS.Remote)
	v.SetDefault("vcs.dev_branch", d.VCS.DevBranch)
	v.SetDefault("vcs.stable_branch", d.VCS.StableBranch)
	v.SetDefault("vcs.unsynced_policy", d.VCS.UnsyncedPolicy)
	v.SetDefault("vcs.preflight_command", d.VCS.PreflightCommand)

	v.SetDefault("schedules.status_report", d.Schedules.StatusReport)
	v.SetDefault("schedules.review", d.Schedules.Review)
}

// withDefaults fills zero values and clamps out-of-range ones.
func (c Config) withDefaults() Config {
	d := Default()
	out := c
	if out.Home == "" {
		out.Home = d.Home
	}
	if out.MaxWorkers < 1 {
		out.MaxWorkers = 1
	}
	out.SoftTimeoutSec = max(out.SoftTimeoutSec, MinSoftTimeoutSec)
	out.HardTimeoutSec = max(out.HardTimeoutSec, MinHardTimeoutSec)
	if out.HardTimeoutSec <= out.SoftTimeoutSec {
		out.HardTimeoutSec = out.SoftTimeoutSec + MinSoftTimeoutSec
	}
	if out.MaxTaskAttempts < 1 {
		out.MaxTaskAttempts = 1
	}
	if out.LoopIntervalMillis <= 0 {
		out.LoopIntervalMillis = d.LoopIntervalMillis
	}
	if out.BudgetReportEvery <= 0 {
		out.BudgetReportEvery = d.BudgetReportEvery
	}
	if out.WatchdogIntervalSec <= 0 {
		out.WatchdogIntervalSec = d.WatchdogIntervalSec
	}
	if out.Evolution.FailureThreshold <= 0 {
		out.Evolution.FailureThreshold = d.Evolution.FailureThreshold
	}
	if len(out.Worker.AgentCommand) == 0 {
		out.Worker.AgentCommand = d.Worker.AgentCommand
	}
	if out.Worker.HeartbeatIntervalSec <= 0 {
		out.Worker.HeartbeatIntervalSec = d.Worker.HeartbeatIntervalSec
	}
	if out.Messaging.Driver == "" {
		out.Messaging.Driver = d.Messaging.Driver
	}
	if out.VCS.UnsyncedPolicy == "" {
		out.VCS.UnsyncedPolicy = d.VCS.UnsyncedPolicy
	}
	return out
}

// Validate reports settings that cannot be repaired by defaults.
func (c Config) Validate() error {
	var errs []error
	switch c.Messaging.Driver {
	case "inbox":
	case "telegram":
		if c.Messaging.TelegramToken == "" {
			errs = append(errs, errors.New("messaging.driver=telegram requires a telegram token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown messaging.driver %q", c.Messaging.Driver))
	}
	switch c.VCS.UnsyncedPolicy {
	case "reset", "abort":
	default:
		errs = append(errs, fmt.Errorf("unknown vcs.unsynced_policy %q", c.VCS.UnsyncedPolicy))
	}
	switch c.RestartMode {
	case "exec", "exit":
	default:
		errs = append(errs, fmt.Errorf("unknown restart_mode %q", c.RestartMode))
	}
	if c.TotalBudgetUSD < 0 {
		errs = append(errs, errors.New("total_budget_usd must not be negative"))
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

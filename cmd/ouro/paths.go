package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ouro/pkg/config"
	"ouro/pkg/protocol"

	"github.com/spf13/cobra"
)

// Paths holds all resolved ouro state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home         string // ~/.ouro or OURO_HOME
	ConfigPath   string // config.toml
	PIDPath      string // ouro.pid or OURO_PID_PATH
	SocketPath   string // ouro.sock or OURO_SOCKET_PATH
	StateDBPath  string // state.db or OURO_DB_PATH
	SnapshotPath string // queue_snapshot.yaml
	ResultsDir   string // task_results/
	InboxDir     string // inbox/
	StatusPath   string // status.json
	LogPath      string // logs/supervisor.log
}

// StatusFileName is the supervisor status document inside the home directory.
const StatusFileName = "status.json"

// ResolvePaths returns all ouro paths below home, respecting env var overrides.
// Environment variables:
//   - OURO_PID_PATH: supervisor PID file (default: $home/ouro.pid)
//   - OURO_SOCKET_PATH: supervisor UDS socket (default: $home/ouro.sock)
//   - OURO_DB_PATH: state database (default: $home/state.db)
//
// An empty home falls back to OURO_HOME, then ~/.ouro.
func ResolvePaths(home string) (*Paths, error) {
	if home == "" {
		h, err := resolveOuroHome()
		if err != nil {
			return nil, err
		}
		home = h
	}

	return &Paths{
		Home:         home,
		ConfigPath:   filepath.Join(home, "config.toml"),
		PIDPath:      resolvePathWithEnv("OURO_PID_PATH", home, "ouro.pid"),
		SocketPath:   resolvePathWithEnv("OURO_SOCKET_PATH", home, "ouro.sock"),
		StateDBPath:  resolvePathWithEnv("OURO_DB_PATH", home, "state.db"),
		SnapshotPath: filepath.Join(home, protocol.SnapshotFile),
		ResultsDir:   filepath.Join(home, protocol.ResultsDir),
		InboxDir:     filepath.Join(home, protocol.InboxDir),
		StatusPath:   filepath.Join(home, StatusFileName),
		LogPath:      filepath.Join(home, "logs", "supervisor.log"),
	}, nil
}

// resolveOuroHome returns the ouro home directory from OURO_HOME env var or ~/.ouro.
func resolveOuroHome() (string, error) {
	if v := os.Getenv("OURO_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.OuroDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// loadConfig reads the --config file, or the home config.toml when it
// exists, and resolves paths from the configured home.
func loadConfig(cmd *cobra.Command) (config.Config, *Paths, error) {
	var path string
	if f := cmd.Flag("config"); f != nil {
		path = f.Value.String()
	}
	if path == "" {
		defaults, err := ResolvePaths("")
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("resolve paths: %w", err)
		}
		if _, err := os.Stat(defaults.ConfigPath); err == nil {
			path = defaults.ConfigPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, nil, fmt.Errorf("stat config: %w", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	paths, err := ResolvePaths(cfg.Home)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("resolve paths: %w", err)
	}
	return cfg, paths, nil
}

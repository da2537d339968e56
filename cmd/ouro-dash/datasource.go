package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"ouro/pkg/eventlog"
	"ouro/pkg/protocol"
	"ouro/pkg/supervisor"
)

const (
	statusFileName = "status.json"
	eventLimit     = 200
)

type dashPaths struct {
	Home        string
	StatusPath  string
	StateDBPath string
}

// resolveDashPaths mirrors the CLI's layout: OURO_HOME or ~/.ouro, with
// OURO_DB_PATH overriding the state database location.
func resolveDashPaths() dashPaths {
	home := os.Getenv("OURO_HOME")
	if home == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(dir, protocol.OuroDir)
		}
	}
	return pathsForHome(home)
}

func pathsForHome(home string) dashPaths {
	p := dashPaths{
		Home:        home,
		StatusPath:  filepath.Join(home, statusFileName),
		StateDBPath: filepath.Join(home, "state.db"),
	}
	if v := os.Getenv("OURO_DB_PATH"); v != "" {
		p.StateDBPath = v
	}
	return p
}

// fetchStatus reads the supervisor status file. A missing file is not an
// error: it returns nil, meaning the supervisor has not written one yet.
func fetchStatus(path string) (*supervisor.StatusFile, error) {
	sf, err := supervisor.ReadStatusFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sf, nil
}

// fetchEvents returns up to limit recent events, newest first.
func fetchEvents(ctx context.Context, dbPath string, limit int) ([]eventlog.Event, error) {
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck // read-only query path
	events, err := r.Query(ctx, eventlog.QueryOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

type snapshot struct {
	Status *supervisor.StatusFile `json:"status"`
	Events []eventlog.Event       `json:"events"`
	Errors []string               `json:"errors,omitempty"`
}

func takeSnapshot(ctx context.Context, p dashPaths) snapshot {
	var snap snapshot
	st, err := fetchStatus(p.StatusPath)
	if err != nil {
		snap.Errors = append(snap.Errors, err.Error())
	}
	snap.Status = st
	events, err := fetchEvents(ctx, p.StateDBPath, eventLimit)
	if err != nil {
		snap.Errors = append(snap.Errors, err.Error())
	}
	snap.Events = events
	return snap
}

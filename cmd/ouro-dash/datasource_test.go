package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"ouro/pkg/state"
	"ouro/pkg/supervisor"
)

func TestPathsForHome(t *testing.T) {
	t.Setenv("OURO_DB_PATH", "")
	p := pathsForHome("/tmp/ouro-home")
	if p.StatusPath != "/tmp/ouro-home/status.json" || p.StateDBPath != "/tmp/ouro-home/state.db" {
		t.Fatalf("paths = %+v", p)
	}
	t.Setenv("OURO_DB_PATH", "/elsewhere/state.db")
	if p := pathsForHome("/tmp/ouro-home"); p.StateDBPath != "/elsewhere/state.db" {
		t.Fatalf("OURO_DB_PATH ignored: %+v", p)
	}
}

func TestResolveDashPathsFromEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OURO_HOME", home)
	t.Setenv("OURO_DB_PATH", "")
	if p := resolveDashPaths(); p.Home != home {
		t.Fatalf("home = %q, want %q", p.Home, home)
	}
}

func TestFetchStatusMissingIsNil(t *testing.T) {
	st, err := fetchStatus(filepath.Join(t.TempDir(), "status.json"))
	if err != nil || st != nil {
		t.Fatalf("fetchStatus = %v, %v; want nil, nil", st, err)
	}
}

func TestFetchStatusReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := supervisor.WriteStatusFile(path, *sampleStatus()); err != nil {
		t.Fatalf("write status: %v", err)
	}
	st, err := fetchStatus(path)
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if st == nil || st.SessionID != "sess-1" || len(st.Workers) != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestFetchStatusCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := fetchStatus(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSnapshot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OURO_DB_PATH", "")
	p := pathsForHome(home)

	store, err := state.Open(context.Background(), p.StateDBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, typ := range []string{"task_assigned", "task_done"} {
		if err := store.LogEvent(context.Background(), typ, "supervisor", "t1", "w-01", ""); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}
	if err := supervisor.WriteStatusFile(p.StatusPath, *sampleStatus()); err != nil {
		t.Fatal(err)
	}

	snap := takeSnapshot(context.Background(), p)
	if len(snap.Errors) != 0 {
		t.Fatalf("errors = %v", snap.Errors)
	}
	if snap.Status == nil || len(snap.Events) != 2 || snap.Events[0].Type != "task_done" {
		t.Fatalf("snapshot = %+v", snap)
	}

	data, err := robotMode(snap)
	if err != nil {
		t.Fatalf("robotMode: %v", err)
	}
	if len(data) == 0 || data[0] != '{' {
		t.Fatalf("robotMode output = %s", data)
	}
}

func TestSnapshotWithoutSupervisor(t *testing.T) {
	t.Setenv("OURO_DB_PATH", "")
	snap := takeSnapshot(context.Background(), pathsForHome(t.TempDir()))
	if snap.Status != nil {
		t.Fatalf("status = %+v", snap.Status)
	}
	if len(snap.Errors) != 1 {
		t.Fatalf("expected a missing-database error, got %v", snap.Errors)
	}
}

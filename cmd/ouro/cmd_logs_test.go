package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ouro/pkg/eventlog"
	"ouro/pkg/state"
)

// setupEventLog creates a state database holding the given event types,
// all attributed to worker w-01 unless the type ends in "@w-02".
func setupEventLog(t *testing.T, types ...string) (string, *state.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := state.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for i, typ := range types {
		worker := "w-01"
		if name, ok := strings.CutSuffix(typ, "@w-02"); ok {
			typ, worker = name, "w-02"
		}
		if err := store.LogEvent(context.Background(), typ, "supervisor", "t"+string(rune('a'+i)), worker, ""); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}
	return dbPath, store
}

func openReader(t *testing.T, dbPath string) *eventlog.Reader {
	t.Helper()
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPrintLogsChronological(t *testing.T) {
	dbPath, _ := setupEventLog(t, "worker_spawned", "task_assigned", "task_done")
	var buf bytes.Buffer

	last, err := printLogs(context.Background(), openReader(t, dbPath), &buf, eventlog.QueryOpts{Limit: 20})
	if err != nil {
		t.Fatalf("printLogs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "worker_spawned") || !strings.Contains(lines[2], "task_done") {
		t.Errorf("events not in chronological order:\n%s", buf.String())
	}
	if last != 3 {
		t.Errorf("last id = %d, want 3", last)
	}
}

func TestPrintLogsFilterAndTail(t *testing.T) {
	dbPath, _ := setupEventLog(t, "a", "b@w-02", "c", "d", "e@w-02")
	r := openReader(t, dbPath)

	var buf bytes.Buffer
	if _, err := printLogs(context.Background(), r, &buf, eventlog.QueryOpts{WorkerID: "w-02", Limit: 20}); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); strings.Contains(out, "w-01") || strings.Count(out, "\n") != 2 {
		t.Errorf("worker filter output:\n%s", out)
	}

	buf.Reset()
	if _, err := printLogs(context.Background(), r, &buf, eventlog.QueryOpts{Limit: 2}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "| d ") || !strings.Contains(lines[1], "| e ") {
		t.Errorf("tail output:\n%s", buf.String())
	}
}

func TestPrintLogsNoEvents(t *testing.T) {
	dbPath, _ := setupEventLog(t)
	var buf bytes.Buffer
	if _, err := printLogs(context.Background(), openReader(t, dbPath), &buf, eventlog.QueryOpts{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no events found") {
		t.Errorf("output = %q", buf.String())
	}
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogsPicksUpNewEvents(t *testing.T) {
	dbPath, store := setupEventLog(t, "first")
	r := openReader(t, dbPath)
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- followLogs(ctx, r, &out, eventlog.QueryOpts{Limit: 20}, 10*time.Millisecond) }()

	if err := store.LogEvent(context.Background(), "second", "supervisor", "", "", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "second") {
		if time.Now().After(deadline) {
			t.Fatalf("follow never printed the new event:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("followLogs: %v", err)
	}
	if n := strings.Count(out.String(), "first"); n != 1 {
		t.Errorf("first event printed %d times", n)
	}
}

func TestPrintRawLogsTail(t *testing.T) {
	home := t.TempDir()
	path := workerLogPath(home, "w-01")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := printRawLogs(&buf, path, "w-01", 2); err != nil {
		t.Fatalf("printRawLogs: %v", err)
	}
	if buf.String() != "two\nthree\n" {
		t.Errorf("output = %q", buf.String())
	}
	if err := printRawLogs(&buf, workerLogPath(home, "w-09"), "w-09", 2); err == nil || !strings.Contains(err.Error(), "w-09") {
		t.Errorf("missing log error = %v", err)
	}
}

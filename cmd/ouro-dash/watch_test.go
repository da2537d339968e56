package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestWatchStatusFileChange(t *testing.T) {
	home := t.TempDir()
	watcher := initWatcher(home)
	if watcher == nil {
		t.Fatal("initWatcher returned nil for an existing directory")
	}
	t.Cleanup(func() { _ = watcher.Close() })

	msgChan := make(chan tea.Msg, 1)
	cmd := waitForChange(watcher, statusFileName)
	go func() { msgChan <- cmd() }()

	// Changes to other files are ignored.
	if err := os.WriteFile(filepath.Join(home, "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-msgChan:
		t.Fatalf("unexpected message for unrelated file: %T", msg)
	case <-time.After(3 * debounceDuration):
	}

	if err := os.WriteFile(filepath.Join(home, statusFileName), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-msgChan:
		if _, ok := msg.(fsChangeMsg); !ok {
			t.Errorf("expected fsChangeMsg, got %T", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsChangeMsg")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	if w := initWatcher(filepath.Join(t.TempDir(), "absent")); w != nil {
		_ = w.Close()
		t.Fatal("expected nil watcher for a missing directory")
	}
	if cmd := waitForChange(nil, statusFileName); cmd != nil {
		t.Fatal("expected nil command without a watcher")
	}
}

package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 100 * time.Millisecond

// fsChangeMsg is sent when the status file changes.
type fsChangeMsg struct{}

// initWatcher watches the home directory. The supervisor replaces
// status.json by rename, so the directory is watched instead of the file.
// Returns nil when the directory is missing or the watcher cannot start;
// the dashboard then relies on polling alone.
func initWatcher(home string) *fsnotify.Watcher {
	if _, err := os.Stat(home); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	if err := watcher.Add(home); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", home, err)
		return nil
	}
	return watcher
}

// waitForChange returns a tea.Cmd that blocks until name changes inside
// the watched directory, with debouncing. The model re-arms it after each
// fsChangeMsg.
func waitForChange(watcher *fsnotify.Watcher, name string) tea.Cmd {
	if watcher == nil {
		return nil
	}
	return func() tea.Msg {
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDuration)

			case <-timer.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

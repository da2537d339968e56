package queue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"ouro/pkg/protocol"

	"github.com/oklog/ulid/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Snapshot is the on-disk form of the queue. Interrupted lists tasks that
// were running when the snapshot was taken; they are never restored into
// pending directly.
type Snapshot struct {
	ID          string          `yaml:"id"`
	Ts          time.Time       `yaml:"ts"`
	Reason      string          `yaml:"reason"`
	Pending     []protocol.Task `yaml:"pending"`
	Interrupted []protocol.Task `yaml:"interrupted,omitempty"`
}

// Snapshot writes the pending list and running tasks to disk, tagged with
// reason. The write is atomic: readers see the old or the new file, never a
// partial one.
func (q *Queue) Snapshot(reason string) (Snapshot, error) {
	snap := Snapshot{
		ID:      ulid.Make().String(),
		Ts:      q.nowFunc().UTC(),
		Reason:  reason,
		Pending: q.Pending(),
	}
	for _, e := range q.RunningEntries() {
		snap.Interrupted = append(snap.Interrupted, e.Task)
	}
	if q.snapshotPath == "" {
		return snap, nil
	}
	if err := atomicWrite(q.snapshotPath, snap); err != nil {
		return snap, fmt.Errorf("write queue snapshot: %w", err)
	}
	return snap, nil
}

// Restore merges the snapshot on disk into the queue and returns the number
// of pending tasks added. Tasks already pending or running are skipped, so
// restoring twice never duplicates work. A missing snapshot restores nothing.
func (q *Queue) Restore() (int, error) {
	if q.snapshotPath == "" {
		return 0, nil
	}
	snap, err := ReadSnapshot(q.snapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	restored := 0
	for _, t := range snap.Pending {
		if q.Has(t.ID) || q.admissible(t) != nil {
			continue
		}
		q.pending = append(q.pending, t)
		restored++
	}
	q.SortPending()

	for _, t := range snap.Interrupted {
		if q.Has(t.ID) || slices.ContainsFunc(q.interrupted, func(i protocol.Task) bool { return i.ID == t.ID }) {
			continue
		}
		q.interrupted = append(q.interrupted, t)
	}
	return restored, nil
}

// TakeInterrupted returns and clears the tasks that were running when the
// restored snapshot was written.
func (q *Queue) TakeInterrupted() []protocol.Task {
	out := q.interrupted
	q.interrupted = nil
	return out
}

// ReadSnapshot loads a snapshot file.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // snapshot path is controlled by the application
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := yamlv3.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

func atomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ouro-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Re-read so a truncated write never replaces a good snapshot.
	written, err := os.ReadFile(tmpName) //nolint:gosec // temp file we just created
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var check Snapshot
	if err := yamlv3.Unmarshal(written, &check); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // snapshot path is controlled by the application
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // backup next to the snapshot
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

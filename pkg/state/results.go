package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ouro/pkg/protocol"
)

// WriteResult writes rec to dir/<task_id>.json unless a record for the task
// already exists. It reports whether this call wrote the file. The record is
// staged in a temp file and hard-linked into place, so the first writer wins
// and readers never see a partial record.
func WriteResult(dir string, rec protocol.ResultRecord) (bool, error) {
	if rec.TaskID == "" {
		return false, errors.New("write result: empty task id")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create results dir: %w", err)
	}

	final := filepath.Join(dir, filepath.Base(rec.TaskID)+".json")
	if _, err := os.Stat(final); err == nil {
		return false, nil
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".result-*.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp result: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("write temp result: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync temp result: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp result: %w", err)
	}

	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish result: %w", err)
	}
	return true, nil
}

// ReadResult loads the result record for taskID.
func ReadResult(dir, taskID string) (protocol.ResultRecord, error) {
	var rec protocol.ResultRecord
	data, err := os.ReadFile(filepath.Join(dir, filepath.Base(taskID)+".json")) //nolint:gosec // path built from sanitized task id
	if err != nil {
		return rec, fmt.Errorf("read result %s: %w", taskID, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode result %s: %w", taskID, err)
	}
	return rec, nil
}

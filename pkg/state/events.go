package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// LogEvent appends a row to the events table. payload is stored verbatim
// when it is a string and JSON-encoded otherwise.
func (s *Store) LogEvent(ctx context.Context, evType, source, taskID, workerID string, payload any) error {
	var body string
	switch p := payload.(type) {
	case nil:
	case string:
		body = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		body = string(data)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, body)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// RecordSnapshot writes an audit row for a queue snapshot.
func (s *Store) RecordSnapshot(ctx context.Context, id, reason string, pending, running int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, reason, pending, running) VALUES (?, ?, ?, ?)`,
		id, reason, pending, running)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Package state persists the supervisor's durable record in SQLite: the
// single versioned state row, the append-only event log, and the snapshot
// audit trail. It also writes per-task result records.
//
// Store.Update is the only way to mutate the state record. Each call is one
// read-modify-write transaction, so concurrent writers cannot lose updates.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"ouro/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Record is the supervisor state that survives restarts.
type Record struct {
	Version int64 `json:"-"`

	OwnerID        int64  `json:"owner_id,omitempty"`
	OwnerChannelID int64  `json:"owner_chat_id,omitempty"`
	ChannelCursor  int64  `json:"tg_offset"`
	SessionID      string `json:"session_id,omitempty"`

	SpentUSD              float64 `json:"spent_usd"`
	SpentCalls            int64   `json:"spent_calls"`
	SpentPromptTokens     int64   `json:"spent_tokens_prompt"`
	SpentCompletionTokens int64   `json:"spent_tokens_completion"`

	EvolutionModeEnabled         bool `json:"evolution_mode_enabled"`
	EvolutionConsecutiveFailures int  `json:"evolution_consecutive_failures"`
	EvolutionCycle               int  `json:"evolution_cycle"`
	BackgroundModeEnabled        bool `json:"bg_consciousness_enabled"`

	CurrentBranch   string `json:"current_branch,omitempty"`
	CurrentRevision string `json:"current_sha,omitempty"`

	BudgetMessagesSinceReport int `json:"budget_messages_since_report"`

	RestartReason string `json:"restart_reason,omitempty"`
	RestartTaskID string `json:"restart_task_id,omitempty"`
	LastRestartAt string `json:"last_restart_at,omitempty"`
}

// Store owns the state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path with WAL
// journaling and a 5-second busy timeout, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Load returns the current record. A fresh database yields the zero record
// at version 0.
func (s *Store) Load(ctx context.Context) (Record, error) {
	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, data FROM state WHERE id = 1`).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("load state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("decode state: %w", err)
	}
	rec.Version = version
	return rec, nil
}

// Update applies fn to the current record and persists the result in one
// transaction. If fn returns an error nothing is written and the error is
// returned unchanged. fn must not call back into the Store.
func (s *Store) Update(ctx context.Context, fn func(*Record) error) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin state update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rec     Record
		version int64
		data    string
	)
	err = tx.QueryRowContext(ctx, `SELECT version, data FROM state WHERE id = 1`).Scan(&version, &data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Record{}, fmt.Errorf("load state: %w", err)
	default:
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return Record{}, fmt.Errorf("decode state: %w", err)
		}
	}

	if err := fn(&rec); err != nil {
		return Record{}, err
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode state: %w", err)
	}
	rec.Version = version + 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state (id, version, data, updated_at) VALUES (1, ?, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		rec.Version, string(encoded))
	if err != nil {
		return Record{}, fmt.Errorf("save state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit state: %w", err)
	}
	return rec, nil
}

package protocol

// SchemaDDL defines the SQLite schema for the ouro state database.
// Tables: state (single versioned record), events, snapshots.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Single persisted supervisor state record; id is always 1
CREATE TABLE IF NOT EXISTS state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL,
    data TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Runtime event log: all supervisor/worker lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_type_idx ON events(type);

-- Audit trail of queue snapshots; the snapshot body lives on disk
CREATE TABLE IF NOT EXISTS snapshots (
    id TEXT PRIMARY KEY,
    reason TEXT NOT NULL,
    pending INTEGER NOT NULL,
    running INTEGER NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

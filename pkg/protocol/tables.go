package protocol

// Event represents a row in the events SQLite table.
// Tracks all supervisor/worker lifecycle events.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// SnapshotRow represents a row in the snapshots SQLite table.
type SnapshotRow struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Pending   int    `json:"pending"`
	Running   int    `json:"running"`
	CreatedAt string `json:"created_at"`
}

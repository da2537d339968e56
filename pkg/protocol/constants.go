package protocol

// Directory and file names used throughout ouro.
const (
	// OuroDir is the user-level state directory (e.g., ~/.ouro).
	OuroDir = ".ouro"

	// SnapshotFile is the queue snapshot inside the state directory.
	SnapshotFile = "queue_snapshot.yaml"

	// ResultsDir holds one result record per completed task.
	ResultsDir = "task_results"

	// InboxDir is the local operator channel used when no remote channel is configured.
	InboxDir = "inbox"
)

// Snapshot reasons recorded alongside each queue snapshot.
const (
	SnapshotStartup         = "startup"
	SnapshotEnqueue         = "enqueue"
	SnapshotAssign          = "assign"
	SnapshotTaskDone        = "task_done"
	SnapshotCancel          = "cancel"
	SnapshotScheduleTask    = "schedule_task_event"
	SnapshotEvolveOff       = "evolve_off"
	SnapshotTimeout         = "hard_timeout"
	SnapshotWorkerRespawn   = "worker_respawn"
	SnapshotPreRestartExit  = "pre_restart_exit"
	SnapshotResumeRecovered = "resume_interrupted"
	SnapshotResize          = "resize"
	SnapshotShutdown        = "shutdown"
)

// Result statuses written to result records and DONE payloads.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ExitRestart is the process exit code that asks an external supervisor to
// relaunch ouro (EX_TEMPFAIL).
const ExitRestart = 75

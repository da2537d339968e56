package protocol

import "fmt"

// RejectReason classifies why a task was refused admission to the queue.
type RejectReason string

// Rejection reasons.
const (
	RejectDepth     RejectReason = "depth"
	RejectDuplicate RejectReason = "duplicate"
	RejectMalformed RejectReason = "malformed"
)

// RejectedError is returned by the queue when a task is refused. It is a
// value, not a fault: callers report it to the operator and carry on.
type RejectedError struct {
	TaskID      string
	Reason      RejectReason
	Detail      string
	DuplicateOf string  // ID of the similar pending/running task (duplicate only)
	Similarity  float64 // score against DuplicateOf (duplicate only)
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case RejectDuplicate:
		return fmt.Sprintf("task %s rejected: similar to %s (%.2f)", e.TaskID, e.DuplicateOf, e.Similarity)
	default:
		return fmt.Sprintf("task %s rejected (%s): %s", e.TaskID, e.Reason, e.Detail)
	}
}

// MalformedMessageError is returned by Message.Validate.
type MalformedMessageError struct {
	Type   MessageType
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed %s message: %s", e.Type, e.Reason)
}

// WorkerUnreachableError represents a worker communication failure.
// It enables typed error discrimination for worker connectivity issues.
type WorkerUnreachableError struct {
	WorkerID string
	TaskID   string
	Reason   string // Human-readable failure reason (e.g., "not connected")
}

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable (task %s): %s",
		e.WorkerID, e.TaskID, e.Reason)
}

// UnsyncedError is returned when a restart is blocked because the working
// tree has changes that are not on the remote.
type UnsyncedError struct {
	Branch string
	Detail string
}

func (e *UnsyncedError) Error() string {
	return fmt.Sprintf("branch %s is not synced with its remote: %s", e.Branch, e.Detail)
}

// TransientError marks an upstream failure that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

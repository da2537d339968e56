// Package queue holds the supervisor's work queue: an ordered list of
// pending tasks, the map of tasks currently running on workers, the keyword
// dedup filter guarding self-generated work, and durable snapshots of both.
//
// A Queue is owned by the supervisor control loop and is not safe for
// concurrent use.
package queue

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"ouro/pkg/protocol"
)

// RunningEntry tracks a task that has been handed to a worker.
type RunningEntry struct {
	Task            protocol.Task
	WorkerID        string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Phase           string
	SoftWarned      bool

	// CancelRequestedAt is set once a CANCEL has been sent for the task.
	CancelRequestedAt time.Time
}

// Idle returns how long the entry has gone without a heartbeat.
func (e *RunningEntry) Idle(now time.Time) time.Duration {
	return now.Sub(e.LastHeartbeatAt)
}

// Queue is the pending list plus the running map.
type Queue struct {
	pending      []protocol.Task
	running      map[string]*RunningEntry
	interrupted  []protocol.Task
	snapshotPath string

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates an empty queue that snapshots to snapshotPath. An empty path
// disables snapshots.
func New(snapshotPath string) *Queue {
	return &Queue{
		running:      make(map[string]*RunningEntry),
		snapshotPath: snapshotPath,
		nowFunc:      time.Now,
	}
}

// SetClock overrides the queue clock (for testing).
func (q *Queue) SetClock(now func() time.Time) {
	q.nowFunc = now
}

// Enqueue admits t to the pending list. Tasks deeper than
// protocol.MaxTaskDepth, malformed tasks, and tasks whose ID is already
// pending or running are refused with a *protocol.RejectedError.
func (q *Queue) Enqueue(t protocol.Task) error {
	if err := q.admissible(t); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.nowFunc()
	}
	q.pending = append(q.pending, t)
	q.SortPending()
	return nil
}

// EnqueueDeduped is Enqueue plus the similarity check against every pending
// and running task. Used for work the system generates for itself.
func (q *Queue) EnqueueDeduped(t protocol.Task) error {
	if err := q.admissible(t); err != nil {
		return err
	}
	if m, dup := findDuplicate(t.Text, q.candidates()); dup {
		return &protocol.RejectedError{
			TaskID:      t.ID,
			Reason:      protocol.RejectDuplicate,
			DuplicateOf: m.id,
			Similarity:  m.score,
		}
	}
	return q.Enqueue(t)
}

func (q *Queue) admissible(t protocol.Task) error {
	switch {
	case t.ID == "":
		return &protocol.RejectedError{Reason: protocol.RejectMalformed, Detail: "missing id"}
	case !t.Kind.Valid():
		return &protocol.RejectedError{TaskID: t.ID, Reason: protocol.RejectMalformed, Detail: fmt.Sprintf("unknown kind %q", t.Kind)}
	case strings.TrimSpace(t.Text) == "":
		return &protocol.RejectedError{TaskID: t.ID, Reason: protocol.RejectMalformed, Detail: "empty text"}
	case t.Depth < 0 || t.Depth > protocol.MaxTaskDepth:
		return &protocol.RejectedError{TaskID: t.ID, Reason: protocol.RejectDepth, Detail: fmt.Sprintf("depth %d exceeds %d", t.Depth, protocol.MaxTaskDepth)}
	case q.Has(t.ID):
		return &protocol.RejectedError{TaskID: t.ID, Reason: protocol.RejectDuplicate, DuplicateOf: t.ID, Similarity: 1}
	}
	return nil
}

func (q *Queue) candidates() []candidate {
	out := make([]candidate, 0, len(q.pending)+len(q.running))
	for _, t := range q.pending {
		out = append(out, candidate{id: t.ID, text: t.Text})
	}
	for _, e := range q.RunningEntries() {
		out = append(out, candidate{id: e.Task.ID, text: e.Task.Text})
	}
	return out
}

// SortPending orders pending tasks by kind priority. The sort is stable, so
// admission order is kept within a class.
func (q *Queue) SortPending() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].Kind.Priority() < q.pending[j].Kind.Priority()
	})
}

// Requeue puts t back at the front of its priority class. Any running entry
// for t is dropped first so the task is never both pending and running.
func (q *Queue) Requeue(t protocol.Task) {
	delete(q.running, t.ID)
	q.pending = slices.DeleteFunc(q.pending, func(p protocol.Task) bool { return p.ID == t.ID })
	q.pending = append([]protocol.Task{t}, q.pending...)
	q.SortPending()
}

// Pop removes and returns the head of the pending list.
func (q *Queue) Pop() (protocol.Task, bool) {
	if len(q.pending) == 0 {
		return protocol.Task{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

// Start records t as running on workerID.
func (q *Queue) Start(t protocol.Task, workerID string) *RunningEntry {
	now := q.nowFunc()
	e := &RunningEntry{
		Task:            t,
		WorkerID:        workerID,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	q.running[t.ID] = e
	return e
}

// Finish removes the running entry for taskID.
func (q *Queue) Finish(taskID string) (*RunningEntry, bool) {
	e, ok := q.running[taskID]
	if ok {
		delete(q.running, taskID)
	}
	return e, ok
}

// Heartbeat refreshes the liveness of a running task. Heartbeats for tasks
// that are not running are ignored.
func (q *Queue) Heartbeat(taskID, phase string) bool {
	e, ok := q.running[taskID]
	if !ok {
		return false
	}
	e.LastHeartbeatAt = q.nowFunc()
	if phase != "" {
		e.Phase = phase
	}
	e.SoftWarned = false
	return true
}

// CancelPending removes taskID from the pending list.
func (q *Queue) CancelPending(taskID string) bool {
	before := len(q.pending)
	q.pending = slices.DeleteFunc(q.pending, func(t protocol.Task) bool { return t.ID == taskID })
	return len(q.pending) != before
}

// PurgeKind drops every pending task of the given kind and returns how many
// were removed.
func (q *Queue) PurgeKind(kind protocol.TaskKind) int {
	before := len(q.pending)
	q.pending = slices.DeleteFunc(q.pending, func(t protocol.Task) bool { return t.Kind == kind })
	return before - len(q.pending)
}

// Running returns the running entry for taskID.
func (q *Queue) Running(taskID string) (*RunningEntry, bool) {
	e, ok := q.running[taskID]
	return e, ok
}

// RunningEntries returns running entries ordered by start time.
func (q *Queue) RunningEntries() []*RunningEntry {
	out := make([]*RunningEntry, 0, len(q.running))
	for _, e := range q.running {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Task.ID < out[j].Task.ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Pending returns a copy of the pending list in scheduling order.
func (q *Queue) Pending() []protocol.Task {
	return slices.Clone(q.pending)
}

// Has reports whether taskID is pending or running.
func (q *Queue) Has(taskID string) bool {
	if _, ok := q.running[taskID]; ok {
		return true
	}
	return slices.ContainsFunc(q.pending, func(t protocol.Task) bool { return t.ID == taskID })
}

// HasKind reports whether any pending or running task is of kind.
func (q *Queue) HasKind(kind protocol.TaskKind) bool {
	for _, e := range q.running {
		if e.Task.Kind == kind {
			return true
		}
	}
	return slices.ContainsFunc(q.pending, func(t protocol.Task) bool { return t.Kind == kind })
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int { return len(q.pending) }

// RunningLen returns the number of running tasks.
func (q *Queue) RunningLen() int { return len(q.running) }

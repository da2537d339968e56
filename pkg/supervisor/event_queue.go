package supervisor

import (
	"context"
	"time"

	"ouro/pkg/protocol"
)

// DefaultEventBuffer is the capacity of the event queue.
const DefaultEventBuffer = 1024

// EventQueue is the single ingestion point for everything workers, the
// watchdog, and scheduled jobs report. Any goroutine may Push; only the
// control loop calls Next.
type EventQueue struct {
	ch chan protocol.Message
}

// NewEventQueue creates a queue holding up to size undelivered events.
func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &EventQueue{ch: make(chan protocol.Message, size)}
}

// Push enqueues msg, blocking while the queue is full. It returns false if
// ctx ends first.
func (q *EventQueue) Push(ctx context.Context, msg protocol.Message) bool {
	select {
	case q.ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// TryPush enqueues msg without blocking and reports whether it fit.
func (q *EventQueue) TryPush(msg protocol.Message) bool {
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Next waits up to timeout for an event. ok is false on timeout or when ctx
// ends.
func (q *EventQueue) Next(ctx context.Context, timeout time.Duration) (msg protocol.Message, ok bool) {
	if timeout <= 0 {
		select {
		case msg = <-q.ch:
			return msg, true
		default:
			return msg, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg = <-q.ch:
		return msg, true
	case <-timer.C:
		return msg, false
	case <-ctx.Done():
		return msg, false
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Package worker implements the ouro worker process. A worker connects to
// the supervisor over a Unix domain socket, announces itself with HELLO,
// runs each ASSIGNed task through a TaskRunner, and reports heartbeats,
// agent events, and a final DONE back over the same connection.
//
// The package also provides the in-process direct and background sessions
// the supervisor drives without a socket.
package worker

import (
	"sync"

	"ouro/pkg/protocol"
)

// MessageBuffer holds messages produced while the supervisor connection is
// down. It is bounded: once full, the oldest message is dropped.
type MessageBuffer struct {
	mu      sync.Mutex
	msgs    []protocol.Message
	limit   int
	dropped int
}

// NewMessageBuffer creates a buffer holding at most limit messages.
func NewMessageBuffer(limit int) *MessageBuffer {
	if limit < 1 {
		limit = 1
	}
	return &MessageBuffer{msgs: make([]protocol.Message, 0, limit), limit: limit}
}

// Add appends msg, evicting the oldest message when the buffer is full.
func (b *MessageBuffer) Add(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == b.limit {
		b.msgs = append(b.msgs[:0], b.msgs[1:]...)
		b.dropped++
	}
	b.msgs = append(b.msgs, msg)
}

// Drain returns the buffered messages in arrival order and empties the
// buffer.
func (b *MessageBuffer) Drain() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	out := make([]protocol.Message, len(b.msgs))
	copy(out, b.msgs)
	b.msgs = b.msgs[:0]
	return out
}

// Len returns the number of buffered messages.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Dropped returns how many messages were evicted since the buffer was made.
func (b *MessageBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

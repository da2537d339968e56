package supervisor //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"sync"
	"testing"
	"time"

	"ouro/pkg/protocol"
)

func TestEventQueueFIFO(t *testing.T) {
	q := NewEventQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		q.Push(ctx, protocol.Message{Type: protocol.MsgUsage, Usage: &protocol.UsagePayload{TaskID: id}})
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, ok := q.Next(ctx, 0)
		if !ok || msg.Usage.TaskID != want {
			t.Fatalf("Next = %+v, %v; want %s", msg, ok, want)
		}
	}
	if _, ok := q.Next(ctx, 10*time.Millisecond); ok {
		t.Fatal("Next on empty queue returned an event")
	}
}

func TestEventQueueTryPushWhenFull(t *testing.T) {
	q := NewEventQueue(1)
	if !q.TryPush(protocol.Message{Type: protocol.MsgTyping}) {
		t.Fatal("first TryPush failed")
	}
	if q.TryPush(protocol.Message{Type: protocol.MsgTyping}) {
		t.Fatal("TryPush on a full queue succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if q.Push(ctx, protocol.Message{Type: protocol.MsgTyping}) {
		t.Fatal("blocked Push should give up when ctx ends")
	}
}

func TestEventQueueConcurrentProducers(t *testing.T) {
	q := NewEventQueue(0)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Push(ctx, protocol.Message{Type: protocol.MsgHeartbeat})
			}
		}()
	}
	wg.Wait()
	if q.Len() != 400 {
		t.Fatalf("Len = %d, want 400", q.Len())
	}
}

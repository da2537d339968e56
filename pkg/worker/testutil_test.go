package worker_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"ouro/pkg/protocol"
	"ouro/pkg/worker"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fastRetry = worker.RetryPolicy{
	Base:         time.Millisecond,
	Max:          4 * time.Millisecond,
	Attempts:     3,
	SlowInterval: 2 * time.Millisecond,
}

func fastOptions() worker.Options {
	return worker.Options{HeartbeatInterval: 10 * time.Millisecond, Retry: fastRetry, Logger: discardLogger()}
}

// fakeSupervisor is the far end of the worker's socket. A background reader
// drains every line, since net.Pipe writes block until the other side reads.
type fakeSupervisor struct {
	conn net.Conn
	msgs chan protocol.Message
}

func newFakeSupervisor(t *testing.T, conn net.Conn) *fakeSupervisor {
	t.Helper()
	f := &fakeSupervisor{conn: conn, msgs: make(chan protocol.Message, 1024)}
	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64<<10), 16<<20)
		for scanner.Scan() {
			var msg protocol.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil {
				f.msgs <- msg
			}
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return f
}

func pipeWorker(t *testing.T, id string, runner worker.TaskRunner) (*worker.Worker, *fakeSupervisor) {
	t.Helper()
	supConn, workerConn := net.Pipe()
	sup := newFakeSupervisor(t, supConn)
	return worker.NewWithConn(id, workerConn, runner, fastOptions()), sup
}

// next returns the next message of any type.
func (f *fakeSupervisor) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-f.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from worker within 2s")
		return protocol.Message{}
	}
}

// expect skips heartbeats until a message of typ arrives. Other types are
// a failure.
func (f *fakeSupervisor) expect(t *testing.T, typ protocol.MessageType) protocol.Message {
	t.Helper()
	for {
		msg := f.next(t)
		if msg.Type == typ {
			return msg
		}
		if msg.Type != protocol.MsgHeartbeat {
			t.Fatalf("expected %s, got %s", typ, msg.Type)
		}
	}
}

func (f *fakeSupervisor) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	if _, err := f.conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
}

func assign(task protocol.Task) protocol.Message {
	return protocol.Message{Type: protocol.MsgAssign, Assign: &protocol.AssignPayload{Task: task}}
}

// blockingRunner runs until its context ends.
func blockingRunner() worker.TaskRunner {
	return worker.FuncRunner(func(ctx context.Context, _ protocol.Task, _ worker.Emit) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
}

// chattyRunner reports a "thinking" phase every few milliseconds until ctx
// ends.
func chattyRunner() worker.TaskRunner {
	return worker.FuncRunner(func(ctx context.Context, _ protocol.Task, emit worker.Emit) (worker.Result, error) {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return worker.Result{}, ctx.Err()
			case <-ticker.C:
				emit(protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{Phase: "thinking"}})
			}
		}
	})
}

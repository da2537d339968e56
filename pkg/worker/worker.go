package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"time"

	"ouro/pkg/protocol"
)

// reconnectBaseInterval is the base retry interval for reconnection.
const reconnectBaseInterval = 2 * time.Second

// reconnectJitter is the maximum jitter added to the reconnect interval.
const reconnectJitter = 500 * time.Millisecond

// maxBufferedMessages is the maximum number of messages buffered during reconnection.
const maxBufferedMessages = 100

// DefaultHeartbeatInterval is how often a busy worker heartbeats.
const DefaultHeartbeatInterval = 30 * time.Second

// Options tunes a Worker. Zero values select the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	Retry             RetryPolicy
	Logger            *slog.Logger
}

// Worker is the ouro worker agent. It holds a UDS connection to the
// supervisor and runs at most one task at a time.
type Worker struct {
	ID         string
	socketPath string // for reconnection
	runner     TaskRunner
	buffer     *MessageBuffer
	heartbeat  time.Duration
	retry      RetryPolicy
	log        *slog.Logger

	writeMu sync.Mutex // serializes writes to conn

	mu           sync.Mutex
	conn         net.Conn
	disconnected bool
	current      *runningTask
}

// runningTask is the task in flight. The task, cancel and done fields are
// fixed at start; the rest are guarded by Worker.mu.
type runningTask struct {
	task      protocol.Task
	cancel    context.CancelFunc
	cancelled bool
	phase     string
	// progressed is set by agent output and cleared by each periodic heartbeat.
	progressed bool
	done       chan struct{}
}

// New dials the supervisor at socketPath and returns a Worker ready to Run.
func New(ctx context.Context, id, socketPath string, runner TaskRunner, opts Options) (*Worker, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to supervisor: %w", err)
	}
	w := NewWithConn(id, conn, runner, opts)
	w.socketPath = socketPath
	return w, nil
}

// NewWithConn creates a Worker with a pre-established connection (for testing).
// Without a socket path it cannot reconnect.
func NewWithConn(id string, conn net.Conn, runner TaskRunner, opts Options) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Worker{
		ID:           id,
		conn:         conn,
		disconnected: true, // until Run announces the worker
		runner:       runner,
		buffer:       NewMessageBuffer(maxBufferedMessages),
		heartbeat:    opts.HeartbeatInterval,
		retry:        opts.Retry,
		log:          opts.Logger.With("worker_id", id),
	}
}

// Run is the main event loop. It announces the worker, replays anything
// buffered while disconnected, then handles supervisor messages until
// SHUTDOWN, ctx cancellation, or an unrecoverable connection loss. It
// returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.serve(ctx)
		if err == nil || ctx.Err() != nil {
			w.stopTask()
			return nil
		}
		if w.socketPath == "" {
			// No socketPath means we can't reconnect (test with net.Pipe).
			w.stopTask()
			return err
		}
		w.log.Warn("supervisor connection lost, reconnecting", "err", err)
		if reconnErr := w.reconnect(ctx); reconnErr != nil {
			w.stopTask()
			return reconnErr
		}
	}
}

// errShutdown ends serve on SHUTDOWN.
var errShutdown = errors.New("shutdown")

// serve runs one connection's lifetime. It returns nil on SHUTDOWN or ctx
// cancellation and the read error otherwise.
func (w *Worker) serve(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	if err := w.online(conn); err != nil {
		return err
	}

	msgCh := make(chan protocol.Message)
	errCh := make(chan error, 1)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()

	// Read messages in a goroutine so we can select on ctx.Done.
	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64<<10), 16<<20)
		for scanner.Scan() {
			var msg protocol.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue // skip malformed messages
			}
			select {
			case msgCh <- msg:
			case <-readCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- errors.New("connection closed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgCh:
			if err := w.handleMessage(ctx, msg); err != nil {
				if errors.Is(err, errShutdown) {
					return nil
				}
				return err
			}
		case err := <-errCh:
			w.mu.Lock()
			w.disconnected = true
			w.mu.Unlock()
			return err
		}
	}
}

// handleMessage processes a single incoming message.
func (w *Worker) handleMessage(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		w.log.Warn("ignoring invalid message", "err", err)
		return nil
	}
	switch msg.Type {
	case protocol.MsgAssign:
		w.startTask(ctx, msg.Assign.Task)
	case protocol.MsgCancel:
		w.cancelTask(msg.Cancel.TaskID)
	case protocol.MsgShutdown:
		w.log.Info("shutdown requested", "reason", msg.Shutdown.Reason)
		w.stopTask()
		return errShutdown
	default:
		w.log.Debug("ignoring message", "type", msg.Type)
	}
	return nil
}

// startTask begins running t unless another task is in flight.
func (w *Worker) startTask(ctx context.Context, t protocol.Task) {
	w.mu.Lock()
	if w.current != nil {
		busy := w.current.task.ID
		w.mu.Unlock()
		w.log.Warn("assignment while busy, refusing", "task_id", t.ID, "busy_with", busy)
		_ = w.sendMessage(protocol.Message{Type: protocol.MsgDone, Done: &protocol.DonePayload{
			WorkerID: w.ID, TaskID: t.ID, TaskKind: t.Kind, Status: protocol.StatusFailed,
			Error: "worker busy with " + busy,
		}})
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{task: t, cancel: cancel, phase: "starting", done: make(chan struct{})}
	w.current = rt
	w.mu.Unlock()

	go w.runTask(taskCtx, rt)
}

func (w *Worker) runTask(ctx context.Context, rt *runningTask) {
	defer close(rt.done)
	t := rt.task
	started := time.Now()
	log := w.log.With("task_id", t.ID, "kind", t.Kind)
	log.Info("task started")

	hbCtx, stopHB := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, rt)
	w.sendHeartbeat(rt)

	runCtx := WithProgress(ctx, func() { w.markProgress(rt) })
	res, err := RunWithRetry(runCtx, w.runner, t, w.forward(rt), w.retry, func(attempt int, wait time.Duration, err error) {
		w.setPhase(rt, "retrying")
		w.markProgress(rt)
		log.Warn("transient failure, retrying", "attempt", attempt, "wait", wait, "err", err)
		w.sendHeartbeat(rt)
	})
	stopHB()

	w.mu.Lock()
	cancelled := rt.cancelled
	w.current = nil
	w.mu.Unlock()
	rt.cancel()

	done := &protocol.DonePayload{
		WorkerID: w.ID, TaskID: t.ID, TaskKind: t.Kind,
		Status: protocol.StatusCompleted, CostUSD: res.CostUSD, TotalRounds: res.Rounds,
	}
	switch {
	case cancelled:
		done.Status = protocol.StatusCancelled
	case err != nil:
		done.Status = protocol.StatusFailed
		done.Error = err.Error()
	}
	_ = w.sendMessage(protocol.Message{Type: protocol.MsgTaskMetrics, TaskMetrics: &protocol.TaskMetricsPayload{
		TaskID: t.ID, TaskKind: t.Kind, DurationSec: time.Since(started).Seconds(),
		ToolCalls: res.ToolCalls, ToolErrors: res.ToolErrors,
	}})
	_ = w.sendMessage(protocol.Message{Type: protocol.MsgDone, Done: done})
	log.Info("task finished", "status", done.Status, "cost_usd", res.CostUSD, "rounds", res.Rounds)
}

// forward stamps agent messages with this worker and task before sending.
func (w *Worker) forward(rt *runningTask) Emit {
	return func(m protocol.Message) {
		w.markProgress(rt)
		switch {
		case m.Heartbeat != nil:
			m.Heartbeat.WorkerID, m.Heartbeat.TaskID = w.ID, rt.task.ID
			if m.Heartbeat.Phase != "" {
				w.setPhase(rt, m.Heartbeat.Phase)
			}
		case m.Usage != nil:
			m.Usage.WorkerID, m.Usage.TaskID = w.ID, rt.task.ID
		case m.SendMessage != nil && m.SendMessage.ChannelID == 0:
			m.SendMessage.ChannelID = rt.task.ChannelID
		case m.ScheduleTask != nil:
			if m.ScheduleTask.ParentTaskID == "" {
				m.ScheduleTask.ParentTaskID = rt.task.ID
			}
			if m.ScheduleTask.Depth == 0 {
				m.ScheduleTask.Depth = rt.task.Depth + 1
			}
		case m.RestartRequest != nil && m.RestartRequest.TaskID == "":
			m.RestartRequest.TaskID = rt.task.ID
		}
		if err := w.sendMessage(m); err != nil {
			w.log.Warn("forward agent message", "type", m.Type, "err", err)
		}
	}
}

// heartbeatLoop heartbeats once per interval, but only for intervals in
// which the agent showed progress. A silent agent goes quiet and is caught
// by the supervisor's heartbeat timeout.
func (w *Worker) heartbeatLoop(ctx context.Context, rt *runningTask) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.takeProgress(rt) {
				w.sendHeartbeat(rt)
			}
		}
	}
}

func (w *Worker) markProgress(rt *runningTask) {
	w.mu.Lock()
	rt.progressed = true
	w.mu.Unlock()
}

// takeProgress reports whether the agent produced output since the last
// call and resets the marker.
func (w *Worker) takeProgress(rt *runningTask) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := rt.progressed
	rt.progressed = false
	return p
}

func (w *Worker) setPhase(rt *runningTask, phase string) {
	w.mu.Lock()
	rt.phase = phase
	w.mu.Unlock()
}

func (w *Worker) sendHeartbeat(rt *runningTask) {
	w.mu.Lock()
	phase := rt.phase
	w.mu.Unlock()
	_ = w.sendMessage(protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{
		WorkerID: w.ID, TaskID: rt.task.ID, Phase: phase,
	}})
}

// cancelTask cancels the running task if it is taskID.
func (w *Worker) cancelTask(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || w.current.task.ID != taskID {
		w.log.Debug("cancel for task not running here", "task_id", taskID)
		return
	}
	w.current.cancelled = true
	w.current.cancel()
}

// stopTask cancels any running task and waits for it to report.
func (w *Worker) stopTask() {
	w.mu.Lock()
	rt := w.current
	if rt != nil {
		rt.cancelled = true
		rt.cancel()
	}
	w.mu.Unlock()
	if rt != nil {
		<-rt.done
	}
}

// CurrentTask returns the ID of the task in flight, or "".
func (w *Worker) CurrentTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.task.ID
}

// online announces the worker on conn and replays the buffer. Until the
// buffer is empty other senders keep buffering, so HELLO is always the
// first line and replayed messages keep their order.
func (w *Worker) online(conn net.Conn) error {
	hello := protocol.Message{Type: protocol.MsgHello, Hello: &protocol.HelloPayload{
		WorkerID: w.ID, PID: os.Getpid(), TaskID: w.CurrentTask(),
	}}
	if err := w.writeLine(conn, hello); err != nil {
		return err
	}
	for {
		msgs := w.buffer.Drain()
		if len(msgs) == 0 {
			w.mu.Lock()
			if w.buffer.Len() == 0 {
				w.disconnected = false
				w.mu.Unlock()
				return nil
			}
			w.mu.Unlock()
			continue
		}
		for i, m := range msgs {
			if err := w.writeLine(conn, m); err != nil {
				for _, rest := range msgs[i:] {
					w.buffer.Add(rest)
				}
				return err
			}
		}
	}
}

// reconnect attempts to re-establish the UDS connection to the supervisor.
// It retries every 2s with ±500ms jitter until success or context cancellation.
// A running task keeps running; its messages are buffered meanwhile.
func (w *Worker) reconnect(ctx context.Context) error {
	var d net.Dialer
	for {
		jitter := time.Duration(rand.Int64N(int64(2*reconnectJitter))) - reconnectJitter //nolint:gosec // jitter doesn't need crypto rand
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker reconnect: %w", ctx.Err())
		case <-time.After(reconnectBaseInterval + jitter):
		}

		conn, err := d.DialContext(ctx, "unix", w.socketPath)
		if err != nil {
			continue
		}
		w.mu.Lock()
		_ = w.conn.Close()
		w.conn = conn
		w.mu.Unlock()
		w.log.Info("reconnected to supervisor", "buffered", w.buffer.Len())
		return nil
	}
}

// sendMessage encodes and writes a protocol.Message as line-delimited JSON.
// If disconnected, the message is buffered instead.
func (w *Worker) sendMessage(msg protocol.Message) error {
	w.mu.Lock()
	if w.disconnected {
		w.buffer.Add(msg)
		w.mu.Unlock()
		return nil
	}
	conn := w.conn
	w.mu.Unlock()

	if err := w.writeLine(conn, msg); err != nil {
		w.buffer.Add(msg)
		return err
	}
	return nil
}

func (w *Worker) writeLine(conn net.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

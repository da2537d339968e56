package supervisor //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ouro/pkg/messaging"
	"ouro/pkg/protocol"
	"ouro/pkg/queue"
	"ouro/pkg/state"
	"ouro/pkg/vcs"
)

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Process manager ---

type fakeProcess struct {
	pid int
	mu  sync.Mutex
	end bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	p.end = true
	p.mu.Unlock()
}

type fakeProcessManager struct {
	procs   map[string]*fakeProcess
	spawned []string
	killed  []string
	nextPID int
	failFor map[string]error
}

func newFakeProcessManager() *fakeProcessManager {
	return &fakeProcessManager{procs: make(map[string]*fakeProcess), nextPID: 1000, failFor: make(map[string]error)}
}

func (m *fakeProcessManager) Spawn(id string) (WorkerProcess, error) {
	if err := m.failFor[id]; err != nil {
		return nil, err
	}
	m.nextPID++
	p := &fakeProcess{pid: m.nextPID}
	m.procs[id] = p
	m.spawned = append(m.spawned, id)
	return p, nil
}

func (m *fakeProcessManager) Kill(id string) error {
	m.killed = append(m.killed, id)
	if p, ok := m.procs[id]; ok {
		p.exit()
		delete(m.procs, id)
	}
	return nil
}

// --- Transport ---

type sentMessage struct {
	workerID string
	msg      protocol.Message
}

type fakeTransport struct {
	disconnected map[string]bool
	sent         []sentMessage
	failSend     map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{disconnected: make(map[string]bool), failSend: make(map[string]error)}
}

func (m *fakeTransport) Send(workerID string, msg protocol.Message) error {
	if err := m.failSend[workerID]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{workerID: workerID, msg: msg})
	return nil
}

// Connected reports true unless the worker was explicitly disconnected.
func (m *fakeTransport) Connected(workerID string) bool { return !m.disconnected[workerID] }

func (m *fakeTransport) Disconnect(workerID string) {}

func (m *fakeTransport) sentOfType(typ protocol.MessageType) []sentMessage {
	var out []sentMessage
	for _, s := range m.sent {
		if s.msg.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// --- Messenger ---

type sentText struct {
	channelID int64
	text      string
}

type fakeMessenger struct {
	updates []messaging.Update
	sent    []sentText
	photos  int
	typing  int
	pollErr error
}

func (m *fakeMessenger) Poll(_ context.Context, cursor int64, _ time.Duration) ([]messaging.Update, error) {
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	var out []messaging.Update
	for _, u := range m.updates {
		if u.ID >= cursor {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *fakeMessenger) Send(_ context.Context, channelID int64, text string) error {
	m.sent = append(m.sent, sentText{channelID: channelID, text: text})
	return nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, _ int64, _ []byte, _ string) error {
	m.photos++
	return nil
}

func (m *fakeMessenger) SendTyping(_ context.Context, _ int64) error {
	m.typing++
	return nil
}

func (m *fakeMessenger) contains(substr string) bool {
	for _, s := range m.sent {
		if strings.Contains(s.text, substr) {
			return true
		}
	}
	return false
}

func (m *fakeMessenger) count(substr string) int {
	n := 0
	for _, s := range m.sent {
		if strings.Contains(s.text, substr) {
			n++
		}
	}
	return n
}

// --- VCS ---

type fakeVCS struct {
	status     vcs.Status
	resets     []string
	promoteRev string
	promoteErr error
}

func (m *fakeVCS) Status(context.Context) (vcs.Status, error) { return m.status, nil }

func (m *fakeVCS) CheckoutAndReset(_ context.Context, branch string) error {
	m.resets = append(m.resets, branch)
	m.status.Synced = true
	return nil
}

func (m *fakeVCS) Promote(context.Context, string, string) (string, error) {
	return m.promoteRev, m.promoteErr
}

// --- Relauncher ---

type fakeRelauncher struct {
	calls int
}

func (m *fakeRelauncher) Relaunch() error {
	m.calls++
	return ErrRelaunch
}

// --- Sessions ---

type fakeDirect struct {
	mu        sync.Mutex
	status    SessionStatus
	submitted []protocol.Task
	resets    []string
}

func (m *fakeDirect) Submit(_ context.Context, t protocol.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, t)
	return nil
}

func (m *fakeDirect) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *fakeDirect) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, reason)
	m.status = SessionStatus{}
}

type fakeBackground struct {
	running bool
	starts  int
	stops   int
}

func (m *fakeBackground) Start(context.Context) error {
	m.running = true
	m.starts++
	return nil
}

func (m *fakeBackground) Stop() {
	m.running = false
	m.stops++
}

func (m *fakeBackground) Running() bool { return m.running }

// --- Harness ---

const ownerChannel int64 = 42

type harness struct {
	s     *Supervisor
	q     *queue.Queue
	store *state.Store
	pm    *fakeProcessManager
	tr    *fakeTransport
	msg   *fakeMessenger
	vcs   *fakeVCS
	rl    *fakeRelauncher
	bg    *fakeBackground
	dir   string

	now    time.Time
	nextID int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := state.Open(ctx, filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		q:     queue.New(filepath.Join(dir, protocol.SnapshotFile)),
		store: store,
		pm:    newFakeProcessManager(),
		tr:    newFakeTransport(),
		msg:   &fakeMessenger{},
		vcs:   &fakeVCS{status: vcs.Status{Synced: true, Branch: "ouroboros", Revision: "0123456789abcdef"}},
		rl:    &fakeRelauncher{},
		bg:    &fakeBackground{},
		dir:   dir,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(dir, protocol.ResultsDir)
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = filepath.Join(dir, "status.json")
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 2
	}
	h.s = New(cfg, Deps{
		Queue:      h.q,
		Store:      store,
		Processes:  h.pm,
		Transport:  h.tr,
		Messenger:  h.msg,
		VCS:        h.vcs,
		Relauncher: h.rl,
		Background: h.bg,
		Logger:     discardLogger(),
	})
	h.s.nowFunc = h.clock
	h.q.SetClock(h.clock)
	h.s.newID = func() string {
		h.nextID++
		return fmt.Sprintf("t%03d", h.nextID)
	}
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) registerOwner(t *testing.T) {
	t.Helper()
	if _, err := h.store.Update(context.Background(), func(r *state.Record) error {
		r.OwnerID = 7
		r.OwnerChannelID = ownerChannel
		return nil
	}); err != nil {
		t.Fatalf("register owner: %v", err)
	}
}

func (h *harness) record(t *testing.T) state.Record {
	t.Helper()
	rec, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return rec
}

func (h *harness) update(t *testing.T, fn func(*state.Record)) {
	t.Helper()
	if _, err := h.store.Update(context.Background(), func(r *state.Record) error {
		fn(r)
		return nil
	}); err != nil {
		t.Fatalf("update state: %v", err)
	}
}

func (h *harness) enqueue(t *testing.T, task protocol.Task) {
	t.Helper()
	if err := h.q.Enqueue(task); err != nil {
		t.Fatalf("enqueue %s: %v", task.ID, err)
	}
}

func (h *harness) spawn(t *testing.T, n int) {
	t.Helper()
	if err := h.s.pool.Spawn(n); err != nil {
		t.Fatalf("spawn: %v", err)
	}
}

func (h *harness) snapshotPath() string { return filepath.Join(h.dir, protocol.SnapshotFile) }

func (h *harness) snapshotReason(t *testing.T) string {
	t.Helper()
	snap, err := queue.ReadSnapshot(h.snapshotPath())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	return snap.Reason
}

func (h *harness) countEvents(t *testing.T, evType string) int {
	t.Helper()
	var n int
	if err := h.store.DB().QueryRow(`SELECT COUNT(*) FROM events WHERE type = ?`, evType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (h *harness) dispatch(t *testing.T, msg protocol.Message) {
	t.Helper()
	if err := h.s.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch(%s): %v", msg.Type, err)
	}
}

func doneMsg(workerID, taskID string, kind protocol.TaskKind, cost float64, rounds int) protocol.Message {
	return protocol.Message{Type: protocol.MsgDone, Done: &protocol.DonePayload{
		WorkerID: workerID, TaskID: taskID, TaskKind: kind,
		Status: protocol.StatusCompleted, CostUSD: cost, TotalRounds: rounds,
	}}
}

func heartbeatMsg(workerID, taskID, phase string) protocol.Message {
	return protocol.Message{Type: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{
		WorkerID: workerID, TaskID: taskID, Phase: phase,
	}}
}

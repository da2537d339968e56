package queue

import (
	"os"
	"path/filepath"
	"testing"

	"ouro/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestoreReproducesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), protocol.SnapshotFile)

	q := New(path)
	require.NoError(t, q.Enqueue(task("o1", protocol.TaskOperator, "fix login bug")))
	require.NoError(t, q.Enqueue(task("e1", protocol.TaskEvolution, "evolution cycle")))
	require.NoError(t, q.Enqueue(task("o2", protocol.TaskOperator, "update readme")))
	require.NoError(t, q.Enqueue(task("r1", protocol.TaskReview, "review codebase")))

	snap, err := q.Snapshot(protocol.SnapshotEnqueue)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, protocol.SnapshotEnqueue, snap.Reason)

	fresh := New(path)
	n, err := fresh.Restore()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, pendingIDs(q), pendingIDs(fresh))
	assert.Equal(t, "fix login bug", fresh.Pending()[0].Text)
}

func TestRestoreIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), protocol.SnapshotFile)

	q := New(path)
	require.NoError(t, q.Enqueue(task("a", protocol.TaskOperator, "work a")))
	require.NoError(t, q.Enqueue(task("b", protocol.TaskOperator, "work b")))
	_, err := q.Snapshot(protocol.SnapshotEnqueue)
	require.NoError(t, err)

	fresh := New(path)
	first, err := fresh.Restore()
	require.NoError(t, err)
	second, err := fresh.Restore()
	require.NoError(t, err)

	assert.Equal(t, 2, first)
	assert.Zero(t, second)
	assert.Equal(t, []string{"a", "b"}, pendingIDs(fresh))
}

func TestRestoreMissingSnapshot(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "absent.yaml"))
	n, err := q.Restore()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestoreCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), protocol.SnapshotFile)
	require.NoError(t, os.WriteFile(path, []byte("pending: [::"), 0o600))

	_, err := New(path).Restore()
	assert.Error(t, err)
}

func TestSnapshotRecordsRunningAsInterrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), protocol.SnapshotFile)

	q := New(path)
	require.NoError(t, q.Enqueue(task("run", protocol.TaskOperator, "long job")))
	require.NoError(t, q.Enqueue(task("wait", protocol.TaskOperator, "queued job")))
	tk, _ := q.Pop()
	q.Start(tk, "w-01")

	_, err := q.Snapshot(protocol.SnapshotPreRestartExit)
	require.NoError(t, err)

	fresh := New(path)
	n, err := fresh.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "running tasks are not restored as pending")
	assert.Equal(t, []string{"wait"}, pendingIDs(fresh))

	_, err = fresh.Restore()
	require.NoError(t, err)
	interrupted := fresh.TakeInterrupted()
	require.Len(t, interrupted, 1)
	assert.Equal(t, "run", interrupted[0].ID)
	assert.Empty(t, fresh.TakeInterrupted())
}

func TestSnapshotKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), protocol.SnapshotFile)

	q := New(path)
	require.NoError(t, q.Enqueue(task("a", protocol.TaskOperator, "work a")))
	_, err := q.Snapshot(protocol.SnapshotEnqueue)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(task("b", protocol.TaskOperator, "work b")))
	_, err = q.Snapshot(protocol.SnapshotEnqueue)
	require.NoError(t, err)

	bak, err := ReadSnapshot(path + ".bak")
	require.NoError(t, err)
	assert.Len(t, bak.Pending, 1)

	cur, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Len(t, cur.Pending, 2)
}

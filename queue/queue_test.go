package queue

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/taskflow/device"
	"github.com/whisper-darkly/taskflow/ingest"
	"github.com/whisper-darkly/taskflow/task"
)

func mustQueue(t *testing.T, name, yaml string, ledger *device.Ledger, n Notifier) *Queue {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	q, err := New("queue_"+name, name, path, ledger, n)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.StopAll()
		q.WaitIdle(5 * time.Second)
		q.Close()
	})
	return q
}

// liveIDs maps task names to ids for everything pending or running.
func liveIDs(q *Queue) map[string]string {
	ids := make(map[string]string)
	pending, running := q.Tasks()
	for _, s := range append(pending, running...) {
		ids[s.Name] = s.ID
	}
	return ids
}

func pendingNames(q *Queue) []string {
	pending, _ := q.Tasks()
	names := make([]string, 0, len(pending))
	for _, s := range pending {
		names = append(names, s.Name)
	}
	return names
}

func waitStatus(t *testing.T, q *Queue, id string, want task.Status) task.Snapshot {
	t.Helper()
	var snap task.Snapshot
	require.Eventually(t, func() bool {
		s, ok := q.FindTask(id)
		if ok {
			snap = s
		}
		return ok && s.Status == want
	}, 5*time.Second, 20*time.Millisecond, "task %s never reached %s", id, want)
	return snap
}

func TestAutoRunSequential(t *testing.T) {
	q := mustQueue(t, "A", `- name: t1
  command: echo a
- name: t2
  command: echo b
`, device.NewLedger(), nil)

	require.NoError(t, q.StartAuto())
	require.Eventually(t, func() bool { return q.HistoryCount() == 2 }, 5*time.Second, 20*time.Millisecond)

	// Newest first: t2 then t1.
	recs := q.History()
	require.Len(t, recs, 2)
	require.Equal(t, "t2", recs[0].Name)
	require.Equal(t, "t1", recs[1].Name)
	for _, rec := range recs {
		require.Equal(t, task.StatusCompleted, rec.Status)
		require.NotNil(t, rec.ExitCode)
		require.Equal(t, 0, *rec.ExitCode)
	}

	logsDir := filepath.Join(filepath.Dir(q.ConfigPath()), "logs")
	require.Equal(t, logsDir, filepath.Dir(recs[1].LogFile))
	data, err := os.ReadFile(recs[1].LogFile)
	require.NoError(t, err)
	require.Equal(t, "a\n", string(data))
	data, err = os.ReadFile(recs[0].LogFile)
	require.NoError(t, err)
	require.Equal(t, "b\n", string(data))

	// Auto is a flag, it stays on after the queue drains.
	require.True(t, q.AutoRunning())
	pending, running := q.Tasks()
	require.Empty(t, pending)
	require.Empty(t, running)

	counts, _ := q.Summary()
	require.Equal(t, 2, counts[task.StatusCompleted])
}

func TestConflictAcrossQueuesWaits(t *testing.T) {
	ledger := device.NewLedger()
	qa := mustQueue(t, "A", `- name: hold
  command: CUDA_VISIBLE_DEVICES=0 sleep 0.4
`, ledger, nil)
	qb := mustQueue(t, "B", `- name: want
  command: CUDA_VISIBLE_DEVICES=0,1 echo done
`, ledger, nil)
	ledger.OnRelease(func() {
		qa.Nudge()
		qb.Nudge()
	})

	holdID := liveIDs(qa)["hold"]
	wantID := liveIDs(qb)["want"]

	require.NoError(t, qa.StartTask(holdID))
	waitStatus(t, qa, holdID, task.StatusRunning)

	err := qb.StartTask(wantID)
	var conflict *device.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.EqualError(t, err, "GPU 0 is occupied by queue A")

	snap, ok := qb.FindTask(wantID)
	require.True(t, ok)
	require.Equal(t, task.StatusPending, snap.Status)

	// Auto mode waits on the conflict and is woken by the release.
	require.NoError(t, qb.StartAuto())
	waitStatus(t, qb, wantID, task.StatusCompleted)
	require.Eventually(t, func() bool { return len(ledger.BusyList()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestStopRunningTask(t *testing.T) {
	ledger := device.NewLedger()
	q := mustQueue(t, "A", `- name: long
  command: CUDA_VISIBLE_DEVICES=1 sleep 60
`, ledger, nil)
	id := liveIDs(q)["long"]

	require.NoError(t, q.StartTask(id))
	waitStatus(t, q, id, task.StatusRunning)
	require.Equal(t, []int{1}, ledger.BusyList())

	require.NoError(t, q.StopTask(id))
	snap := waitStatus(t, q, id, task.StatusStopped)
	require.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.ExitCode)

	require.Eventually(t, func() bool { return q.HistoryCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Empty(t, ledger.BusyList())
	require.Equal(t, task.StatusStopped, q.History()[0].Status)

	// Stopping a task that already ended is a no-op.
	require.NoError(t, q.StopTask(id))
}

func TestAdditiveLoad(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
- name: b
  command: echo b
`, device.NewLedger(), nil)
	require.Equal(t, []string{"a", "b"}, pendingNames(q))

	require.NoError(t, os.WriteFile(q.ConfigPath(), []byte(`- name: a
  command: echo a
- name: b
  command: echo b
- name: c
  command: echo c
- name: a
  command: echo again
`), 0o644))

	cands, total, err := q.CheckConfig()
	require.NoError(t, err)
	require.Equal(t, 4, total)
	require.Len(t, cands, 4)
	require.False(t, cands[0].Valid)
	require.False(t, cands[1].Valid)
	require.True(t, cands[2].Valid)
	require.False(t, cands[3].Valid)

	loaded, skipped, errs, err := q.LoadNew()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, 3, skipped)
	require.Len(t, errs, 3)
	require.Contains(t, errs[0], `task name "a" already exists`)
	require.Equal(t, []string{"a", "b", "c"}, pendingNames(q))

	// Loading again changes nothing.
	loaded, skipped, _, err = q.LoadNew()
	require.NoError(t, err)
	require.Zero(t, loaded)
	require.Equal(t, 4, skipped)
	require.Equal(t, []string{"a", "b", "c"}, pendingNames(q))
}

func TestLoadSelected(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
`, device.NewLedger(), nil)

	loaded, skipped, errs := q.LoadSelected([]ingest.Spec{
		{Name: "a", Command: "echo dup"},
		{Name: "fresh", Command: "echo fresh"},
	})
	require.Equal(t, 1, loaded)
	require.Equal(t, 1, skipped)
	require.Len(t, errs, 1)
	require.Equal(t, `a: task name "a" already exists`, errs[0])
	require.Equal(t, []string{"a", "fresh"}, pendingNames(q))
}

func TestRetryMovesToTail(t *testing.T) {
	q := mustQueue(t, "A", `- name: x
  command: echo x
- name: y
  command: echo y
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.StartTask(ids["x"]))
	waitStatus(t, q, ids["x"], task.StatusCompleted)

	require.NoError(t, q.Retry(ids["x"]))
	require.Equal(t, []string{"y", "x"}, pendingNames(q))

	require.EqualError(t, q.Retry(ids["y"]), "task "+ids["y"]+" cannot be retried")
	require.EqualError(t, q.Retry("task_nope"), "task task_nope not found")
}

func TestRetryProducesFreshRun(t *testing.T) {
	q := mustQueue(t, "A", `- name: solo
  command: echo hi
`, device.NewLedger(), nil)
	id := liveIDs(q)["solo"]

	require.NoError(t, q.StartTask(id))
	first := waitStatus(t, q, id, task.StatusCompleted)

	// Log file names carry a one-second timestamp.
	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, q.Retry(id))
	snap, ok := q.FindTask(id)
	require.True(t, ok)
	require.Equal(t, task.StatusPending, snap.Status)
	require.Empty(t, snap.LogFile)
	require.Empty(t, snap.StartTime)

	require.NoError(t, q.StartTask(id))
	second := waitStatus(t, q, id, task.StatusCompleted)
	require.NotEqual(t, first.LogFile, second.LogFile)
	require.Eventually(t, func() bool { return q.HistoryCount() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDuplicateNamesRejected(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
`, device.NewLedger(), nil)
	id := liveIDs(q)["a"]

	_, err := q.AddTask("a", "echo again", "", nil)
	require.EqualError(t, err, `task name "a" already exists`)

	// The name stays taken through history even after the live task is
	// deleted.
	require.NoError(t, q.StartTask(id))
	waitStatus(t, q, id, task.StatusCompleted)
	require.Eventually(t, func() bool { return q.HistoryCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, q.DeleteTask(id))
	_, err = q.AddTask("a", "echo again", "", nil)
	require.EqualError(t, err, `task name "a" already exists`)

	q.ClearHistory()
	_, err = q.AddTask("a", "echo again", "", nil)
	require.NoError(t, err)
}

func TestCancelPending(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
- name: b
  command: echo b
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.Equal(t, 2, q.CancelPending())
	require.Empty(t, pendingNames(q))
	require.Zero(t, q.HistoryCount())

	snap, ok := q.FindTask(ids["a"])
	require.True(t, ok)
	require.Equal(t, task.StatusCanceled, snap.Status)
	require.Empty(t, snap.EndTime)

	require.EqualError(t, q.Retry(ids["a"]), "task "+ids["a"]+" cannot be retried")
	require.Zero(t, q.CancelPending())
}

func TestReorder(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
- name: b
  command: echo b
- name: c
  command: echo c
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.Reorder([]string{ids["c"], ids["a"], ids["b"]}))
	require.Equal(t, []string{"c", "a", "b"}, pendingNames(q))

	require.EqualError(t, q.Reorder([]string{ids["a"], ids["b"]}),
		"order must include every pending task exactly once")
	require.EqualError(t, q.Reorder([]string{ids["a"], ids["b"], "task_zz"}),
		"task task_zz is not pending")
	require.EqualError(t, q.Reorder([]string{ids["a"], ids["b"], ids["b"]}),
		"task "+ids["b"]+" appears twice")
}

func TestReorderPinsRunningTask(t *testing.T) {
	q := mustQueue(t, "A", `- name: r
  command: sleep 3
- name: p1
  command: echo p1
- name: p2
  command: echo p2
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.StartTask(ids["r"]))
	waitStatus(t, q, ids["r"], task.StatusRunning)

	require.NoError(t, q.Reorder([]string{ids["p2"], ids["p1"]}))
	require.Equal(t, []string{"p2", "p1"}, pendingNames(q))
	_, running := q.Tasks()
	require.Len(t, running, 1)
	require.Equal(t, "r", running[0].Name)

	require.NoError(t, q.StopTask(ids["r"]))
	waitStatus(t, q, ids["r"], task.StatusStopped)
}

func TestUpdateAndDeleteGuards(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: sleep 5
- name: b
  command: echo b
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.StartTask(ids["a"]))
	waitStatus(t, q, ids["a"], task.StatusRunning)

	_, err := q.UpdateTask(ids["a"], "a", "echo changed", "", nil)
	require.EqualError(t, err, "task "+ids["a"]+" is not pending")
	require.EqualError(t, q.DeleteTask(ids["a"]), "stop the task before deleting it")

	_, err = q.UpdateTask(ids["b"], "a", "echo b", "", nil)
	require.EqualError(t, err, `task name "a" already exists`)
	_, err = q.UpdateTask("task_nope", "n", "c", "", nil)
	require.EqualError(t, err, "task task_nope not found")

	snap, err := q.UpdateTask(ids["b"], "b2", "CUDA_VISIBLE_DEVICES=2 echo hi", "renamed", nil)
	require.NoError(t, err)
	require.Equal(t, "b2", snap.Name)
	require.Equal(t, "2", snap.GPU)
	require.Equal(t, "renamed", snap.Note)

	require.NoError(t, q.DeleteTask(ids["b"]))
	require.Equal(t, []string{}, pendingNames(q))

	require.NoError(t, q.StopTask(ids["a"]))
	waitStatus(t, q, ids["a"], task.StatusStopped)
}

func TestStopAll(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: sleep 30
- name: b
  command: echo b
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.StartAuto())
	waitStatus(t, q, ids["a"], task.StatusRunning)

	stopped, canceled := q.StopAll()
	require.True(t, stopped)
	require.Equal(t, 1, canceled)
	require.False(t, q.AutoRunning())

	waitStatus(t, q, ids["a"], task.StatusStopped)
	snap, _ := q.FindTask(ids["b"])
	require.Equal(t, task.StatusCanceled, snap.Status)
	require.Eventually(t, func() bool { return q.HistoryCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReloadRules(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: echo a
- name: hold
  command: sleep 5
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.NoError(t, q.StartTask(ids["hold"]))
	waitStatus(t, q, ids["hold"], task.StatusRunning)
	_, _, _, err := q.Reload()
	require.EqualError(t, err, "cannot reload while a task is running")

	require.NoError(t, q.StopTask(ids["hold"]))
	waitStatus(t, q, ids["hold"], task.StatusStopped)
	require.Eventually(t, func() bool { return q.HistoryCount() == 1 }, time.Second, 10*time.Millisecond)

	// hold is now in history, so a reload keeps it out of the live set.
	loaded, skipped, errs, err := q.Reload()
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	require.Equal(t, 1, skipped)
	require.Len(t, errs, 1)
	require.Equal(t, []string{"a"}, pendingNames(q))
}

func TestStartPreconditions(t *testing.T) {
	q := mustQueue(t, "A", `- name: a
  command: sleep 5
- name: b
  command: echo b
`, device.NewLedger(), nil)
	ids := liveIDs(q)

	require.EqualError(t, q.StartTask("task_nope"), "task task_nope not found")
	require.EqualError(t, q.StopTask(ids["b"]), "task "+ids["b"]+" is not running")

	require.NoError(t, q.StartTask(ids["a"]))
	waitStatus(t, q, ids["a"], task.StatusRunning)
	require.EqualError(t, q.StartTask(ids["b"]), "queue already has a running task")

	require.NoError(t, q.StopTask(ids["a"]))
	waitStatus(t, q, ids["a"], task.StatusStopped)
	require.EqualError(t, q.StartTask(ids["a"]), "task "+ids["a"]+" is not pending")
}

func TestStartAutoFlag(t *testing.T) {
	q := mustQueue(t, "A", "[]\n", device.NewLedger(), nil)

	require.EqualError(t, q.StartAuto(), "no pending tasks")

	_, err := q.AddTask("", "echo hi", "", nil)
	require.EqualError(t, err, "task name is required")
	_, err = q.AddTask("j", "", "", nil)
	require.EqualError(t, err, "task command is required")

	snap, err := q.AddTask("j", "echo hi", "", nil)
	require.NoError(t, err)

	require.NoError(t, q.StartAuto())
	require.EqualError(t, q.StartAuto(), "queue is already running")

	waitStatus(t, q, snap.ID, task.StatusCompleted)
	q.StopAuto()
	require.EqualError(t, q.StartAuto(), "no pending tasks")
}

func TestSpawnFailureMarksTaskFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yml")
	require.NoError(t, os.WriteFile(path, []byte(`- name: doomed
  command: echo hi
`), 0o644))
	// A file where the logs directory should be makes the spawn fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs"), []byte("x"), 0o644))

	q, err := New("queue_A", "A", path, device.NewLedger(), nil)
	require.NoError(t, err)
	defer q.Close()
	id := liveIDs(q)["doomed"]

	require.NoError(t, q.StartTask(id))
	snap, ok := q.FindTask(id)
	require.True(t, ok)
	require.Equal(t, task.StatusFailed, snap.Status)
	require.NotNil(t, snap.ExitCode)
	require.Equal(t, -1, *snap.ExitCode)
	require.Contains(t, snap.ErrorMessage, "create log dir")
	require.Equal(t, 1, q.HistoryCount())
}

func TestNewValidatesConfigPath(t *testing.T) {
	_, err := New("queue_A", "A", filepath.Join(t.TempDir(), "missing.yml"), device.NewLedger(), nil)
	require.ErrorContains(t, err, "config file not found")

	_, err = New("queue_A", "A", t.TempDir(), device.NewLedger(), nil)
	require.ErrorContains(t, err, "config path is a directory")
}

type notifyCall struct {
	configDir string
	snap      task.Snapshot
	env       map[string]string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (r *recordingNotifier) TaskFinished(configDir string, snap task.Snapshot, env map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notifyCall{configDir: configDir, snap: snap, env: env})
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestNotifierFiresForRanTasksOnly(t *testing.T) {
	rec := &recordingNotifier{}
	q := mustQueue(t, "A", `- name: a
  command: echo hi
  env:
    FOO: bar
- name: b
  command: echo bye
`, device.NewLedger(), rec)
	ids := liveIDs(q)

	require.NoError(t, q.StartTask(ids["a"]))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	call := rec.calls[0]
	rec.mu.Unlock()
	require.Equal(t, filepath.Dir(q.ConfigPath()), call.configDir)
	require.Equal(t, task.StatusCompleted, call.snap.Status)
	require.Equal(t, "bar", call.env["FOO"])

	// Canceled tasks never ran and never notify.
	require.Equal(t, 1, q.CancelPending())
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

// Package queue runs the tasks of one configuration file strictly in
// order, one at a time, and records every terminal transition.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/whisper-darkly/taskflow/device"
	"github.com/whisper-darkly/taskflow/dotenv"
	"github.com/whisper-darkly/taskflow/history"
	"github.com/whisper-darkly/taskflow/ingest"
	"github.com/whisper-darkly/taskflow/supervisor"
	"github.com/whisper-darkly/taskflow/task"
)

// Notifier receives terminal-task events. Implementations must not
// block; the queue fires them from their own goroutine anyway.
type Notifier interface {
	TaskFinished(configDir string, snap task.Snapshot, env map[string]string)
}

// Queue owns the ordered task list for one configuration file. At most
// one task per queue runs at any moment; the auto-dispatcher advances
// through pending tasks in order and waits, rather than skips, when
// devices are held elsewhere.
type Queue struct {
	id         string
	name       string
	configPath string
	configDir  string
	logsDir    string

	ledger   *device.Ledger
	notifier Notifier
	history  *history.Store
	log      *logrus.Entry

	mu      sync.RWMutex
	order   []string
	tasks   map[string]*task.Task
	auto    bool
	running string
	handle  *supervisor.Handle

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New builds a queue around configPath, ingests the file, and starts
// the dispatcher. The path must point at an existing file.
func New(id, name, configPath string, ledger *device.Ledger, notifier Notifier) (*Queue, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", abs)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("config path is a directory: %s", abs)
	}

	dir := filepath.Dir(abs)
	q := &Queue{
		id:         id,
		name:       name,
		configPath: abs,
		configDir:  dir,
		logsDir:    filepath.Join(dir, "logs"),
		ledger:     ledger,
		notifier:   notifier,
		tasks:      make(map[string]*task.Task),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		log:        logrus.WithFields(logrus.Fields{"component": "queue", "queue": name}),
	}
	q.history = history.Open(filepath.Join(q.logsDir, ".history.json"))
	if _, _, _, err := q.LoadNew(); err != nil {
		return nil, err
	}
	go q.dispatchLoop()
	return q, nil
}

func (q *Queue) ID() string         { return q.id }
func (q *Queue) Name() string       { return q.name }
func (q *Queue) ConfigPath() string { return q.configPath }

// Nudge wakes the auto-dispatcher. Never blocks.
func (q *Queue) Nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher goroutine. Running tasks are not touched;
// use StopAll first for a full teardown.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// ---- dispatch ----

func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.closed:
			return
		case <-q.wake:
			q.tryDispatch()
		}
	}
}

func (q *Queue) tryDispatch() {
	q.mu.RLock()
	var next string
	if q.auto && q.running == "" {
		for _, id := range q.order {
			if t := q.tasks[id]; t != nil && t.Status == task.StatusPending {
				next = id
				break
			}
		}
	}
	q.mu.RUnlock()
	if next == "" {
		return
	}

	if err := q.StartTask(next); err != nil {
		var conflict *device.ConflictError
		if errors.As(err, &conflict) {
			// Devices are held elsewhere. Wait for the release
			// notification instead of skipping the task.
			q.log.WithField("task", next).Debugf("dispatch waiting: %v", err)
			return
		}
		q.log.WithField("task", next).Warnf("dispatch: %v", err)
	}
}

// StartTask launches a pending task. The device reservation and the
// transition to running form one critical section, so a conflicting
// start from another queue cannot interleave. Spawn failures mark the
// task failed and return nil; the error lives in the task record.
func (q *Queue) StartTask(id string) error {
	// Refresh .env so the child and the notification pipeline see
	// current values.
	if _, err := dotenv.Apply(q.configDir); err != nil {
		q.log.Warnf("load .env: %v", err)
	}

	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status != task.StatusPending {
		q.mu.Unlock()
		return fmt.Errorf("task %s is not pending", id)
	}
	if q.running != "" {
		q.mu.Unlock()
		return errors.New("queue already has a running task")
	}
	if err := q.ledger.Reserve(t.Devices, q.id, q.name, t.ID); err != nil {
		q.mu.Unlock()
		return err
	}

	logPath := q.logFilePath(t.Name)
	h, err := supervisor.Start(t.Command, logPath, t.Env)
	if err != nil {
		now := time.Now()
		t.Start(logPath, now)
		t.Finish(task.StatusFailed, -1, err.Error(), now)
		snap := t.Snapshot()
		env := t.Env
		q.mu.Unlock()
		q.log.WithField("task", snap.Name).Errorf("spawn failed: %v", err)
		q.afterTerminal(snap, env)
		return nil
	}

	t.Start(logPath, time.Now())
	q.running = t.ID
	q.handle = h
	name := t.Name
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"task": name, "pid": h.PID()}).Info("task started")
	go q.watch(t, h)
	return nil
}

// watch waits for the child, classifies the exit, and runs the
// terminal bookkeeping. One watcher exists per started task.
func (q *Queue) watch(t *task.Task, h *supervisor.Handle) {
	res := <-h.Done()

	q.mu.Lock()
	var (
		status = task.StatusCompleted
		msg    string
	)
	switch {
	case res.Stopped:
		status = task.StatusStopped
	case res.Err != nil:
		status = task.StatusFailed
		msg = res.Err.Error()
	case res.ExitCode != 0:
		status = task.StatusFailed
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	t.Finish(status, res.ExitCode, msg, time.Now())
	q.running = ""
	q.handle = nil
	snap := t.Snapshot()
	env := t.Env
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"task": snap.Name, "status": status}).Info("task finished")
	q.afterTerminal(snap, env)
}

// afterTerminal runs off the queue lock. Order matters: devices are
// released before the history append, which happens before the next
// dispatch is woken.
func (q *Queue) afterTerminal(snap task.Snapshot, env map[string]string) {
	q.ledger.Release(snap.ID)
	q.history.Append(snap)
	if q.notifier != nil {
		go q.notifier.TaskFinished(q.configDir, snap, env)
	}
	q.Nudge()
}

// ---- task control ----

// StopTask asks the running task to terminate. It returns as soon as
// the stop is initiated; the watcher records the stopped state once
// the child is gone. Stopping an already terminal task is a no-op.
func (q *Queue) StopTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	if t.Status != task.StatusRunning || q.running != id {
		q.mu.Unlock()
		return fmt.Errorf("task %s is not running", id)
	}
	h := q.handle
	q.mu.Unlock()

	h.Stop(supervisor.DefaultGrace)
	return nil
}

// Retry returns a terminal task to pending at the tail of the order.
// Canceled tasks cannot be retried.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if !t.CanRetry() {
		return fmt.Errorf("task %s cannot be retried", id)
	}
	t.ResetForRetry()
	q.moveToTailLocked(id)
	q.Nudge()
	return nil
}

func (q *Queue) StartAuto() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.auto {
		return errors.New("queue is already running")
	}
	if !q.hasPendingLocked() {
		return errors.New("no pending tasks")
	}
	q.auto = true
	q.Nudge()
	return nil
}

// StopAuto prevents further dispatches. A task already running keeps
// running.
func (q *Queue) StopAuto() {
	q.mu.Lock()
	q.auto = false
	q.mu.Unlock()
}

// CancelPending marks every pending task canceled and reports how many
// were hit. Canceled tasks never ran, so they get no history entry and
// no notification.
func (q *Queue) CancelPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		if t := q.tasks[id]; t != nil && t.Status == task.StatusPending {
			t.Cancel()
			n++
		}
	}
	return n
}

// StopRunning stops the current task, if any, with the given grace.
func (q *Queue) StopRunning(grace time.Duration) bool {
	q.mu.RLock()
	h := q.handle
	q.mu.RUnlock()
	if h == nil {
		return false
	}
	h.Stop(grace)
	return true
}

// StopAll is the teardown sequence: auto off, pending canceled, the
// running task stopped. It does not wait for the child to exit.
func (q *Queue) StopAll() (stopped bool, canceled int) {
	q.StopAuto()
	canceled = q.CancelPending()
	stopped = q.StopRunning(supervisor.DefaultGrace)
	return stopped, canceled
}

// WaitIdle polls until no task is running or the timeout passes.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.RLock()
		idle := q.running == ""
		q.mu.RUnlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ---- task editing ----

// AddTask appends one ad-hoc task at the tail of the order.
func (q *Queue) AddTask(name, command, note string, env map[string]string) (task.Snapshot, error) {
	name = strings.TrimSpace(name)
	command = strings.TrimSpace(command)
	if name == "" {
		return task.Snapshot{}, errors.New("task name is required")
	}
	if command == "" {
		return task.Snapshot{}, errors.New("task command is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nameTakenLocked(name) {
		return task.Snapshot{}, fmt.Errorf("task name %q already exists", name)
	}
	t := task.New(name, command, note, env)
	q.tasks[t.ID] = t
	q.order = append(q.order, t.ID)
	q.Nudge()
	return t.Snapshot(), nil
}

// UpdateTask rewrites a pending task. Devices are re-derived from the
// new command.
func (q *Queue) UpdateTask(id, name, command, note string, env map[string]string) (task.Snapshot, error) {
	name = strings.TrimSpace(name)
	command = strings.TrimSpace(command)
	if name == "" {
		return task.Snapshot{}, errors.New("task name is required")
	}
	if command == "" {
		return task.Snapshot{}, errors.New("task command is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return task.Snapshot{}, fmt.Errorf("task %s not found", id)
	}
	if t.Status != task.StatusPending {
		return task.Snapshot{}, fmt.Errorf("task %s is not pending", id)
	}
	if name != t.Name && q.nameTakenLocked(name) {
		return task.Snapshot{}, fmt.Errorf("task name %q already exists", name)
	}
	t.Name = name
	t.Command = command
	t.Note = note
	t.Env = env
	t.Devices = task.ParseDevices(command)
	return t.Snapshot(), nil
}

// DeleteTask removes a pending or terminal task from the queue. The
// history keeps any record the task already earned.
func (q *Queue) DeleteTask(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	if t.Status == task.StatusRunning {
		return errors.New("stop the task before deleting it")
	}
	delete(q.tasks, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Reorder applies a new order to the pending tasks. ids must be a
// permutation of the current pending ids; tasks in other states keep
// their positions.
func (q *Queue) Reorder(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make(map[string]bool)
	for _, id := range q.order {
		if t := q.tasks[id]; t != nil && t.Status == task.StatusPending {
			pending[id] = true
		}
	}
	if len(ids) != len(pending) {
		return errors.New("order must include every pending task exactly once")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !pending[id] {
			return fmt.Errorf("task %s is not pending", id)
		}
		if seen[id] {
			return fmt.Errorf("task %s appears twice", id)
		}
		seen[id] = true
	}

	next := make([]string, 0, len(q.order))
	k := 0
	for _, id := range q.order {
		if pending[id] {
			next = append(next, ids[k])
			k++
		} else {
			next = append(next, id)
		}
	}
	q.order = next
	return nil
}

// ---- configuration loading ----

// LoadNew ingests the configuration file additively: tasks whose name
// is already live or in history are reported, not inserted. Parse
// errors leave the queue untouched.
func (q *Queue) LoadNew() (loaded, skipped int, errs []string, err error) {
	specs, err := ingest.ParseFile(q.configPath)
	if err != nil {
		return 0, 0, nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	loaded, skipped, errs = q.insertLocked(ingest.Diff(specs, q.nameTakenLocked))
	return loaded, skipped, errs, nil
}

// CheckConfig reports what LoadNew would do, without mutating. The
// second value is the total number of entries in the file.
func (q *Queue) CheckConfig() ([]ingest.Candidate, int, error) {
	specs, err := ingest.ParseFile(q.configPath)
	if err != nil {
		return nil, 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return ingest.Diff(specs, q.nameTakenLocked), len(specs), nil
}

// LoadSelected inserts caller-chosen specs, re-checking names against
// the live set and history.
func (q *Queue) LoadSelected(specs []ingest.Spec) (loaded, skipped int, errs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(ingest.Diff(specs, q.nameTakenLocked))
}

// Reload drops every live task and re-ingests the file from scratch.
// Names are still checked against history. Refused while a task runs.
func (q *Queue) Reload() (loaded, skipped int, errs []string, err error) {
	specs, err := ingest.ParseFile(q.configPath)
	if err != nil {
		return 0, 0, nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running != "" {
		return 0, 0, nil, errors.New("cannot reload while a task is running")
	}
	q.order = nil
	q.tasks = make(map[string]*task.Task)
	loaded, skipped, errs = q.insertLocked(ingest.Diff(specs, q.history.HasName))
	return loaded, skipped, errs, nil
}

func (q *Queue) insertLocked(cands []ingest.Candidate) (loaded, skipped int, errs []string) {
	for _, c := range cands {
		if !c.Valid {
			skipped++
			errs = append(errs, fmt.Sprintf("%s: %s", c.Spec.Name, c.Reason))
			continue
		}
		t := task.New(c.Spec.Name, c.Spec.Command, c.Spec.Note, c.Spec.Env)
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		loaded++
	}
	if loaded > 0 {
		q.Nudge()
	}
	return loaded, skipped, errs
}

// ---- views ----

// Tasks lists the live queue: pending tasks in order, then whatever is
// running. Pending snapshots carry a can-run verdict against the
// current device ledger. Both slices are non-nil.
func (q *Queue) Tasks() (pending, running []task.Snapshot) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	pending = []task.Snapshot{}
	running = []task.Snapshot{}
	for _, id := range q.order {
		t := q.tasks[id]
		if t == nil {
			continue
		}
		switch t.Status {
		case task.StatusPending:
			snap := t.Snapshot()
			ok := true
			if err := q.ledger.Check(t.Devices); err != nil {
				ok = false
				snap.ConflictMessage = err.Error()
			}
			snap.CanRun = &ok
			pending = append(pending, snap)
		case task.StatusRunning:
			running = append(running, t.Snapshot())
		}
	}
	return pending, running
}

// History returns the recorded terminal snapshots, most recent first.
func (q *Queue) History() []task.Snapshot {
	recs := q.history.Records()
	out := make([]task.Snapshot, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
	}
	return out
}

func (q *Queue) HistoryCount() int { return q.history.Len() }

func (q *Queue) ClearHistory() { q.history.Clear() }

// FindTask looks a task up by id, live first, then in history.
func (q *Queue) FindTask(id string) (task.Snapshot, bool) {
	q.mu.RLock()
	if t, ok := q.tasks[id]; ok {
		snap := t.Snapshot()
		q.mu.RUnlock()
		return snap, true
	}
	q.mu.RUnlock()
	return q.history.FindByID(id)
}

// Counts reports how many tasks are pending and running.
func (q *Queue) Counts() (pending, running int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.tasks {
		switch t.Status {
		case task.StatusPending:
			pending++
		case task.StatusRunning:
			running++
		}
	}
	return pending, running
}

// AutoRunning reports the auto-dispatch flag.
func (q *Queue) AutoRunning() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.auto
}

// RunningPID returns the pid of the current child, if one exists.
func (q *Queue) RunningPID() (int, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.handle == nil {
		return 0, false
	}
	return q.handle.PID(), true
}

// Summary tallies the terminal tasks still in the live queue and their
// combined runtime. Used by the foreground runner for its exit report.
func (q *Queue) Summary() (map[task.Status]int, time.Duration) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	counts := make(map[task.Status]int)
	var total time.Duration
	for _, id := range q.order {
		t := q.tasks[id]
		if t == nil || !t.Status.Terminal() {
			continue
		}
		counts[t.Status]++
		if d, ok := t.Duration(); ok {
			total += d
		}
	}
	return counts, total
}

// ---- internals ----

func (q *Queue) hasPendingLocked() bool {
	for _, t := range q.tasks {
		if t.Status == task.StatusPending {
			return true
		}
	}
	return false
}

func (q *Queue) nameTakenLocked(name string) bool {
	for _, t := range q.tasks {
		if t.Name == name {
			return true
		}
	}
	return q.history.HasName(name)
}

func (q *Queue) moveToTailLocked(id string) {
	for i, v := range q.order {
		if v == id {
			q.order = append(append(q.order[:i:i], q.order[i+1:]...), id)
			return
		}
	}
}

func (q *Queue) logFilePath(name string) string {
	stamp := time.Now().Format("20060102_150405")
	return filepath.Join(q.logsDir, fmt.Sprintf("%s_%s.log", sanitizeName(name), stamp))
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
}

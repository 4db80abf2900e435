// Package workspace ties the queues together: it owns the manifest, the
// cross-queue device ledger, the selected-queue pointer, and the
// notification fan-out for terminal tasks.
package workspace

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper-darkly/taskflow/device"
	"github.com/whisper-darkly/taskflow/dotenv"
	"github.com/whisper-darkly/taskflow/notify"
	"github.com/whisper-darkly/taskflow/queue"
	"github.com/whisper-darkly/taskflow/task"
	"github.com/whisper-darkly/taskflow/tailer"
)

const (
	manifestName    = ".workspace.json"
	manifestVersion = "1.0"
	removeWait      = 5 * time.Second
)

// QueueInfo is one manifest entry. Field names are the wire contract.
type QueueInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	YAMLPath  string `json:"yaml_path"`
	CreatedAt string `json:"created_at"`
}

// QueueStatus decorates a manifest entry with live counters for the
// queue list endpoint.
type QueueStatus struct {
	QueueInfo
	Status struct {
		QueueRunning bool `json:"queue_running"`
		PendingCount int  `json:"pending_count"`
		RunningCount int  `json:"running_count"`
	} `json:"status"`
}

type manifest struct {
	Version       string      `json:"version"`
	UpdatedAt     string      `json:"updated_at"`
	Queues        []QueueInfo `json:"queues"`
	PushplusToken string      `json:"pushplus_token,omitempty"`
}

// Workspace is the top-level container. Queues run in parallel with
// each other; everything cross-queue goes through the device ledger or
// the workspace lock.
type Workspace struct {
	dir       string
	ephemeral bool

	ledger *device.Ledger
	notify *notify.Client
	log    *logrus.Entry

	mu      sync.RWMutex
	infos   []QueueInfo
	queues  map[string]*queue.Queue
	current string
	token   string
}

// Open loads the manifest under dir, creating the directory and an
// empty manifest when absent. Queues whose configuration file is
// missing or unreadable are logged and kept in the manifest, but do
// not come up.
func Open(dir string, nc *notify.Client) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	ws := newWorkspace(abs, nc, false)
	if err := ws.load(); err != nil {
		return nil, err
	}
	return ws, nil
}

// OpenEphemeral builds a workspace that never reads or writes a
// manifest. The foreground runner uses it for one-shot queues.
func OpenEphemeral(nc *notify.Client) *Workspace {
	return newWorkspace("", nc, true)
}

func newWorkspace(dir string, nc *notify.Client, ephemeral bool) *Workspace {
	ws := &Workspace{
		dir:       dir,
		ephemeral: ephemeral,
		ledger:    device.NewLedger(),
		notify:    nc,
		queues:    make(map[string]*queue.Queue),
		log:       logrus.WithField("component", "workspace"),
	}
	// A device release anywhere may unblock a waiting dispatcher
	// anywhere else.
	ws.ledger.OnRelease(ws.nudgeAll)
	return ws
}

func (ws *Workspace) load() error {
	data, err := os.ReadFile(ws.manifestPath())
	if os.IsNotExist(err) {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		ws.persistLocked()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.token = m.PushplusToken
	for _, info := range m.Queues {
		ws.infos = append(ws.infos, info)
		q, err := queue.New(info.ID, info.Name, info.YAMLPath, ws.ledger, ws)
		if err != nil {
			ws.log.WithField("queue", info.Name).Warnf("queue not started: %v", err)
			continue
		}
		ws.queues[info.ID] = q
		if ws.current == "" {
			ws.current = info.ID
		}
	}
	return nil
}

func (ws *Workspace) manifestPath() string {
	return filepath.Join(ws.dir, manifestName)
}

func (ws *Workspace) nudgeAll() {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, q := range ws.queues {
		q.Nudge()
	}
}

// ---- queue registry ----

// AddQueue registers a new queue for yamlPath. An empty name defaults
// to the file stem. Each configuration file belongs to at most one
// queue.
func (ws *Workspace) AddQueue(name, yamlPath string) (QueueInfo, error) {
	abs, err := filepath.Abs(yamlPath)
	if err != nil {
		return QueueInfo{}, fmt.Errorf("resolve config path: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = queueNameFor(abs)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.addQueueLocked(name, abs)
}

func (ws *Workspace) addQueueLocked(name, abs string) (QueueInfo, error) {
	for _, info := range ws.infos {
		if info.YAMLPath == abs {
			return QueueInfo{}, fmt.Errorf("config file already belongs to queue %s", info.Name)
		}
	}
	id := newQueueID()
	q, err := queue.New(id, name, abs, ws.ledger, ws)
	if err != nil {
		return QueueInfo{}, err
	}
	info := QueueInfo{
		ID:        id,
		Name:      name,
		YAMLPath:  abs,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
	ws.infos = append(ws.infos, info)
	ws.queues[id] = q
	if ws.current == "" {
		ws.current = id
	}
	ws.persistLocked()
	ws.log.WithFields(logrus.Fields{"queue": name, "config": abs}).Info("queue added")
	return info, nil
}

// RemoveQueue stops the queue's work, drops it from the manifest, and
// re-points the selection. The configuration file stays on disk.
func (ws *Workspace) RemoveQueue(id string) error {
	ws.mu.RLock()
	q := ws.queues[id]
	known := false
	for _, info := range ws.infos {
		if info.ID == id {
			known = true
			break
		}
	}
	ws.mu.RUnlock()
	if !known {
		return fmt.Errorf("queue %s not found", id)
	}

	if q != nil {
		q.StopAll()
		if !q.WaitIdle(removeWait) {
			ws.log.WithField("queue", q.Name()).Warn("running task did not exit in time")
		}
		q.Close()
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	delete(ws.queues, id)
	for i, info := range ws.infos {
		if info.ID == id {
			ws.infos = append(ws.infos[:i:i], ws.infos[i+1:]...)
			break
		}
	}
	if ws.current == id {
		ws.current = ""
		for _, info := range ws.infos {
			if _, ok := ws.queues[info.ID]; ok {
				ws.current = info.ID
				break
			}
		}
	}
	ws.persistLocked()
	return nil
}

// Select makes id the queue the single-queue REST surface operates on.
// The choice is in-memory only.
func (ws *Workspace) Select(id string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.queues[id]; !ok {
		return fmt.Errorf("queue %s not found", id)
	}
	ws.current = id
	return nil
}

// Current returns the selected queue, nil when none is live.
func (ws *Workspace) Current() *queue.Queue {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.queues[ws.current]
}

func (ws *Workspace) CurrentID() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.current
}

func (ws *Workspace) Get(id string) (*queue.Queue, bool) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	q, ok := ws.queues[id]
	return q, ok
}

// ListQueues reports every manifest entry with live counters. Entries
// whose queue failed to open carry zero counters.
func (ws *Workspace) ListQueues() []QueueStatus {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]QueueStatus, 0, len(ws.infos))
	for _, info := range ws.infos {
		qs := QueueStatus{QueueInfo: info}
		if q, ok := ws.queues[info.ID]; ok {
			p, r := q.Counts()
			qs.Status.QueueRunning = q.AutoRunning()
			qs.Status.PendingCount = p
			qs.Status.RunningCount = r
		}
		out = append(out, qs)
	}
	return out
}

// EnsureQueue returns the queue bound to yamlPath, creating one named
// after the file when the manifest has no entry for it, and selects it
// either way.
func (ws *Workspace) EnsureQueue(yamlPath string) (*queue.Queue, error) {
	abs, err := filepath.Abs(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, info := range ws.infos {
		if info.YAMLPath != abs {
			continue
		}
		q, ok := ws.queues[info.ID]
		if !ok {
			// Known file whose queue did not come up at load time.
			q, err = queue.New(info.ID, info.Name, info.YAMLPath, ws.ledger, ws)
			if err != nil {
				return nil, err
			}
			ws.queues[info.ID] = q
		}
		ws.current = info.ID
		return q, nil
	}

	info, err := ws.addQueueLocked(queueNameFor(abs), abs)
	if err != nil {
		return nil, err
	}
	ws.current = info.ID
	return ws.queues[info.ID], nil
}

// ---- cross-queue views ----

// BusyDevices is the sorted union of devices held by running tasks
// anywhere in the workspace.
func (ws *Workspace) BusyDevices() []int {
	return ws.ledger.BusyList()
}

// GPUUsage maps each busy device to the name of the queue holding it.
func (ws *Workspace) GPUUsage() map[int]string {
	return ws.ledger.Busy()
}

// FindTask searches every queue, live tasks before history.
func (ws *Workspace) FindTask(id string) (task.Snapshot, bool) {
	ws.mu.RLock()
	queues := make([]*queue.Queue, 0, len(ws.queues))
	for _, q := range ws.queues {
		queues = append(queues, q)
	}
	ws.mu.RUnlock()

	for _, q := range queues {
		if snap, ok := q.FindTask(id); ok {
			return snap, true
		}
	}
	return task.Snapshot{}, false
}

// ---- settings ----

func (ws *Workspace) PushToken() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.token
}

func (ws *Workspace) SetPushToken(token string) {
	ws.mu.Lock()
	ws.token = strings.TrimSpace(token)
	ws.persistLocked()
	ws.mu.Unlock()
}

// ---- notifications ----

// TaskFinished implements queue.Notifier. It runs on its own goroutine
// per event: re-reads .env next to the queue's config, honors silent
// mode, resolves the push token, and sends the summary.
func (ws *Workspace) TaskFinished(configDir string, snap task.Snapshot, env map[string]string) {
	if _, err := dotenv.Apply(configDir); err != nil {
		ws.log.Warnf("load .env: %v", err)
	}
	if notify.Truthy(lookupEnv("MTF_SILENT_MODE", env)) {
		ws.log.WithField("task", snap.Name).Debug("silent mode, notification skipped")
		return
	}
	token := ws.PushToken()
	if token == "" {
		token = lookupEnv("MSG_PUSH_TOKEN", env)
	}
	if token == "" || ws.notify == nil {
		return
	}

	title, content := notify.BuildTaskMessage(snap, tailer.TailLines(snap.LogFile, 10))
	if err := ws.notify.Send(token, title, content); err != nil {
		ws.log.WithField("task", snap.Name).Warnf("notification failed: %v", err)
	}
}

// lookupEnv resolves key through the task's env overrides first, then
// the process environment, mirroring what the child process saw.
func lookupEnv(key string, overrides map[string]string) string {
	if v, ok := overrides[key]; ok {
		return v
	}
	return os.Getenv(key)
}

// ---- shutdown & persistence ----

// Shutdown stops every queue in parallel: auto off, pending canceled,
// running tasks stopped with the usual grace, bounded wait, then one
// final persist.
func (ws *Workspace) Shutdown() {
	ws.mu.RLock()
	queues := make([]*queue.Queue, 0, len(ws.queues))
	for _, q := range ws.queues {
		queues = append(queues, q)
	}
	ws.mu.RUnlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q *queue.Queue) {
			defer wg.Done()
			q.StopAll()
			if !q.WaitIdle(removeWait) {
				ws.log.WithField("queue", q.Name()).Warn("running task did not exit in time")
			}
			q.Close()
		}(q)
	}
	wg.Wait()

	ws.mu.Lock()
	ws.persistLocked()
	ws.mu.Unlock()
}

// persistLocked writes the manifest via temp-and-rename. Failures are
// logged; the in-memory state stays authoritative.
func (ws *Workspace) persistLocked() {
	if ws.ephemeral {
		return
	}
	m := manifest{
		Version:       manifestVersion,
		UpdatedAt:     time.Now().Format(time.RFC3339),
		Queues:        append([]QueueInfo{}, ws.infos...),
		PushplusToken: ws.token,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		ws.log.Errorf("encode manifest: %v", err)
		return
	}
	tmp := ws.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		ws.log.Errorf("write manifest: %v", err)
		return
	}
	if err := os.Rename(tmp, ws.manifestPath()); err != nil {
		ws.log.Errorf("replace manifest: %v", err)
	}
}

func newQueueID() string {
	u := uuid.New()
	return "queue_" + hex.EncodeToString(u[:4])
}

func queueNameFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

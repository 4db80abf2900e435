// Package task defines the task value object shared by the queue, the
// workspace, and the HTTP layer: identity, command, device list, status,
// timing, and the wire snapshot used by the REST surface and the
// persisted history file.
package task

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusSkipped   Status = "skipped"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition can happen without an
// explicit retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCanceled:
		return true
	}
	return false
}

// Task is one external command tracked end to end. A task is owned by
// exactly one queue and all mutation happens under that queue's lock.
type Task struct {
	ID      string
	Name    string
	Command string
	Note    string
	Env     map[string]string
	Devices []int

	Status       Status
	StartedAt    time.Time
	EndedAt      time.Time
	ExitCode     *int
	ErrorMessage string
	LogPath      string
}

// New builds a pending task with a fresh id and the device list parsed
// from the command.
func New(name, command, note string, env map[string]string) *Task {
	return &Task{
		ID:      newID(),
		Name:    name,
		Command: command,
		Note:    note,
		Env:     env,
		Devices: ParseDevices(command),
		Status:  StatusPending,
	}
}

func newID() string {
	u := uuid.New()
	return "task_" + hex.EncodeToString(u[:4])
}

// Start transitions the task to running and stamps the start time.
func (t *Task) Start(logPath string, at time.Time) {
	t.Status = StatusRunning
	t.StartedAt = at
	t.EndedAt = time.Time{}
	t.ExitCode = nil
	t.ErrorMessage = ""
	t.LogPath = logPath
}

// Finish records a terminal outcome for a task that ran.
func (t *Task) Finish(status Status, exitCode int, errMsg string, at time.Time) {
	t.Status = status
	t.EndedAt = at
	t.ExitCode = &exitCode
	t.ErrorMessage = errMsg
}

// Cancel marks a pending task canceled. Canceled tasks never ran, so
// timing and exit fields stay empty.
func (t *Task) Cancel() {
	t.Status = StatusCanceled
}

// CanRetry reports whether retry is legal: any terminal state except
// canceled.
func (t *Task) CanRetry() bool {
	return t.Status.Terminal() && t.Status != StatusCanceled
}

// ResetForRetry returns the task to pending with timing, exit, and log
// fields cleared. The caller re-queues it at the tail.
func (t *Task) ResetForRetry() {
	t.Status = StatusPending
	t.StartedAt = time.Time{}
	t.EndedAt = time.Time{}
	t.ExitCode = nil
	t.ErrorMessage = ""
	t.LogPath = ""
}

// Duration is ended minus started, valid only once both are stamped.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0, false
	}
	return t.EndedAt.Sub(t.StartedAt), true
}

// GPUString renders the device list the way it appears in config
// commands, e.g. "0,1". Empty when the task has no devices.
func (t *Task) GPUString() string {
	if len(t.Devices) == 0 {
		return ""
	}
	parts := make([]string, len(t.Devices))
	for i, d := range t.Devices {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// Snapshot is the wire form of a task, shared by the REST surface, the
// status stream, and the persisted history file. Field names are part
// of the compatibility contract.
type Snapshot struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Command         string   `json:"command"`
	Status          Status   `json:"status"`
	GPU             string   `json:"gpu,omitempty"`
	StartTime       string   `json:"start_time,omitempty"`
	EndTime         string   `json:"end_time,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	LogFile         string   `json:"log_file,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	Note            string   `json:"note,omitempty"`
	CanRun          *bool    `json:"can_run,omitempty"`
	ConflictMessage string   `json:"conflict_message,omitempty"`
}

// Snapshot freezes the task's current state into its wire form.
func (t *Task) Snapshot() Snapshot {
	s := Snapshot{
		ID:           t.ID,
		Name:         t.Name,
		Command:      t.Command,
		Status:       t.Status,
		GPU:          t.GPUString(),
		LogFile:      t.LogPath,
		ErrorMessage: t.ErrorMessage,
		Note:         t.Note,
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		s.ExitCode = &code
	}
	if !t.StartedAt.IsZero() {
		s.StartTime = t.StartedAt.Format(time.RFC3339)
	}
	if !t.EndedAt.IsZero() {
		s.EndTime = t.EndedAt.Format(time.RFC3339)
	}
	if d, ok := t.Duration(); ok {
		secs := d.Seconds()
		s.Duration = &secs
	}
	return s
}

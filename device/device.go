// Package device tracks which queue's running task holds each GPU. The
// ledger is the single cross-queue coordination point: a task may only
// start once every device it names is free, and a release wakes the
// auto-dispatchers so blocked queues re-evaluate.
package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ConflictError reports devices already reserved by other tasks,
// naming the holding queues. Its message is shown to users verbatim.
type ConflictError struct {
	Devices []int
	Holders []string // queue names, deduplicated, sorted
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("GPU %s is occupied by queue %s",
		joinInts(e.Devices), strings.Join(e.Holders, ", "))
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

type holder struct {
	queueID   string
	queueName string
	taskID    string
}

// Ledger is the workspace-wide device reservation table.
type Ledger struct {
	mu      sync.Mutex
	holders map[int]holder
	release func()
}

func NewLedger() *Ledger {
	return &Ledger{holders: make(map[int]holder)}
}

// OnRelease installs a hook invoked after each release that freed at
// least one device. The hook must not call back into the ledger's
// reservation paths synchronously with locks held; the workspace uses
// it to nudge queue dispatchers.
func (l *Ledger) OnRelease(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.release = fn
}

// Check reports the conflict a reservation of devices would hit,
// without reserving. Returns nil when all devices are free.
func (l *Ledger) Check(devices []int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conflictLocked(devices)
}

// Reserve claims every device for a task, all or nothing. On a clash
// it returns a *ConflictError naming the busy devices and their
// holders.
func (l *Ledger) Reserve(devices []int, queueID, queueName, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conflictLocked(devices); err != nil {
		return err
	}
	for _, d := range devices {
		l.holders[d] = holder{queueID: queueID, queueName: queueName, taskID: taskID}
	}
	return nil
}

func (l *Ledger) conflictLocked(devices []int) error {
	var busy []int
	names := make(map[string]bool)
	for _, d := range devices {
		h, taken := l.holders[d]
		if !taken {
			continue
		}
		busy = append(busy, d)
		names[h.queueName] = true
	}
	if len(busy) == 0 {
		return nil
	}
	sort.Ints(busy)
	holders := make([]string, 0, len(names))
	for n := range names {
		holders = append(holders, n)
	}
	sort.Strings(holders)
	return &ConflictError{Devices: busy, Holders: holders}
}

// Release frees every device held by the task and fires the release
// hook when something was actually freed.
func (l *Ledger) Release(taskID string) {
	l.mu.Lock()
	freed := 0
	for d, h := range l.holders {
		if h.taskID == taskID {
			delete(l.holders, d)
			freed++
		}
	}
	fn := l.release
	l.mu.Unlock()
	if freed > 0 && fn != nil {
		fn()
	}
}

// Busy maps each reserved device to the name of the holding queue.
func (l *Ledger) Busy() map[int]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]string, len(l.holders))
	for d, h := range l.holders {
		out[d] = h.queueName
	}
	return out
}

// BusyList returns the reserved devices in ascending order. Never nil.
func (l *Ledger) BusyList() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, 0, len(l.holders))
	for d := range l.holders {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// Package tailer streams a task's log file to live subscribers and
// reads log tails for the REST surface.
//
// Each subscriber gets its own follow goroutine whose only state is a
// file offset: backlog first, then appended bytes as the file grows,
// then exactly one end frame once the task is terminal and the tail is
// drained. File growth is detected with a polling watcher driven under
// a tomb so a detaching subscriber tears the whole thing down.
package tailer

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/hpcloud/tail/watch"
	"gopkg.in/tomb.v1"

	"github.com/whisper-darkly/taskflow/task"
)

// Frame is one message to a log subscriber, marshalled as-is onto the
// WebSocket.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// State reports where a task's log lives and how far the task has got.
type State struct {
	Path   string
	Status task.Status
}

// Tailer builds follow streams. The zero value is not usable; New
// applies the production cadences.
type Tailer struct {
	// MissingGrace is how long to wait for the log file to appear
	// before giving up with an error frame.
	MissingGrace time.Duration
	// Poll bounds how often the task status is re-checked while the
	// file is quiet.
	Poll time.Duration
}

func New() *Tailer {
	return &Tailer{
		MissingGrace: 30 * time.Second,
		Poll:         500 * time.Millisecond,
	}
}

const readChunk = 32 * 1024

// Follow streams one task's log to one subscriber. state is consulted
// for the current log path and status; it returns false when the task
// is no longer known. The returned channel is closed after the end or
// error frame, or when ctx is cancelled. Sends block when the receiver
// lags, so a slow subscriber stalls only its own stream; the transport
// is expected to cut it loose.
func (tl *Tailer) Follow(ctx context.Context, state func() (State, bool)) <-chan Frame {
	frames := make(chan Frame, 16)
	go tl.follow(ctx, state, frames)
	return frames
}

func (tl *Tailer) follow(ctx context.Context, state func() (State, bool), frames chan<- Frame) {
	defer close(frames)

	st, ok := state()
	if !ok {
		send(ctx, frames, Frame{Type: "error", Message: "task not found"})
		return
	}

	// The file may not exist yet: the task could still be pending, or
	// the child may not have been spawned. Tell the subscriber once,
	// then wait it out.
	if !fileExists(st.Path) {
		if !send(ctx, frames, Frame{Type: "info", Message: "waiting for log file"}) {
			return
		}
		deadline := time.Now().Add(tl.MissingGrace)
		for !fileExists(st.Path) {
			if time.Now().After(deadline) {
				send(ctx, frames, Frame{Type: "error", Message: "log file was not created"})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(tl.Poll):
			}
			var stillKnown bool
			st, stillKnown = state()
			if !stillKnown {
				send(ctx, frames, Frame{Type: "error", Message: "task not found"})
				return
			}
		}
	}

	t := &tomb.Tomb{}
	defer t.Done()
	go func() {
		select {
		case <-ctx.Done():
			t.Kill(nil)
		case <-t.Dying():
		}
	}()

	f, err := os.Open(st.Path)
	if err != nil {
		send(ctx, frames, Frame{Type: "error", Message: err.Error()})
		return
	}
	defer f.Close()

	// Everything present at join time goes out as a single backlog
	// frame so late joiners catch up in one step.
	backlog, err := io.ReadAll(f)
	if err != nil {
		send(ctx, frames, Frame{Type: "error", Message: err.Error()})
		return
	}
	offset := int64(len(backlog))
	if len(backlog) > 0 {
		if !send(ctx, frames, Frame{Type: "log", Content: string(backlog)}) {
			return
		}
	}

	// One polling watcher per subscriber, created once the file is
	// known; its change goroutine lives until the tomb dies.
	watcher := watch.NewPollingFileWatcher(st.Path)
	var changes *watch.FileChanges
	buf := make([]byte, readChunk)
	for {
		cur, stillKnown := state()

		// Drain whatever the child has written since the last pass.
		// When the status was already terminal at the top of this
		// pass the child is gone, so this read sees the final bytes.
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				offset += int64(n)
				if !send(ctx, frames, Frame{Type: "log", Content: string(buf[:n])}) {
					return
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				send(ctx, frames, Frame{Type: "error", Message: rerr.Error()})
				return
			}
		}

		if !stillKnown {
			send(ctx, frames, Frame{Type: "error", Message: "task not found"})
			return
		}
		if cur.Status.Terminal() {
			send(ctx, frames, Frame{Type: "end", Status: string(cur.Status), Message: "task finished"})
			return
		}

		if changes == nil {
			var cerr error
			changes, cerr = watcher.ChangeEvents(t, offset)
			if cerr != nil {
				send(ctx, frames, Frame{Type: "error", Message: cerr.Error()})
				return
			}
		}
		select {
		case <-changes.Modified:
		case <-changes.Truncated:
			if _, serr := f.Seek(0, io.SeekStart); serr != nil {
				send(ctx, frames, Frame{Type: "error", Message: serr.Error()})
				return
			}
			offset = 0
		case <-changes.Deleted:
			send(ctx, frames, Frame{Type: "error", Message: "log file removed"})
			return
		case <-t.Dying():
			return
		case <-time.After(tl.Poll):
			// fall through to re-check the task status
		}
	}
}

func send(ctx context.Context, frames chan<- Frame, f Frame) bool {
	select {
	case frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

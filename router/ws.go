package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whisper-darkly/taskflow/tailer"
	"github.com/whisper-darkly/taskflow/task"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dev front-end runs on its own port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchClose consumes the client's read side until it errors, which is
// how a browser tab going away shows up, and cancels the stream.
func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}

// logStream streams one task's log over a WebSocket: backlog, appended
// bytes as the child writes them, then a single end frame once the task
// is terminal.
func logStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("tid")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		writeFrame := func(f tailer.Frame) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(f)
		}

		if _, ok := d.Workspace.FindTask(id); !ok {
			writeFrame(tailer.Frame{Type: "error", Message: fmt.Sprintf("task %s not found", id)})
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go watchClose(conn, cancel)

		frames := d.Tailer.Follow(ctx, func() (tailer.State, bool) {
			snap, ok := d.Workspace.FindTask(id)
			if !ok {
				return tailer.State{}, false
			}
			return tailer.State{Path: snap.LogFile, Status: snap.Status}, true
		})
		for f := range frames {
			if err := writeFrame(f); err != nil {
				cancel()
				for range frames {
				}
				return
			}
		}

		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// statusStream pushes the selected queue's state once a second,
// skipping pushes whose payload is identical to the last one sent.
func statusStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go watchClose(conn, cancel)

		var last []byte
		push := func() bool {
			raw, err := json.Marshal(statusPayload(d))
			if err != nil {
				return false
			}
			if bytes.Equal(raw, last) {
				return true
			}
			last = raw
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(map[string]any{
				"type": "status_update",
				"data": json.RawMessage(raw),
			}) == nil
		}

		if !push() {
			return
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !push() {
					return
				}
			}
		}
	}
}

func statusPayload(d Deps) map[string]any {
	pending := []task.Snapshot{}
	running := []task.Snapshot{}
	historyCount := 0
	if q := d.Workspace.Current(); q != nil {
		pending, running = q.Tasks()
		historyCount = q.HistoryCount()
	}
	return map[string]any{
		"pending":       pending,
		"running":       running,
		"history_count": historyCount,
		"busy_gpus":     d.Workspace.BusyDevices(),
	}
}

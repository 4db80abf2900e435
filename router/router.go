// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/whisper-darkly/taskflow/auth"
	"github.com/whisper-darkly/taskflow/ingest"
	"github.com/whisper-darkly/taskflow/middleware"
	"github.com/whisper-darkly/taskflow/queue"
	"github.com/whisper-darkly/taskflow/tailer"
	"github.com/whisper-darkly/taskflow/task"
	"github.com/whisper-darkly/taskflow/workspace"
)

// Deps holds all dependencies for the router.
type Deps struct {
	Workspace *workspace.Workspace
	Auth      *auth.Store
	Tailer    *tailer.Tailer
	MainLog   string
	StaticDir string
	Version   string
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireSession := middleware.RequireSession(d.Auth)

	// ---- health & auth (no session required) ----
	mux.HandleFunc("GET /health", health(d))
	mux.HandleFunc("GET /api/auth/status", authStatus(d))
	mux.HandleFunc("POST /api/auth/login", authLogin(d))
	mux.HandleFunc("POST /api/auth/logout", authLogout(d))
	mux.HandleFunc("POST /api/auth/setup", authSetup(d))

	// ---- queue registry ----
	mux.Handle("GET /api/queues", requireSession(http.HandlerFunc(listQueues(d))))
	mux.Handle("POST /api/queues", requireSession(http.HandlerFunc(createQueue(d))))
	mux.Handle("DELETE /api/queues/{qid}", requireSession(http.HandlerFunc(removeQueue(d))))
	mux.Handle("POST /api/queues/{qid}/select", requireSession(http.HandlerFunc(selectQueue(d))))
	mux.Handle("GET /api/queues/{qid}/tasks", requireSession(http.HandlerFunc(queueTasks(d))))
	mux.Handle("GET /api/queues/{qid}/history", requireSession(http.HandlerFunc(queueHistory(d))))
	mux.Handle("GET /api/global/gpu-usage", requireSession(http.HandlerFunc(globalGPUUsage(d))))

	// ---- selected-queue tasks ----
	mux.Handle("GET /api/tasks", requireSession(http.HandlerFunc(listTasks(d))))
	mux.Handle("POST /api/tasks", requireSession(http.HandlerFunc(addTask(d))))
	mux.Handle("PUT /api/tasks/{tid}", requireSession(http.HandlerFunc(updateTask(d))))
	mux.Handle("DELETE /api/tasks/{tid}", requireSession(http.HandlerFunc(deleteTask(d))))
	mux.Handle("POST /api/tasks/reorder", requireSession(http.HandlerFunc(reorderTasks(d))))
	mux.Handle("POST /api/tasks/{tid}/run", requireSession(http.HandlerFunc(runTask(d))))
	mux.Handle("POST /api/tasks/{tid}/stop", requireSession(http.HandlerFunc(stopTask(d))))
	mux.Handle("POST /api/tasks/{tid}/retry", requireSession(http.HandlerFunc(retryTask(d))))

	// ---- selected-queue control ----
	mux.Handle("POST /api/stop-all", requireSession(http.HandlerFunc(stopAll(d))))
	mux.Handle("POST /api/start-queue", requireSession(http.HandlerFunc(startQueue(d))))
	mux.Handle("POST /api/stop-queue", requireSession(http.HandlerFunc(stopQueue(d))))
	mux.Handle("GET /api/queue-status", requireSession(http.HandlerFunc(queueStatus(d))))
	mux.Handle("POST /api/reload", requireSession(http.HandlerFunc(reloadQueue(d))))

	// ---- configuration file ----
	mux.Handle("GET /api/check-yaml", requireSession(http.HandlerFunc(checkYAML(d))))
	mux.Handle("POST /api/load-new-tasks", requireSession(http.HandlerFunc(loadNewTasks(d))))
	mux.Handle("POST /api/load-selected-tasks", requireSession(http.HandlerFunc(loadSelectedTasks(d))))

	// ---- history & logs ----
	mux.Handle("GET /api/history", requireSession(http.HandlerFunc(listHistory(d))))
	mux.Handle("DELETE /api/history", requireSession(http.HandlerFunc(clearHistory(d))))
	mux.Handle("GET /api/logs/{tid}", requireSession(http.HandlerFunc(taskLog(d))))
	mux.Handle("GET /api/main-log", requireSession(http.HandlerFunc(mainLog(d))))

	// ---- settings ----
	mux.Handle("GET /api/settings", requireSession(http.HandlerFunc(getSettings(d))))
	mux.Handle("POST /api/settings", requireSession(http.HandlerFunc(updateSettings(d))))

	// ---- websockets ----
	mux.HandleFunc("GET /ws/logs/{tid}", logStream(d))
	mux.HandleFunc("GET /ws/status", statusStream(d))

	// ---- static front-end ----
	if fi, err := os.Stat(d.StaticDir); err == nil && fi.IsDir() {
		mux.Handle("/", http.FileServer(http.Dir(d.StaticDir)))
	}

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError uses the {"detail": ...} envelope the front-end reads its
// error messages from.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

// currentQueue fetches the selected queue or answers the request with
// the stable no-queue error.
func currentQueue(d Deps, w http.ResponseWriter) *queue.Queue {
	q := d.Workspace.Current()
	if q == nil {
		writeError(w, http.StatusBadRequest, "no queue configured")
	}
	return q
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// ---- auth handlers ----

func setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(auth.SessionTTL.Seconds()),
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func sessionValid(d Deps, r *http.Request) bool {
	c, err := r.Cookie(middleware.SessionCookie)
	return err == nil && d.Auth.Valid(c.Value)
}

func authStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": sessionValid(d, r),
			"auth_enabled":  d.Auth.Enabled(),
		})
	}
}

func authLogin(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		token, err := d.Auth.Login(body.Password)
		switch {
		case errors.Is(err, auth.ErrNotEnabled):
			writeError(w, http.StatusBadRequest, "auth not enabled")
			return
		case errors.Is(err, auth.ErrWrongPassword):
			writeError(w, http.StatusUnauthorized, "wrong password")
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged in"})
	}
}

func authLogout(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(middleware.SessionCookie); err == nil {
			d.Auth.Logout(c.Value)
		}
		clearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
	}
}

func authSetup(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		// Changing an existing password needs a live session; the first
		// setup is open.
		if d.Auth.Enabled() && !sessionValid(d, r) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if err := d.Auth.SetPassword(body.Password); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		token, err := d.Auth.Login(body.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		setSessionCookie(w, token)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "password set"})
	}
}

// ---- queue registry handlers ----

func listQueues(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"queues":           d.Workspace.ListQueues(),
			"current_queue_id": d.Workspace.CurrentID(),
		})
	}
}

func createQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name     string `json:"name"`
			YAMLPath string `json:"yaml_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if strings.TrimSpace(body.YAMLPath) == "" {
			writeError(w, http.StatusBadRequest, "yaml_path is required")
			return
		}
		info, err := d.Workspace.AddQueue(body.Name, body.YAMLPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "queue": info})
	}
}

func removeQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Workspace.RemoveQueue(r.PathValue("qid")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "queue removed"})
	}
}

func selectQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Workspace.Select(r.PathValue("qid")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func queueTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("qid")
		q, ok := d.Workspace.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("queue %s not found", id))
			return
		}
		pending, running := q.Tasks()
		writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "running": running})
	}
}

func queueHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("qid")
		q, ok := d.Workspace.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("queue %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": q.History()})
	}
}

func globalGPUUsage(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"gpu_usage": d.Workspace.GPUUsage()})
	}
}

// ---- task handlers ----

func listTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		pending, running := q.Tasks()
		writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "running": running})
	}
}

func addTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		var body struct {
			Name    string            `json:"name"`
			Command string            `json:"command"`
			Note    string            `json:"note"`
			Env     map[string]string `json:"env"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		snap, err := q.AddTask(body.Name, body.Command, body.Note, body.Env)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": snap})
	}
}

func updateTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		var body struct {
			Name    string            `json:"name"`
			Command string            `json:"command"`
			Note    string            `json:"note"`
			Env     map[string]string `json:"env"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		snap, err := q.UpdateTask(r.PathValue("tid"), body.Name, body.Command, body.Note, body.Env)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": snap})
	}
}

func deleteTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		if err := q.DeleteTask(r.PathValue("tid")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task deleted"})
	}
}

func reorderTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		var body struct {
			Order []string `json:"order"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := q.Reorder(body.Order); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func runTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		id := r.PathValue("tid")
		if err := q.StartTask(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		snap, _ := q.FindTask(id)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("task %s started", snap.Name),
			"task":    snap,
		})
	}
}

func stopTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		if err := q.StopTask(r.PathValue("tid")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task stopped"})
	}
}

func retryTask(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		if err := q.Retry(r.PathValue("tid")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task queued for retry"})
	}
}

// ---- queue control handlers ----

func stopAll(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		q.StopAll()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "all tasks stopped"})
	}
}

func startQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		pending, _ := q.Counts()
		if err := q.StartAuto(); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("queue started, %d tasks pending", pending),
		})
	}
}

func stopQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		q.StopAuto()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "queue will stop after the current task",
		})
	}
}

// queueStatus answers with zeros instead of an error when no queue is
// configured; the status bar polls it before the first queue exists.
func queueStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		running := false
		pending, active := 0, 0
		if q := d.Workspace.Current(); q != nil {
			running = q.AutoRunning()
			pending, active = q.Counts()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"running":       running,
			"pending_count": pending,
			"running_count": active,
			"main_log_file": d.MainLog,
		})
	}
}

func reloadQueue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		loaded, skipped, errs, err := q.Reload()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": fmt.Sprintf("reloaded %d tasks", loaded),
			"loaded":  loaded,
			"skipped": skipped,
			"errors":  append([]string{}, errs...),
		})
	}
}

// ---- configuration file handlers ----

type checkedTask struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Note    string `json:"note,omitempty"`
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
}

func checkYAML(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		cands, total, err := q.CheckConfig()
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":       false,
				"error":         err.Error(),
				"total_in_yaml": 0,
				"new_tasks":     []checkedTask{},
				"valid_count":   0,
				"invalid_count": 0,
			})
			return
		}
		newTasks := make([]checkedTask, 0, len(cands))
		valid, invalid := 0, 0
		for _, c := range cands {
			if c.Valid {
				valid++
			} else {
				invalid++
			}
			newTasks = append(newTasks, checkedTask{
				Name:    c.Spec.Name,
				Command: c.Spec.Command,
				Note:    c.Spec.Note,
				Valid:   c.Valid,
				Reason:  c.Reason,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"error":         nil,
			"total_in_yaml": total,
			"new_tasks":     newTasks,
			"valid_count":   valid,
			"invalid_count": invalid,
		})
	}
}

func loadResult(loaded, skipped int, errs []string) map[string]any {
	parts := []string{}
	if loaded > 0 {
		parts = append(parts, fmt.Sprintf("loaded %d new tasks", loaded))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d tasks", skipped))
	}
	if len(parts) == 0 {
		parts = append(parts, "no new tasks found")
	}
	return map[string]any{
		"success": true,
		"message": strings.Join(parts, ", "),
		"loaded":  loaded,
		"skipped": skipped,
		"errors":  append([]string{}, errs...),
	}
}

func loadNewTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		loaded, skipped, errs, err := q.LoadNew()
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": err.Error(),
				"loaded":  0,
				"skipped": 0,
				"errors":  []string{},
			})
			return
		}
		writeJSON(w, http.StatusOK, loadResult(loaded, skipped, errs))
	}
}

func loadSelectedTasks(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		var body struct {
			Tasks []struct {
				Name    string `json:"name"`
				Command string `json:"command"`
				Note    string `json:"note"`
			} `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		specs := make([]ingest.Spec, 0, len(body.Tasks))
		for _, t := range body.Tasks {
			if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.Command) == "" {
				writeError(w, http.StatusBadRequest, "every task needs a name and a command")
				return
			}
			specs = append(specs, ingest.Spec{
				Name:    t.Name,
				Command: t.Command,
				Note:    t.Note,
				Status:  task.StatusPending,
			})
		}
		loaded, skipped, errs := q.LoadSelected(specs)
		writeJSON(w, http.StatusOK, loadResult(loaded, skipped, errs))
	}
}

// ---- history & log handlers ----

func listHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": q.History()})
	}
}

func clearHistory(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := currentQueue(d, w)
		if q == nil {
			return
		}
		q.ClearHistory()
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "history cleared"})
	}
}

func taskLog(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("tid")
		snap, ok := d.Workspace.FindTask(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", id))
			return
		}
		content, total, err := tailer.ReadTail(snap.LogFile, queryInt(r, "lines", 500))
		if snap.LogFile == "" || err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":     true,
				"log_file":    snap.LogFile,
				"content":     "log file not created yet",
				"total_lines": 0,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"log_file":    snap.LogFile,
			"content":     content,
			"total_lines": total,
		})
	}
}

func mainLog(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		content, total, err := tailer.ReadTail(d.MainLog, queryInt(r, "lines", 200))
		if d.MainLog == "" || err != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":     true,
				"content":     "main log is initializing",
				"log_file":    d.MainLog,
				"total_lines": 0,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"content":     content,
			"log_file":    d.MainLog,
			"total_lines": total,
		})
	}
}

// ---- settings handlers ----

func getSettings(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"pushplus_token_set": d.Workspace.PushToken() != "",
		})
	}
}

func updateSettings(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PushplusToken string `json:"pushplus_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		d.Workspace.SetPushToken(body.PushplusToken)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "settings saved"})
	}
}

// ---- system ----

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": d.Version})
	}
}

// Package supervisor runs one task's shell command as a child process:
// it merges stdout and stderr into the task's log file, waits for exit
// off any lock, and escalates stop requests from SIGTERM to SIGKILL.
//
// The child gets its own process group so signals reach everything the
// command spawned, not just the shell.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long a polite stop waits before the kill.
const DefaultGrace = 3 * time.Second

// Result describes how the child ended.
type Result struct {
	ExitCode int
	Err      error // non-nil only when waiting itself failed
	Stopped  bool  // a stop was requested before the exit was observed
}

// Handle owns one running child. It is created by Start and reports
// exactly one Result on Done.
type Handle struct {
	cmd     *exec.Cmd
	logFile *os.File
	done    chan Result
	exited  chan struct{}

	mu      sync.Mutex
	stopReq bool
}

// Start launches command through /bin/sh -c with the task's env
// overrides layered over the current process environment. Output is
// appended to logPath, which is created first so tailers have a file
// to watch. A spawn failure is returned to the caller for
// classification; nothing is retried here.
func Start(command, logPath string, env map[string]string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = mergedEnv(os.Environ(), env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &Handle{
		cmd:     cmd,
		logFile: logFile,
		done:    make(chan Result, 1),
		exited:  make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// mergedEnv appends overrides after the base environment; os/exec
// keeps the last value for a duplicated key.
func mergedEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, len(base), len(base)+len(overrides))
	copy(env, base)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// PID is the child's process id (also its process group id).
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done yields the single Result once the child has been reaped.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// Stop asks the child to terminate: the stop intent is recorded first
// so the exit is classified as stopped, then the process group gets
// SIGTERM, and after grace anything still alive gets SIGKILL. Calling
// Stop again is a no-op.
func (h *Handle) Stop(grace time.Duration) {
	h.mu.Lock()
	already := h.stopReq
	h.stopReq = true
	h.mu.Unlock()
	if already {
		return
	}

	pgid := h.cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)

	go func() {
		select {
		case <-h.exited:
		case <-time.After(grace):
			syscall.Kill(-pgid, syscall.SIGKILL)
		}
	}()
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.logFile.Close()
	close(h.exited)

	h.mu.Lock()
	stopped := h.stopReq
	h.mu.Unlock()

	res := Result{Stopped: stopped}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	h.done <- res
}

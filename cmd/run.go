package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper-darkly/taskflow/dotenv"
	"github.com/whisper-darkly/taskflow/logging"
	"github.com/whisper-darkly/taskflow/notify"
	"github.com/whisper-darkly/taskflow/queue"
	"github.com/whisper-darkly/taskflow/task"
	"github.com/whisper-darkly/taskflow/workspace"
)

const (
	// drainPoll is how often the runner re-checks an idle queue for
	// additively new YAML entries.
	drainPoll = 2 * time.Second
	// idleStop is how long the queue may sit empty before the run ends.
	idleStop = 60 * time.Second
	// promptWait bounds the Ctrl-C decision window.
	promptWait = 5 * time.Second
)

// runForeground drains one config in the terminal. The queue keeps
// picking up tasks appended to the file while it runs; the run ends
// once it has been idle for a minute.
func runForeground(configPath string) error {
	if _, err := logging.Setup(""); err != nil {
		return err
	}

	envFile, err := dotenv.Apply(filepath.Dir(configPath))
	if err != nil {
		logrus.Warnf("load .env: %v", err)
	}
	printBanner(envFile)

	nc := notify.NewClient(env("TASKFLOW_PUSH_ENDPOINT", ""))
	ws := workspace.OpenEphemeral(nc)
	q, err := ws.EnsureQueue(configPath)
	if err != nil {
		return err
	}
	if err := q.StartAuto(); err != nil {
		return err
	}
	start := time.Now()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	var idleSince time.Time

	for {
		select {
		case <-sigCh:
			return interruptPrompt(q)
		case <-ticker.C:
			if pending, running := q.Counts(); pending > 0 || running > 0 {
				idleSince = time.Time{}
				continue
			}
			if loaded, _, _, err := q.LoadNew(); err == nil && loaded > 0 {
				logrus.Infof("picked up %d new tasks", loaded)
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
				continue
			}
			if time.Since(idleSince) >= idleStop {
				q.StopAuto()
				finish(q, nc, time.Since(start))
				ws.Shutdown()
				return nil
			}
		}
	}
}

func printBanner(envFile string) {
	fmt.Printf("taskflow %s\n", version)
	if envFile != "" {
		fmt.Printf("env file: %s\n", envFile)
	} else {
		fmt.Println("env file: none")
	}
	if os.Getenv("MSG_PUSH_TOKEN") != "" {
		fmt.Println("push token: set")
	} else {
		fmt.Println("push token: not set")
	}
	if notify.Truthy(os.Getenv("MTF_SILENT_MODE")) {
		fmt.Println("silent mode: on")
	}
}

// finish prints the per-status tally and sends the queue summary unless
// silent mode or a missing token says otherwise.
func finish(q *queue.Queue, nc *notify.Client, elapsed time.Duration) {
	counts, total := q.Summary()
	fmt.Printf("\nqueue %s finished in %s\n", q.Name(), elapsed.Round(time.Second))
	for _, s := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusStopped, task.StatusCanceled} {
		if counts[s] > 0 {
			fmt.Printf("  %s: %d\n", s, counts[s])
		}
	}

	if notify.Truthy(os.Getenv("MTF_SILENT_MODE")) {
		return
	}
	token := os.Getenv("MSG_PUSH_TOKEN")
	if token == "" {
		return
	}
	title, content := notify.BuildSummaryMessage(q.Name(), counts, total)
	if err := nc.Send(token, title, content); err != nil {
		logrus.Warnf("summary notification failed: %v", err)
	}
}

// interruptPrompt implements the Ctrl-C flow: auto mode off, pending
// tasks canceled, then a short window to decide what happens to the
// running child. Enter or timeout detaches and leaves it running.
func interruptPrompt(q *queue.Queue) error {
	q.StopAuto()
	if canceled := q.CancelPending(); canceled > 0 {
		fmt.Printf("\ncanceled %d pending tasks\n", canceled)
	}
	pid, running := q.RunningPID()
	if !running {
		fmt.Println("nothing running, bye")
		return nil
	}

	fmt.Printf("task still running (pid %d)\n", pid)
	fmt.Printf("press k then Enter to kill it, Enter alone to leave it running (%s): ", promptWait)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		answer <- strings.TrimSpace(line)
	}()

	select {
	case a := <-answer:
		if strings.EqualFold(a, "k") {
			fmt.Println("stopping the running task")
			q.StopRunning(time.Second)
			q.WaitIdle(promptWait)
			return nil
		}
	case <-time.After(promptWait):
		fmt.Println()
	}
	fmt.Println("detached, the task keeps running")
	return nil
}

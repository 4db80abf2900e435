package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whisper-darkly/taskflow/dotenv"
	"github.com/whisper-darkly/taskflow/notify"
)

const monitorPoll = 5 * time.Second

var monitorCmd = &cobra.Command{
	Use:   "monitor <pid>",
	Short: "Watch a process and notify when it exits",
	Long: `Poll an already running process until it exits, then push a completion
notification. Useful for long trainings started outside taskflow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(args[0])
	},
}

var (
	monitorName   string
	monitorSilent bool
)

func init() {
	monitorCmd.Flags().StringVar(&monitorName, "name", "",
		"display name for the watched process (default: the process name)")
	monitorCmd.Flags().BoolVar(&monitorSilent, "silent", false,
		"skip the completion notification")
}

func runMonitor(arg string) error {
	pid, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid pid %q", arg)
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return fmt.Errorf("no process with pid %d", pid)
	}

	name := monitorName
	if name == "" {
		name = fmt.Sprintf("pid-%d", pid)
		if p, err := process.NewProcess(int32(pid)); err == nil {
			if n, err := p.Name(); err == nil && n != "" {
				name = n
			}
		}
	}

	fmt.Printf("watching %s (pid %d), checking every %s\n", name, pid, monitorPoll)
	start := time.Now()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(monitorPoll)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Println("monitor canceled")
			return nil
		case <-ticker.C:
			if !processGone(int32(pid)) {
				continue
			}
			elapsed := time.Since(start)
			fmt.Printf("%s exited after %s\n", name, elapsed.Round(time.Second))
			notifyMonitor(name, pid, elapsed)
			return nil
		}
	}
}

// processGone treats a zombie as exited: the child is dead even though
// its parent has not reaped it yet.
func processGone(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return true
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return true
	}
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

func notifyMonitor(name string, pid int, elapsed time.Duration) {
	if monitorSilent {
		return
	}
	if _, err := dotenv.Apply(""); err != nil {
		logrus.Warnf("load .env: %v", err)
	}
	if notify.Truthy(os.Getenv("MTF_SILENT_MODE")) {
		return
	}
	token := os.Getenv("MSG_PUSH_TOKEN")
	if token == "" {
		return
	}
	title, content := notify.BuildMonitorMessage(name, pid, elapsed)
	if err := notify.NewClient(env("TASKFLOW_PUSH_ENDPOINT", "")).Send(token, title, content); err != nil {
		logrus.Warnf("notification failed: %v", err)
	}
}

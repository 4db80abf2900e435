package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show running taskflow web backends",
	Long: `Scan the process table for taskflow web backends and print their
PID, listen port, uptime, and working directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func runStatus() error {
	procs, err := process.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	found := 0
	for _, p := range procs {
		if int(p.Pid) == os.Getpid() {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, "taskflow") || !strings.Contains(cmdline, "web") {
			continue
		}
		found++

		uptime := "?"
		if ms, err := p.CreateTime(); err == nil {
			uptime = time.Since(time.UnixMilli(ms)).Round(time.Second).String()
		}
		cwd, _ := p.Cwd()
		fmt.Printf("pid %-8d port %-6s up %-12s %s\n", p.Pid, listenPort(cmdline), uptime, cwd)
	}
	if found == 0 {
		fmt.Println("no taskflow web backend is running")
	}
	return nil
}

// listenPort recovers the port from a web command line, falling back
// to the default when no flag was given.
func listenPort(cmdline string) string {
	fields := strings.Fields(cmdline)
	for i, f := range fields {
		switch {
		case f == "--port" || f == "-p":
			if i+1 < len(fields) {
				return fields[i+1]
			}
		case strings.HasPrefix(f, "--port="):
			return strings.TrimPrefix(f, "--port=")
		case strings.HasPrefix(f, "-p="):
			return strings.TrimPrefix(f, "-p=")
		}
	}
	return "8080"
}

// Package logging configures the process-wide logger. Web and
// foreground-run modes mirror log output into a per-session main log
// file under the workspace, which the dashboard reads back through
// GET /api/main-log.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Setup applies the level from TASKFLOW_LOG_LEVEL (default info) and
// the text formatter. When workspaceDir is non-empty a session log
// file is created under <workspaceDir>/logs and mirrored alongside
// stderr; its path is returned.
func Setup(workspaceDir string) (string, error) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if v := os.Getenv("TASKFLOW_LOG_LEVEL"); v != "" {
		parsed, err := logrus.ParseLevel(v)
		if err != nil {
			return "", fmt.Errorf("parse TASKFLOW_LOG_LEVEL: %w", err)
		}
		level = parsed
	}
	logrus.SetLevel(level)

	if workspaceDir == "" {
		return "", nil
	}

	logsDir := filepath.Join(workspaceDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return "", fmt.Errorf("create logs dir: %w", err)
	}
	path := filepath.Join(logsDir, "taskflow_"+time.Now().Format("20060102_150405")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open main log: %w", err)
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return path, nil
}

package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/whisper-darkly/taskflow/task"
)

var statusIcons = map[task.Status]string{
	task.StatusCompleted: "✅",
	task.StatusFailed:    "❌",
	task.StatusStopped:   "⏹",
	task.StatusCanceled:  "🚫",
}

func icon(s task.Status) string {
	if ic, ok := statusIcons[s]; ok {
		return ic
	}
	return "ℹ️"
}

// BuildTaskMessage renders the notification for one terminal task:
// a status-icon title and an HTML body with timing, the error if any,
// and the last log lines.
func BuildTaskMessage(snap task.Snapshot, logTail []string) (title, content string) {
	title = fmt.Sprintf("%s %s - %s", icon(snap.Status), snap.Name, snap.Status)

	lines := []string{
		fmt.Sprintf("<b>Task:</b> %s", html.EscapeString(snap.Name)),
		fmt.Sprintf("<b>Status:</b> %s", snap.Status),
	}
	if snap.Duration != nil {
		d := time.Duration(*snap.Duration * float64(time.Second))
		lines = append(lines, fmt.Sprintf("<b>Duration:</b> %s", d.Round(time.Second)))
	}
	if snap.ErrorMessage != "" {
		lines = append(lines, fmt.Sprintf("<b>Error:</b> %s", html.EscapeString(snap.ErrorMessage)))
	}
	if len(logTail) > 0 {
		lines = append(lines, "<b>Last log lines:</b>")
		escaped := make([]string, len(logTail))
		for i, l := range logTail {
			escaped[i] = html.EscapeString(l)
		}
		lines = append(lines, "<pre>"+strings.Join(escaped, "\n")+"</pre>")
	}
	return title, strings.Join(lines, "<br>\n")
}

// BuildSummaryMessage renders the queue-finished notification sent by
// the foreground runner once a queue drains.
func BuildSummaryMessage(queueName string, counts map[task.Status]int, total time.Duration) (title, content string) {
	title = fmt.Sprintf("📋 %s - queue finished", queueName)

	lines := []string{fmt.Sprintf("<b>Queue:</b> %s", html.EscapeString(queueName))}
	for _, s := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusStopped, task.StatusCanceled} {
		if counts[s] > 0 {
			lines = append(lines, fmt.Sprintf("<b>%s:</b> %d", s, counts[s]))
		}
	}
	lines = append(lines, fmt.Sprintf("<b>Total runtime:</b> %s", total.Round(time.Second)))
	return title, strings.Join(lines, "<br>\n")
}

// BuildMonitorMessage renders the notification for a watched external
// process that has exited.
func BuildMonitorMessage(name string, pid int, elapsed time.Duration) (title, content string) {
	title = fmt.Sprintf("✅ process finished: %s", name)
	content = strings.Join([]string{
		fmt.Sprintf("<b>Process:</b> %s", html.EscapeString(name)),
		fmt.Sprintf("<b>PID:</b> %d", pid),
		fmt.Sprintf("<b>Watched for:</b> %s", elapsed.Round(time.Second)),
		fmt.Sprintf("<b>Ended at:</b> %s", time.Now().Format("2006-01-02 15:04:05")),
	}, "<br>\n")
	return title, content
}

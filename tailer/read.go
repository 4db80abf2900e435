package tailer

import (
	"os"
	"strings"
)

// CollapseCR rewrites carriage-return progress redraws so each
// terminal update keeps only its final fragment. Fragments that a
// later \r overwrote are dropped; \r\n line endings survive as plain
// newlines.
func CollapseCR(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "\r") {
			continue
		}
		parts := strings.Split(line, "\r")
		keep := ""
		for j := len(parts) - 1; j >= 0; j-- {
			if parts[j] != "" {
				keep = parts[j]
				break
			}
		}
		lines[i] = keep
	}
	return strings.Join(lines, "\n")
}

// ReadTail returns the last n lines of the file after carriage-return
// collapse, plus the total collapsed line count. n <= 0 means all
// lines.
func ReadTail(path string, n int) (content string, total int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	lines := strings.Split(CollapseCR(string(data)), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total = len(lines)
	if n > 0 && total > n {
		lines = lines[total-n:]
	}
	return strings.Join(lines, "\n"), total, nil
}

// TailLines is ReadTail split into lines, for message templates.
// Missing or unreadable files yield nil.
func TailLines(path string, n int) []string {
	if path == "" {
		return nil
	}
	content, _, err := ReadTail(path, n)
	if err != nil || content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

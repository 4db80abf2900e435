package task

import (
	"regexp"
	"strconv"
	"strings"
)

// devicePattern matches the first CUDA_VISIBLE_DEVICES assignment in a
// command string. Quote and whitespace tolerant: the capture stops at
// the first character that is not a digit, comma, or whitespace.
var devicePattern = regexp.MustCompile(`CUDA_VISIBLE_DEVICES\s*=\s*["']?([\d,\s]+)`)

// ParseDevices extracts the device list a shell command claims. The
// first assignment wins; the result is bound to the task at creation
// and never re-derived while it runs.
func ParseDevices(command string) []int {
	m := devicePattern.FindStringSubmatch(command)
	if m == nil {
		return nil
	}
	var devices []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || seen[n] {
			continue
		}
		seen[n] = true
		devices = append(devices, n)
	}
	return devices
}

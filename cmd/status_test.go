package cmd

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenPort(t *testing.T) {
	cases := []struct {
		cmdline string
		want    string
	}{
		{"taskflow web", "8080"},
		{"taskflow web --port 9000", "9000"},
		{"taskflow web --port=9001 tasks.yml", "9001"},
		{"/usr/local/bin/taskflow web -p 7000", "7000"},
		{"taskflow web -p=7001", "7001"},
		{"taskflow web --port", "8080"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, listenPort(c.cmdline), c.cmdline)
	}
}

func TestProcessGone(t *testing.T) {
	assert.False(t, processGone(int32(os.Getpid())), "this test process is alive")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := int32(cmd.Process.Pid)
	assert.False(t, processGone(pid))

	require.NoError(t, cmd.Process.Kill())

	// Unreaped the child is a zombie, reaped it is gone; either way it
	// counts as exited.
	assert.Eventually(t, func() bool { return processGone(pid) }, 5*time.Second, 50*time.Millisecond)
	_ = cmd.Wait()
}

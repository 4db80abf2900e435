package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevices(t *testing.T) {
	cases := []struct {
		name    string
		command string
		want    []int
	}{
		{"none", "python train.py --epochs 10", nil},
		{"single", "CUDA_VISIBLE_DEVICES=0 python train.py", []int{0}},
		{"multi", "CUDA_VISIBLE_DEVICES=0,1 python train.py", []int{0, 1}},
		{"spaces around equals", "CUDA_VISIBLE_DEVICES = 2 python train.py", []int{2}},
		{"spaces in list", "CUDA_VISIBLE_DEVICES=0, 1, 3 python train.py", []int{0, 1, 3}},
		{"double quoted", `CUDA_VISIBLE_DEVICES="1,2" python train.py`, []int{1, 2}},
		{"single quoted", "CUDA_VISIBLE_DEVICES='3' python train.py", []int{3}},
		{"first occurrence wins", "CUDA_VISIBLE_DEVICES=0 echo x && CUDA_VISIBLE_DEVICES=1 echo y", []int{0}},
		{"duplicates collapse", "CUDA_VISIBLE_DEVICES=1,1,2 python train.py", []int{1, 2}},
		{"env prefix mid-command", "nice -n 10 CUDA_VISIBLE_DEVICES=5 ./run.sh", []int{5}},
		{"empty assignment", "CUDA_VISIBLE_DEVICES= python train.py", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseDevices(tc.command))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusSkipped.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestNew(t *testing.T) {
	tk := New("train", "CUDA_VISIBLE_DEVICES=0,1 python train.py", "first run", map[string]string{"LR": "0.1"})

	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, []int{0, 1}, tk.Devices)
	assert.Equal(t, "0,1", tk.GPUString())
	assert.Equal(t, "first run", tk.Note)
	assert.Equal(t, "0.1", tk.Env["LR"])
	require.Len(t, tk.ID, len("task_")+8)
	assert.Equal(t, "task_", tk.ID[:5])

	other := New("train", "echo hi", "", nil)
	assert.NotEqual(t, tk.ID, other.ID)
}

func TestTask_Lifecycle(t *testing.T) {
	tk := New("t", "echo hi", "", nil)
	start := time.Now()

	tk.Start("/tmp/logs/t.log", start)
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, "/tmp/logs/t.log", tk.LogPath)
	_, ok := tk.Duration()
	assert.False(t, ok)

	end := start.Add(1500 * time.Millisecond)
	tk.Finish(StatusCompleted, 0, "", end)
	assert.Equal(t, StatusCompleted, tk.Status)
	require.NotNil(t, tk.ExitCode)
	assert.Equal(t, 0, *tk.ExitCode)
	d, ok := tk.Duration()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	snap := tk.Snapshot()
	assert.Equal(t, tk.ID, snap.ID)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.NotEmpty(t, snap.StartTime)
	assert.NotEmpty(t, snap.EndTime)
	require.NotNil(t, snap.Duration)
	assert.InDelta(t, 1.5, *snap.Duration, 0.001)

	tk.ResetForRetry()
	assert.Equal(t, StatusPending, tk.Status)
	assert.True(t, tk.StartedAt.IsZero())
	assert.True(t, tk.EndedAt.IsZero())
	assert.Nil(t, tk.ExitCode)
	assert.Empty(t, tk.LogPath)
}

func TestTask_CanRetry(t *testing.T) {
	tk := New("t", "echo hi", "", nil)
	assert.False(t, tk.CanRetry())

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusStopped} {
		tk.Status = s
		assert.True(t, tk.CanRetry(), "status %s", s)
	}
	tk.Status = StatusCanceled
	assert.False(t, tk.CanRetry())
	tk.Status = StatusRunning
	assert.False(t, tk.CanRetry())
}

func TestTask_Cancel(t *testing.T) {
	tk := New("t", "echo hi", "", nil)
	tk.Cancel()
	assert.Equal(t, StatusCanceled, tk.Status)
	assert.True(t, tk.EndedAt.IsZero())

	snap := tk.Snapshot()
	assert.Empty(t, snap.StartTime)
	assert.Nil(t, snap.Duration)
}

func TestSnapshot_FrozenCopy(t *testing.T) {
	tk := New("t", "echo hi", "", nil)
	tk.Start("/tmp/t.log", time.Now())
	tk.Finish(StatusFailed, 3, "exit code 3", time.Now())

	snap := tk.Snapshot()
	tk.ResetForRetry()

	assert.Equal(t, StatusFailed, snap.Status)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 3, *snap.ExitCode)
	assert.Equal(t, "exit code 3", snap.ErrorMessage)
}

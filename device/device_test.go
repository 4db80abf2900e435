package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReserveAndRelease(t *testing.T) {
	l := NewLedger()

	require.NoError(t, l.Reserve([]int{0, 1}, "q1", "alpha", "task_1"))
	assert.Equal(t, []int{0, 1}, l.BusyList())
	assert.Equal(t, map[int]string{0: "alpha", 1: "alpha"}, l.Busy())

	err := l.Reserve([]int{1, 2}, "q2", "beta", "task_2")
	require.Error(t, err)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []int{1}, conflict.Devices)
	assert.Equal(t, []string{"alpha"}, conflict.Holders)
	assert.Contains(t, err.Error(), "GPU 1")
	assert.Contains(t, err.Error(), "alpha")

	// all or nothing: device 2 must still be free
	require.NoError(t, l.Reserve([]int{2}, "q2", "beta", "task_2b"))

	l.Release("task_1")
	assert.Equal(t, []int{2}, l.BusyList())
	require.NoError(t, l.Reserve([]int{0, 1}, "q2", "beta", "task_3"))
}

func TestLedger_CheckDoesNotReserve(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Check([]int{0}))
	require.NoError(t, l.Reserve([]int{0}, "q1", "alpha", "task_1"))

	err := l.Check([]int{0})
	require.Error(t, err)
	assert.Equal(t, []int{0}, l.BusyList())
}

func TestLedger_ReleaseHook(t *testing.T) {
	l := NewLedger()
	fired := 0
	l.OnRelease(func() { fired++ })

	require.NoError(t, l.Reserve([]int{0}, "q1", "alpha", "task_1"))
	l.Release("task_1")
	assert.Equal(t, 1, fired)

	// releasing a task with no holdings must not fire the hook
	l.Release("task_unknown")
	assert.Equal(t, 1, fired)
}

func TestLedger_ConflictNamesEveryHolder(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Reserve([]int{0}, "q1", "alpha", "task_1"))
	require.NoError(t, l.Reserve([]int{1}, "q2", "beta", "task_2"))

	err := l.Check([]int{0, 1, 2})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []int{0, 1}, conflict.Devices)
	assert.Equal(t, []string{"alpha", "beta"}, conflict.Holders)
}

func TestLedger_EmptyDeviceListAlwaysFits(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Reserve([]int{0}, "q1", "alpha", "task_1"))
	require.NoError(t, l.Reserve(nil, "q2", "beta", "task_2"))
	require.NoError(t, l.Check(nil))
}

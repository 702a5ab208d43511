package tasks

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TimeUnit_duration(t *testing.T) {
	assert.Equal(t, 30*time.Second, Seconds.duration(30))
	assert.Equal(t, 2*time.Minute, Minutes.duration(2))
	assert.Equal(t, time.Hour, Hours.duration(1))
}

func Test_NewTaskAtIntervals(t *testing.T) {
	task := NewTaskAtIntervals(30, Seconds).Do("heartbeat", func() {})
	assert.Equal(t, "heartbeat", task.Name())
	assert.Equal(t, 30*time.Second, task.Interval())
}

func Test_Scheduler_RunsTasksUntilStopped(t *testing.T) {
	var count uint32
	task := (&Task{interval: 10 * time.Millisecond}).Do("tick", func() {
		atomic.AddUint32(&count, 1)
	})

	scheduler := NewScheduler().Add(task)
	assert.Equal(t, 1, scheduler.Count())

	require.NoError(t, scheduler.Start())

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&count) >= 2
	}, 2*time.Second, 5*time.Millisecond, "task never fired")

	require.NoError(t, scheduler.Stop())
	settled := atomic.LoadUint32(&count)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadUint32(&count), "task fired after Stop")
}

func Test_Scheduler_StartTwiceFails(t *testing.T) {
	scheduler := NewScheduler().Add((&Task{interval: time.Hour}).Do("noop", func() {}))
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	assert.Error(t, scheduler.Start())
}

func Test_Scheduler_RejectsBodylessTask(t *testing.T) {
	scheduler := NewScheduler().Add(NewTaskAtIntervals(1, Seconds))
	assert.Error(t, scheduler.Start())
}

func Test_Scheduler_StopIsIdempotent(t *testing.T) {
	scheduler := NewScheduler()
	require.NoError(t, scheduler.Stop())

	scheduler.Add((&Task{interval: time.Hour}).Do("noop", func() {}))
	require.NoError(t, scheduler.Start())
	require.NoError(t, scheduler.Stop())
	require.NoError(t, scheduler.Stop())
}

func Test_Scheduler_RecoversPanickingTask(t *testing.T) {
	var after uint32
	scheduler := NewScheduler().
		Add((&Task{interval: 5 * time.Millisecond}).Do("panics", func() {
			panic("boom")
		})).
		Add((&Task{interval: 5 * time.Millisecond}).Do("survives", func() {
			atomic.AddUint32(&after, 1)
		}))

	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadUint32(&after) >= 2
	}, 2*time.Second, 5*time.Millisecond, "sibling task starved by panicking one")
}

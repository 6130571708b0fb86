package ddnio

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskScheduler(t *testing.T) {
	mock := clock.NewMock()
	ts := NewTaskScheduler(mock, 0)
	now := mock.Now()

	var order []string
	add := func(name string, after time.Duration) *ScheduledTask {
		task, err := ts.ScheduleAt(now.Add(after), func() { order = append(order, name) })
		require.NoError(t, err)
		return task
	}
	add("c", 30*time.Millisecond)
	add("a", 10*time.Millisecond)
	add("b1", 20*time.Millisecond)
	add("b2", 20*time.Millisecond)
	cancelled := add("x", 15*time.Millisecond)
	cancelled.Cancel()

	d, ok := ts.UntilNext(now)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d)
	assert.Nil(t, ts.PollDue(now))

	mock.Add(25 * time.Millisecond)
	for task := ts.PollDue(mock.Now()); task != nil; task = ts.PollDue(mock.Now()) {
		task.fn()
	}
	assert.Equal(t, []string{"a", "b1", "b2"}, order)

	d, ok = ts.UntilNext(mock.Now())
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, d)

	mock.Add(time.Second)
	d, ok = ts.UntilNext(mock.Now())
	require.True(t, ok)
	assert.Zero(t, d)
	ts.PollDue(mock.Now()).fn()
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, order)

	_, ok = ts.UntilNext(mock.Now())
	assert.False(t, ok)
}

func TestTaskSchedulerFull(t *testing.T) {
	mock := clock.NewMock()
	ts := NewTaskScheduler(mock, 2)
	for i := 0; i < 2; i++ {
		_, err := ts.ScheduleAt(mock.Now(), func() {})
		require.NoError(t, err)
	}
	_, err := ts.ScheduleAt(mock.Now(), func() {})
	assert.ErrorIs(t, err, ErrTimerFull)
	assert.Equal(t, 2, ts.Clear())
	assert.Zero(t, ts.Len())
}

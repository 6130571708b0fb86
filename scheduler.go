package ddnio

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nyan233/ddnio/container"
)

var (
	// ErrTimerFull the scheduler already holds its maximum number of tasks
	ErrTimerFull = errors.New("timer is full")
)

// ScheduledTask is a task waiting in a TaskScheduler.
type ScheduledTask struct {
	fn        func()
	deadline  time.Time
	cancelled bool
}

func (t *ScheduledTask) Deadline() time.Time {
	return t.deadline
}

// Cancel keeps the task from running; selector thread only.
func (t *ScheduledTask) Cancel() {
	t.cancelled = true
	t.fn = nil
}

/*
	TaskScheduler runs delayed tasks on the selector thread.
	It is not goroutine safe: other goroutines reach it through NioSelector.ScheduleAfter.
	Cancelled tasks stay in the heap until their deadline and are then dropped.
*/
type TaskScheduler struct {
	lHeap   *container.LittleHeap
	clock   clock.Clock
	maxSize int
}

func NewTaskScheduler(clk clock.Clock, maxSize int) *TaskScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &TaskScheduler{
		lHeap:   container.NewLittleHeap(1 << 4),
		clock:   clk,
		maxSize: maxSize,
	}
}

func (t *TaskScheduler) Len() int {
	return t.lHeap.Size()
}

// ScheduleAt queues fn to run at deadline. maxSize <= 0 means unbounded.
func (t *TaskScheduler) ScheduleAt(deadline time.Time, fn func()) (*ScheduledTask, error) {
	if t.maxSize > 0 && t.lHeap.Size() >= t.maxSize {
		return nil, ErrTimerFull
	}
	task := &ScheduledTask{fn: fn, deadline: deadline}
	t.lHeap.Insert(container.TimeoutElem{
		Deadline: deadline,
		Data:     task,
	})
	return task, nil
}

// scheduleAfter is ScheduleAt for internal timers, which are never refused.
func (t *TaskScheduler) scheduleAfter(d time.Duration, fn func()) *ScheduledTask {
	task := &ScheduledTask{fn: fn, deadline: t.clock.Now().Add(d)}
	t.lHeap.Insert(container.TimeoutElem{
		Deadline: task.deadline,
		Data:     task,
	})
	return task
}

// UntilNext returns how long until the earliest task is due, ok is false when
// nothing is scheduled. A due task yields 0.
func (t *TaskScheduler) UntilNext(now time.Time) (d time.Duration, ok bool) {
	for !t.lHeap.IsEmpty() {
		top := t.lHeap.Peek()
		if top.Data.(*ScheduledTask).cancelled {
			t.lHeap.DelTop()
			continue
		}
		d = top.Deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// PollDue pops the earliest task due at now, nil when none is due.
// Callers repeat until nil to run every expired task.
func (t *TaskScheduler) PollDue(now time.Time) *ScheduledTask {
	for !t.lHeap.IsEmpty() {
		top := t.lHeap.Peek()
		if top.Deadline.After(now) {
			return nil
		}
		t.lHeap.DelTop()
		task := top.Data.(*ScheduledTask)
		if task.cancelled {
			continue
		}
		return task
	}
	return nil
}

// Clear drops every queued task.
func (t *TaskScheduler) Clear() int {
	n := 0
	for !t.lHeap.IsEmpty() {
		if !t.lHeap.DelTop().Data.(*ScheduledTask).cancelled {
			n++
		}
	}
	return n
}

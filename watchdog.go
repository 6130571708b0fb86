package ddnio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/benbjohnson/clock"
	"github.com/zbh255/bilog"
)

// HangReporter is told about a hook that has been running longer than the
// watchdog threshold.
type HangReporter interface {
	ReportHang(selector, hook string, age time.Duration)
}

type HangReporterFunc func(selector, hook string, age time.Duration)

func (f HangReporterFunc) ReportHang(selector, hook string, age time.Duration) {
	f(selector, hook, age)
}

type watchSlot struct {
	tid      int64
	hook     string
	start    time.Time
	reported bool
}

// ThreadWatchdog records which hook the selector thread is running and since
// when. It catches hooks that never return and hooks entered from a thread
// that does not own the selector.
type ThreadWatchdog struct {
	name      string
	clock     clock.Clock
	threshold time.Duration
	interval  time.Duration
	reporter  HangReporter
	logger    bilog.Logger
	metrics   *Metrics
	enabled   atomic.Bool
	// thread allowed to register, 0 until bound
	ownerTid atomic.Int64
	mu       sync.Mutex
	slot     *watchSlot
}

func NewThreadWatchdog(name string, config WatchdogConfig, clk clock.Clock, l bilog.Logger, m *Metrics) *ThreadWatchdog {
	config = config.normalize()
	if clk == nil {
		clk = clock.New()
	}
	if l == nil {
		l = logger
	}
	w := &ThreadWatchdog{
		name:      name,
		clock:     clk,
		threshold: config.Threshold,
		interval:  config.Interval,
		reporter:  config.Reporter,
		logger:    l,
		metrics:   m,
	}
	w.enabled.Store(true)
	return w
}

// bind makes tid the only thread allowed to register.
func (w *ThreadWatchdog) bind(tid int64) {
	w.ownerTid.Store(tid)
}

func (w *ThreadWatchdog) SetEnabled(enabled bool) {
	w.enabled.Store(enabled)
}

func (w *ThreadWatchdog) Threshold() time.Duration {
	return w.threshold
}

// Register records that the calling thread entered hook. It returns true only
// when this call took the slot, so nested hooks leave the outer entry alone:
//
//	if wd.Register("handleRead") {
//		defer wd.Unregister()
//	}
//
// A thread other than the one holding the slot registering is an ownership
// violation and panics.
func (w *ThreadWatchdog) Register(hook string) bool {
	if !w.enabled.Load() {
		return false
	}
	tid := currentThreadID()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.slot != nil {
		if w.slot.tid != tid {
			w.logger.ErrorFromString(fmt.Sprintf("[%s] thread %d entered %s while thread %d runs %s",
				w.name, tid, hook, w.slot.tid, w.slot.hook))
		}
		runtimex.Assert(w.slot.tid == tid)
		return false
	}
	if tid != w.ownerTid.Load() {
		return false
	}
	w.slot = &watchSlot{tid: tid, hook: hook, start: w.clock.Now()}
	return true
}

// Unregister releases the slot taken by a successful Register.
func (w *ThreadWatchdog) Unregister() {
	tid := currentThreadID()
	w.mu.Lock()
	defer w.mu.Unlock()
	runtimex.Assert(w.slot != nil && w.slot.tid == tid)
	w.slot = nil
}

// Age returns how long the current hook has been running. ok is false when
// the selector thread is outside every hook.
func (w *ThreadWatchdog) Age() (age time.Duration, hook string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.slot == nil {
		return 0, "", false
	}
	return w.clock.Since(w.slot.start), w.slot.hook, true
}

// Check reports a hook older than the threshold, once per registration, and
// returns whether one is hung.
func (w *ThreadWatchdog) Check() bool {
	w.mu.Lock()
	if w.slot == nil {
		w.mu.Unlock()
		w.metrics.setHookAge(w.name, 0)
		return false
	}
	age, hook := w.clock.Since(w.slot.start), w.slot.hook
	hung := age > w.threshold
	report := hung && !w.slot.reported
	if report {
		w.slot.reported = true
	}
	w.mu.Unlock()

	w.metrics.setHookAge(w.name, age.Seconds())
	if report {
		w.metrics.hang(w.name, hook)
		w.logger.ErrorFromString(fmt.Sprintf("[%s] %s has been running for %v", w.name, hook, age))
		if w.reporter != nil {
			w.reporter.ReportHang(w.name, hook, age)
		}
	}
	return hung
}

// Start polls Check every interval until ctx is done. It blocks.
func (w *ThreadWatchdog) Start(ctx context.Context) {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

//go:build darwin || freebsd

package ddnio

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// poller wraps a kqueue. Read and write readiness arrive as separate filters,
// Exec folds them back into one Event per descriptor.
type poller struct {
	*kqueue
	wakePending atomic.Uint32
	closed      atomic.Bool
	// fd : portable interest
	events map[int]EventFlags
	mu     sync.Mutex
	rawBuf []unix.Kevent_t
}

func NewPoller() (Poller, error) {
	kq, err := NewKqueue()
	if err != nil {
		return nil, err
	}
	if err = kq.AddWakeup(); err != nil {
		_ = kq.Close()
		return nil, err
	}
	return &poller{
		kqueue: kq,
		events: make(map[int]EventFlags, 256),
		rawBuf: make([]unix.Kevent_t, MAX_POLLER_ONCE_EVENTS),
	}, nil
}

func (p *poller) Exec(receiver []Event, timeOut time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	limit := min(len(receiver), len(p.rawBuf))
	readyN, err := p.Wait(p.rawBuf[:limit], timeOut)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	// fd : index in receiver
	merged := make(map[int32]int, readyN)
	p.mu.Lock()
	for i := 0; i < readyN; i++ {
		raw := p.rawBuf[i]
		if raw.Filter == unix.EVFILT_USER {
			p.wakePending.Store(0)
			continue
		}
		fd := int32(raw.Ident)
		interest, ok := p.events[int(fd)]
		if !ok {
			continue
		}
		flags := kqueueToEvent(raw, interest)
		if idx, ok := merged[fd]; ok {
			receiver[idx].event |= flags
			continue
		}
		merged[fd] = n
		receiver[n] = Event{sysFd: fd, event: flags}
		n++
	}
	p.mu.Unlock()
	return n, nil
}

func (p *poller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	return p.TriggerWakeup()
}

func (p *poller) With(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Apply(kqueueChanges(event.FD(), 0, event.Flags())); err != nil {
		return err
	}
	p.events[event.FD()] = event.Flags()
	return nil
}

func (p *poller) Modify(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.events[event.FD()]
	if err := p.Apply(kqueueChanges(event.FD(), old, event.Flags())); err != nil {
		return err
	}
	p.events[event.FD()] = event.Flags()
	return nil
}

func (p *poller) Cancel(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.events[event.FD()]
	if !ok {
		return nil
	}
	delete(p.events, event.FD())
	return p.Apply(kqueueChanges(event.FD(), old, 0))
}

func (p *poller) AllEvents() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]Event, 0, len(p.events))
	for k, v := range p.events {
		events = append(events, NewEvent(k, v))
	}
	return events
}

func (p *poller) Exit() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPollerClosed
	}
	return p.Close()
}

// kqueueChanges diffs two interests into filter additions and deletions.
func kqueueChanges(fd int, was, want EventFlags) []unix.Kevent_t {
	var changes []unix.Kevent_t
	oldR, newR := was&(EVENT_READ|EVENT_ACCEPT) != 0, want&(EVENT_READ|EVENT_ACCEPT) != 0
	oldW, newW := was&(EVENT_WRITE|EVENT_CONNECT) != 0, want&(EVENT_WRITE|EVENT_CONNECT) != 0
	if oldR != newR {
		var ev unix.Kevent_t
		if newR {
			unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
		} else {
			unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		}
		changes = append(changes, ev)
	}
	if oldW != newW {
		var ev unix.Kevent_t
		if newW {
			unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
		} else {
			unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
		changes = append(changes, ev)
	}
	return changes
}

func kqueueToEvent(raw unix.Kevent_t, interest EventFlags) EventFlags {
	var flags EventFlags
	switch raw.Filter {
	case unix.EVFILT_READ:
		if interest&EVENT_ACCEPT != 0 {
			flags |= EVENT_ACCEPT
		} else {
			flags |= EVENT_READ
		}
	case unix.EVFILT_WRITE:
		flags |= interest & (EVENT_WRITE | EVENT_CONNECT)
	}
	if raw.Flags&unix.EV_EOF != 0 {
		flags |= EVENT_CLOSE
	}
	if raw.Flags&unix.EV_ERROR != 0 {
		flags |= EVENT_ERROR
	}
	return flags
}

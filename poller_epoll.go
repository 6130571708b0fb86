//go:build linux

package ddnio

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	eV_READ   = unix.EPOLLIN | unix.EPOLLRDHUP
	eV_ACCEPT = unix.EPOLLIN
	eV_WRITE  = unix.EPOLLOUT
	eV_CLOSE  = unix.EPOLLHUP | unix.EPOLLRDHUP
	eV_ERROR  = unix.EPOLLERR
)

// poller is a level-triggered epoll instance plus an eventfd used for wakeups.
type poller struct {
	*epoll
	wakeFd      int
	wakePending atomic.Uint32
	closed      atomic.Bool
	// fd : portable interest
	events  map[int]EventFlags
	mu      sync.Mutex
	rawBuf  []unix.EpollEvent
	wakeBuf [8]byte
}

func NewPoller() (Poller, error) {
	ep, err := NewEpoll()
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	if err = ep.AddEvent(wakeFd, unix.EPOLLIN); err != nil {
		_ = unix.Close(wakeFd)
		_ = ep.Close()
		return nil, err
	}
	return &poller{
		epoll:  ep,
		wakeFd: wakeFd,
		events: make(map[int]EventFlags, 256),
		rawBuf: make([]unix.EpollEvent, MAX_POLLER_ONCE_EVENTS),
	}, nil
}

func (p *poller) Exec(receiver []Event, timeOut time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	limit := min(len(receiver), len(p.rawBuf))
	nEvent, err := p.Wait(p.rawBuf[:limit], timeOut)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	p.mu.Lock()
	for i := 0; i < nEvent; i++ {
		raw := p.rawBuf[i]
		if int(raw.Fd) == p.wakeFd {
			p.drainWakeup()
			continue
		}
		interest, ok := p.events[int(raw.Fd)]
		if !ok {
			continue
		}
		receiver[n] = Event{
			sysFd: raw.Fd,
			event: epollToEvent(raw.Events, interest),
		}
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
	var one = [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *poller) drainWakeup() {
	for {
		_, err := unix.Read(p.wakeFd, p.wakeBuf[:])
		if err != nil {
			break
		}
	}
	p.wakePending.Store(0)
}

func (p *poller) With(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.AddEvent(event.FD(), eventToEpoll(event.Flags()))
	if err == nil {
		p.events[event.FD()] = event.Flags()
	}
	return err
}

func (p *poller) Modify(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.events[event.FD()]; ok && old == event.Flags() {
		return nil
	}
	err := p.ModEvent(event.FD(), eventToEpoll(event.Flags()))
	if err == nil {
		p.events[event.FD()] = event.Flags()
	}
	return err
}

func (p *poller) Cancel(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.events, event.FD())
	return p.DelEvent(event.FD())
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
	_ = unix.Close(p.wakeFd)
	return p.Close()
}

// Utils
func eventToEpoll(flags EventFlags) uint32 {
	var epFlags uint32
	if flags&EVENT_READ != 0 {
		epFlags |= eV_READ
	}
	if flags&EVENT_ACCEPT != 0 {
		epFlags |= eV_ACCEPT
	}
	if flags&(EVENT_WRITE|EVENT_CONNECT) != 0 {
		epFlags |= eV_WRITE
	}
	return epFlags
}

// epollToEvent maps raw readiness back onto what the descriptor asked for,
// which is how a listener's EPOLLIN becomes an accept and a connecting
// socket's EPOLLOUT becomes a connect.
func epollToEvent(raw uint32, interest EventFlags) EventFlags {
	var flags EventFlags
	if raw&unix.EPOLLIN != 0 {
		if interest&EVENT_ACCEPT != 0 {
			flags |= EVENT_ACCEPT
		} else {
			flags |= EVENT_READ
		}
	}
	if raw&unix.EPOLLOUT != 0 {
		flags |= interest & (EVENT_WRITE | EVENT_CONNECT)
	}
	if raw&eV_CLOSE != 0 {
		flags |= EVENT_CLOSE
	}
	if raw&eV_ERROR != 0 {
		flags |= EVENT_ERROR
	}
	return flags
}

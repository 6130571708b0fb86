//go:build linux

package ddnio

import (
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	epfd int
}

func NewEpoll() (*epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoll{epfd: fd}, nil
}

func (e *epoll) AddEvent(fd int, flags uint32) error {
	epollEvent := unix.EpollEvent{
		Events: flags,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &epollEvent)
}

func (e *epoll) ModEvent(fd int, flags uint32) error {
	epollEvent := unix.EpollEvent{
		Events: flags,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &epollEvent)
}

func (e *epoll) DelEvent(fd int) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *epoll) Wait(events []unix.EpollEvent, timeOut time.Duration) (int, error) {
	return unix.EpollWait(e.epfd, events, toMillis(timeOut))
}

func (e *epoll) Close() error {
	return unix.Close(e.epfd)
}

// toMillis rounds a positive timeout up so a sub-millisecond wait does not spin.
func toMillis(timeOut time.Duration) int {
	if timeOut < 0 {
		return -1
	}
	msec := int(timeOut / time.Millisecond)
	if timeOut%time.Millisecond != 0 {
		msec++
	}
	return msec
}

//go:build darwin || freebsd

package ddnio

import (
	"time"

	"golang.org/x/sys/unix"
)

const kQ_WAKE_IDENT = 0

type kqueue struct {
	kqfd int
}

func NewKqueue() (*kqueue, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)
	return &kqueue{kqfd: kqfd}, nil
}

func (k *kqueue) Apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(k.kqfd, changes, nil, nil)
	return err
}

func (k *kqueue) AddWakeup() error {
	var ev [1]unix.Kevent_t
	unix.SetKevent(&ev[0], kQ_WAKE_IDENT, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	return k.Apply(ev[:])
}

func (k *kqueue) TriggerWakeup() error {
	var ev [1]unix.Kevent_t
	unix.SetKevent(&ev[0], kQ_WAKE_IDENT, unix.EVFILT_USER, 0)
	ev[0].Fflags = unix.NOTE_TRIGGER
	return k.Apply(ev[:])
}

func (k *kqueue) Wait(events []unix.Kevent_t, timeOut time.Duration) (int, error) {
	if timeOut < 0 {
		return unix.Kevent(k.kqfd, nil, events, nil)
	}
	timeSpec := unix.NsecToTimespec(int64(timeOut))
	return unix.Kevent(k.kqfd, nil, events, &timeSpec)
}

func (k *kqueue) Close() error {
	return unix.Close(k.kqfd)
}

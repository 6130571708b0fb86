//go:build darwin || freebsd

package conn_handler

import (
	"net"

	"golang.org/x/sys/unix"
)

func socket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Accept takes one pending connection, already non-blocking.
func (b *BeforeConnHandler) Accept(fd int) (int, net.Addr, error) {
	connFd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(connFd)
	if err = unix.SetNonblock(connFd, true); err != nil {
		_ = unix.Close(connFd)
		return -1, nil, err
	}
	return connFd, SockaddrToTCPAddr(sa), nil
}

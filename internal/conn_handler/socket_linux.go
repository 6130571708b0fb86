//go:build linux

package conn_handler

import (
	"net"

	"golang.org/x/sys/unix"
)

func socket(family int) (int, error) {
	return unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
}

// Accept takes one pending connection, already non-blocking.
func (b *BeforeConnHandler) Accept(fd int) (int, net.Addr, error) {
	connFd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFd, SockaddrToTCPAddr(sa), nil
}

//go:build linux || darwin || freebsd

package conn_handler

import (
	"net"

	"golang.org/x/sys/unix"
)

// BeforeConnHandler performs the raw non-blocking socket calls the selector
// issues before a descriptor is handed to protocol code.
type BeforeConnHandler struct {
}

func (b *BeforeConnHandler) NioRead(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err == unix.EINTR {
		return 0, unix.EAGAIN
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (b *BeforeConnHandler) NioWrite(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err == unix.EINTR {
		return 0, unix.EAGAIN
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (b *BeforeConnHandler) Addr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

func (b *BeforeConnHandler) RemoteAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

func (b *BeforeConnHandler) Close(fd int) error {
	return unix.Close(fd)
}

// Listen opens a non-blocking listening socket bound to addr. reusePort lets
// several listeners share the port.
func (b *BeforeConnHandler) Listen(addr *net.TCPAddr, backlog int, reusePort bool) (int, error) {
	sa, family := TCPAddrToSockaddr(addr)
	fd, err := socket(family)
	if err != nil {
		return -1, err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if reusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err = unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Connect opens a non-blocking socket and starts connecting it to addr.
// inProgress reports whether the connect still has to be finished with SoError.
func (b *BeforeConnHandler) Connect(addr *net.TCPAddr) (fd int, inProgress bool, err error) {
	sa, family := TCPAddrToSockaddr(addr)
	fd, err = socket(family)
	if err != nil {
		return -1, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, err
	}
}

// SoError returns the pending socket error, nil once a connect has completed.
func (b *BeforeConnHandler) SoError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// IsConnected reports whether the socket has a peer.
func (b *BeforeConnHandler) IsConnected(fd int) bool {
	_, err := unix.Getpeername(fd)
	return err == nil
}

// IsTemporary reports whether err only means "try again on the next readiness event".
func IsTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func TCPAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	}
	return nil
}

package ddnio

import (
	"errors"
	"fmt"
	"net"

	ch "github.com/nyan233/ddnio/internal/conn_handler"
	"golang.org/x/sys/unix"
)

// ServerChannelContext is a listening socket. Every accepted connection
// becomes a new SocketChannelContext.
type ServerChannelContext struct {
	channelBase
	handler ServerHandler
	child   ChannelConfig
	// picks the selector owning an accepted fd; nil keeps it on this selector
	childSelector func(fd int) *NioSelector
}

func newServerChannelContext(selector *NioSelector, fd int, handler ServerHandler, config *ChannelConfig) *ServerChannelContext {
	s := &ServerChannelContext{handler: handler}
	var hooks ExceptionHooks
	if config != nil {
		hooks = config.Hooks
		if config.Child != nil {
			s.child = *config.Child
		}
	}
	s.init(s, selector, fd, hooks)
	return s
}

// Addr is the bound listening address.
func (s *ServerChannelContext) Addr() net.Addr {
	return s.localAddr
}

func (s *ServerChannelContext) interest() EventFlags {
	if s.State() >= STATE_CLOSING {
		return 0
	}
	return EVENT_ACCEPT
}

// accept takes pending connections until the backlog is empty or the per
// event bound is hit. A rejected or failed connection stops the batch; the
// rest stays in the backlog for the next readiness event.
func (s *ServerChannelContext) accept() (int, error) {
	s.selector.assertOnSelectorThread()
	sys := &ch.BeforeConnHandler{}
	accepted := 0
	for accepted < s.selector.config.MaxAcceptsPerEvent {
		connFd, remote, err := sys.Accept(s.fd)
		if err != nil {
			if ch.IsTemporary(err) {
				return accepted, nil
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			return accepted, fmt.Errorf("accept on %v: %w", s.localAddr, err)
		}
		handler, err := s.handler.OnAccept(s, remote)
		if err != nil {
			_ = sys.Close(connFd)
			return accepted, err
		}
		target := s.selector
		if s.childSelector != nil {
			if sel := s.childSelector(connFd); sel != nil {
				target = sel
			}
		}
		child := newSocketChannelContext(target, connFd, handler, &s.child, CONNECT_CONNECTED)
		child.remoteAddr = remote
		if err = target.Register(child); err != nil {
			_ = sys.Close(connFd)
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}

// closeFromSelector releases the listening descriptor and tells the handler.
func (s *ServerChannelContext) closeFromSelector() error {
	defer s.setState(STATE_CLOSED)
	err := (&ch.BeforeConnHandler{}).Close(s.fd)
	s.handler.OnClose(s)
	return err
}

package ddnio

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
	ch "github.com/nyan233/ddnio/internal/conn_handler"
)

// ChannelState is the lifecycle of a channel inside its selector.
type ChannelState int32

const (
	STATE_UNREGISTERED ChannelState = iota
	STATE_REGISTERING
	STATE_ACTIVE
	STATE_CLOSING
	STATE_CLOSED
)

func (s ChannelState) String() string {
	switch s {
	case STATE_UNREGISTERED:
		return "unregistered"
	case STATE_REGISTERING:
		return "registering"
	case STATE_ACTIVE:
		return "active"
	case STATE_CLOSING:
		return "closing"
	case STATE_CLOSED:
		return "closed"
	}
	return "unknown"
}

// Category names the event a failure belongs to.
type Category string

const (
	CATEGORY_REGISTRATION Category = "registration"
	CATEGORY_ACCEPT       Category = "accept"
	CATEGORY_ACTIVE       Category = "active"
	CATEGORY_CONNECT      Category = "connect"
	CATEGORY_READ         Category = "read"
	CATEGORY_WRITE        Category = "write"
	CATEGORY_TASK         Category = "task"
	CATEGORY_CLOSE        Category = "close"
	CATEGORY_GENERIC      Category = "generic"
)

// ChannelError is what a failing hook turns into when it reaches the logs.
type ChannelError struct {
	Category Category
	Channel  ChannelContext
	Err      error
}

func (e *ChannelError) Error() string {
	if e.Channel == nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s on channel %s (fd %d): %v", e.Category, e.Channel.ID(), e.Channel.FD(), e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ExceptionHooks are the consumer callbacks told about channel failures.
// A nil hook falls back to Generic; a nil Generic only logs.
type ExceptionHooks struct {
	Registration func(ctx ChannelContext, err error)
	Accept       func(ctx *ServerChannelContext, err error)
	Active       func(ctx ChannelContext, err error)
	Connect      func(ctx *SocketChannelContext, err error)
	Read         func(ctx *SocketChannelContext, err error)
	Write        func(ctx *SocketChannelContext, err error)
	Close        func(ctx ChannelContext, err error)
	Generic      func(ctx ChannelContext, err error)
}

func (h *ExceptionHooks) notify(category Category, ctx ChannelContext, err error) {
	switch category {
	case CATEGORY_REGISTRATION:
		if h.Registration != nil {
			h.Registration(ctx, err)
			return
		}
	case CATEGORY_ACCEPT:
		if server, ok := ctx.(*ServerChannelContext); ok && h.Accept != nil {
			h.Accept(server, err)
			return
		}
	case CATEGORY_ACTIVE:
		if h.Active != nil {
			h.Active(ctx, err)
			return
		}
	case CATEGORY_CONNECT, CATEGORY_READ, CATEGORY_WRITE:
		sock, ok := ctx.(*SocketChannelContext)
		if !ok {
			break
		}
		var hook func(*SocketChannelContext, error)
		switch category {
		case CATEGORY_CONNECT:
			hook = h.Connect
		case CATEGORY_READ:
			hook = h.Read
		default:
			hook = h.Write
		}
		if hook != nil {
			hook(sock, err)
			return
		}
	case CATEGORY_CLOSE:
		if h.Close != nil {
			h.Close(ctx, err)
			return
		}
	}
	if h.Generic != nil {
		h.Generic(ctx, err)
	}
}

// ChannelContext is one OS socket owned by one NioSelector.
// The set of implementations is closed: *ServerChannelContext and *SocketChannelContext.
type ChannelContext interface {
	FD() int
	ID() string
	Selector() *NioSelector
	State() ChannelState
	IsOpen() bool
	LocalAddr() net.Addr
	// Close asks the selector to close the channel; safe from any goroutine
	// and idempotent.
	Close() error
	// interest computes the readiness the channel wants right now.
	interest() EventFlags
	base() *channelBase
}

type channelBase struct {
	self     ChannelContext
	id       string
	fd       int
	selector *NioSelector
	// copied at construction, never mutated
	hooks          ExceptionHooks
	state          atomic.Int32
	closeRequested atomic.Bool
	localAddr      net.Addr
	// selector thread only
	inPoller  bool
	installed EventFlags
}

func (c *channelBase) init(self ChannelContext, selector *NioSelector, fd int, hooks ExceptionHooks) {
	runtimex.Assert(selector != nil)
	c.self = self
	c.id = runtimex.PanicOnError1(uuid.NewV7()).String()
	c.fd = fd
	c.selector = selector
	c.hooks = hooks
	c.localAddr = (&ch.BeforeConnHandler{}).Addr(fd)
}

func (c *channelBase) base() *channelBase {
	return c
}

func (c *channelBase) FD() int {
	return c.fd
}

func (c *channelBase) ID() string {
	return c.id
}

func (c *channelBase) Selector() *NioSelector {
	return c.selector
}

func (c *channelBase) State() ChannelState {
	return ChannelState(c.state.Load())
}

func (c *channelBase) setState(s ChannelState) {
	c.state.Store(int32(s))
}

// IsOpen reports whether the channel is neither closed nor scheduled to close.
func (c *channelBase) IsOpen() bool {
	return !c.closeRequested.Load() && c.State() < STATE_CLOSING
}

func (c *channelBase) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *channelBase) Close() error {
	if !c.closeRequested.CompareAndSwap(false, true) {
		return nil
	}
	return c.selector.queueClose(c.self)
}

// register installs the channel in the poller; selector thread only.
func (c *channelBase) register() error {
	interest := c.self.interest()
	if err := c.selector.poller.With(NewEvent(c.fd, interest)); err != nil {
		return err
	}
	c.inPoller = true
	c.installed = interest
	c.setState(STATE_ACTIVE)
	return nil
}

// updateInterest re-arms the poller when the wanted readiness changed.
func (c *channelBase) updateInterest() error {
	if !c.inPoller || c.State() != STATE_ACTIVE {
		return nil
	}
	interest := c.self.interest()
	if interest == c.installed {
		return nil
	}
	if err := c.selector.poller.Modify(NewEvent(c.fd, interest)); err != nil {
		return err
	}
	c.installed = interest
	return nil
}

// unregister removes the channel from the poller; selector thread only.
func (c *channelBase) unregister() error {
	if !c.inPoller {
		return nil
	}
	c.inPoller = false
	c.installed = 0
	return c.selector.poller.Cancel(NewEvent(c.fd, 0))
}

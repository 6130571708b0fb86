package ddnio

import (
	"fmt"
	"runtime/debug"

	"github.com/bassosimone/errclass"
	"github.com/zbh255/bilog"
)

// EventHandler is the failure isolation boundary between the selector loop and
// channel code. Every primary hook returns the failure of its event instead of
// unwinding the loop; the selector then calls the matching exception hook.
// All methods run on the selector thread.
type EventHandler interface {
	HandleRegistration(ctx ChannelContext) error
	RegistrationException(ctx ChannelContext, err error)

	AcceptChannel(ctx *ServerChannelContext) error
	AcceptException(ctx *ServerChannelContext, err error)

	HandleActive(ctx ChannelContext) error
	ActiveException(ctx ChannelContext, err error)

	HandleConnect(ctx *SocketChannelContext) error
	ConnectException(ctx *SocketChannelContext, err error)

	HandleRead(ctx *SocketChannelContext) error
	ReadException(ctx *SocketChannelContext, err error)

	HandleWrite(ctx *SocketChannelContext) error
	WriteException(ctx *SocketChannelContext, err error)

	HandleTask(task func()) error
	TaskException(err error)

	HandleClose(ctx ChannelContext) error
	CloseException(ctx ChannelContext, err error)

	GenericChannelException(ctx ChannelContext, err error)

	// PostHandling re-arms the poller interest after the I/O of an event.
	PostHandling(ctx ChannelContext)
}

// PanicError is a panic recovered from channel or task code.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// recoverHook runs fn and turns a panic into *PanicError.
func recoverHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// BaseEventHandler is the default EventHandler. Exception hooks log the
// failure, count it, tell the channel's ExceptionHooks and close the channel.
type BaseEventHandler struct {
	selector string
	logger   bilog.Logger
	metrics  *Metrics
}

func NewBaseEventHandler(selector string, l bilog.Logger, m *Metrics) *BaseEventHandler {
	if l == nil {
		l = logger
	}
	return &BaseEventHandler{
		selector: selector,
		logger:   l,
		metrics:  m,
	}
}

func (h *BaseEventHandler) HandleRegistration(ctx ChannelContext) error {
	return recoverHook(ctx.base().register)
}

func (h *BaseEventHandler) RegistrationException(ctx ChannelContext, err error) {
	h.report(CATEGORY_REGISTRATION, ctx, err, true)
}

func (h *BaseEventHandler) AcceptChannel(ctx *ServerChannelContext) error {
	h.metrics.event(h.selector, "accept")
	return recoverHook(func() error {
		_, err := ctx.accept()
		return err
	})
}

// AcceptException keeps the listener open; one bad connection does not stop
// the others from being accepted.
func (h *BaseEventHandler) AcceptException(ctx *ServerChannelContext, err error) {
	h.report(CATEGORY_ACCEPT, ctx, err, false)
}

func (h *BaseEventHandler) HandleActive(ctx ChannelContext) error {
	return recoverHook(func() error {
		switch c := ctx.(type) {
		case *SocketChannelContext:
			if !c.IsConnectComplete() {
				c.startConnectTimer()
			}
			return c.handler.OnActive(c)
		case *ServerChannelContext:
			h.logger.Debug(fmt.Sprintf("[%s] listening on %v", h.selector, c.Addr()))
		}
		return nil
	})
}

func (h *BaseEventHandler) ActiveException(ctx ChannelContext, err error) {
	h.report(CATEGORY_ACTIVE, ctx, err, true)
}

// HandleConnect finishes a pending connect. Once the socket is connected the
// protocol layer sees OnConnect exactly once.
func (h *BaseEventHandler) HandleConnect(ctx *SocketChannelContext) error {
	h.metrics.event(h.selector, "connect")
	return recoverHook(func() error {
		done, err := ctx.connect()
		if err != nil || !done || ctx.connectReported {
			return err
		}
		ctx.connectReported = true
		return ctx.handler.OnConnect(ctx)
	})
}

func (h *BaseEventHandler) ConnectException(ctx *SocketChannelContext, err error) {
	if !ctx.reportConnectFailure() {
		return
	}
	h.report(CATEGORY_CONNECT, ctx, err, true)
}

func (h *BaseEventHandler) HandleRead(ctx *SocketChannelContext) error {
	h.metrics.event(h.selector, "read")
	return recoverHook(func() error {
		_, err := ctx.read()
		return err
	})
}

func (h *BaseEventHandler) ReadException(ctx *SocketChannelContext, err error) {
	h.report(CATEGORY_READ, ctx, err, true)
}

func (h *BaseEventHandler) HandleWrite(ctx *SocketChannelContext) error {
	h.metrics.event(h.selector, "write")
	return recoverHook(func() error {
		_, err := ctx.flush()
		return err
	})
}

func (h *BaseEventHandler) WriteException(ctx *SocketChannelContext, err error) {
	h.report(CATEGORY_WRITE, ctx, err, true)
}

func (h *BaseEventHandler) HandleTask(task func()) error {
	h.metrics.event(h.selector, "task")
	return recoverHook(func() error {
		task()
		return nil
	})
}

func (h *BaseEventHandler) TaskException(err error) {
	h.metrics.exception(h.selector, CATEGORY_TASK, err)
	h.logger.ErrorFromString(fmt.Sprintf("[%s] task failed [%s]: %v", h.selector, errclass.New(err), err))
}

func (h *BaseEventHandler) HandleClose(ctx ChannelContext) error {
	h.metrics.event(h.selector, "close")
	return recoverHook(func() error {
		switch c := ctx.(type) {
		case *SocketChannelContext:
			return c.closeFromSelector()
		case *ServerChannelContext:
			return c.closeFromSelector()
		}
		return nil
	})
}

// CloseException only reports: the descriptor is gone either way.
func (h *BaseEventHandler) CloseException(ctx ChannelContext, err error) {
	h.report(CATEGORY_CLOSE, ctx, err, false)
}

func (h *BaseEventHandler) GenericChannelException(ctx ChannelContext, err error) {
	h.report(CATEGORY_GENERIC, ctx, err, true)
}

func (h *BaseEventHandler) PostHandling(ctx ChannelContext) {
	if err := ctx.base().updateInterest(); err != nil {
		h.GenericChannelException(ctx, err)
	}
}

func (h *BaseEventHandler) report(category Category, ctx ChannelContext, err error, closeChannel bool) {
	h.metrics.exception(h.selector, category, err)
	cerr := &ChannelError{Category: category, Channel: ctx, Err: err}
	h.logger.ErrorFromString(fmt.Sprintf("[%s] %v [%s]", h.selector, cerr, errclass.New(err)))
	ctx.base().hooks.notify(category, ctx, err)
	if closeChannel {
		_ = ctx.Close()
	}
}

package ddnio

import "github.com/bassosimone/runtimex"

// watchedEventHandler wraps every hook of an EventHandler in a watchdog
// registration and checks the connect invariants on the way.
type watchedEventHandler struct {
	EventHandler
	wd *ThreadWatchdog
}

// WatchEventHandler decorates h so that wd sees every hook it runs.
func WatchEventHandler(h EventHandler, wd *ThreadWatchdog) EventHandler {
	return &watchedEventHandler{EventHandler: h, wd: wd}
}

func (w *watchedEventHandler) HandleRegistration(ctx ChannelContext) error {
	if w.wd.Register("handleRegistration") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleRegistration(ctx)
}

func (w *watchedEventHandler) RegistrationException(ctx ChannelContext, err error) {
	if w.wd.Register("registrationException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.RegistrationException(ctx, err)
}

func (w *watchedEventHandler) AcceptChannel(ctx *ServerChannelContext) error {
	if w.wd.Register("acceptChannel") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.AcceptChannel(ctx)
}

func (w *watchedEventHandler) AcceptException(ctx *ServerChannelContext, err error) {
	if w.wd.Register("acceptException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.AcceptException(ctx, err)
}

func (w *watchedEventHandler) HandleActive(ctx ChannelContext) error {
	if w.wd.Register("handleActive") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleActive(ctx)
}

func (w *watchedEventHandler) ActiveException(ctx ChannelContext, err error) {
	if w.wd.Register("activeException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.ActiveException(ctx, err)
}

func (w *watchedEventHandler) HandleConnect(ctx *SocketChannelContext) error {
	if w.wd.Register("handleConnect") {
		defer w.wd.Unregister()
	}
	runtimex.Assert(!ctx.watchConnected)
	err := w.EventHandler.HandleConnect(ctx)
	if ctx.IsConnectComplete() {
		ctx.watchConnected = true
	}
	return err
}

func (w *watchedEventHandler) ConnectException(ctx *SocketChannelContext, err error) {
	if w.wd.Register("connectException") {
		defer w.wd.Unregister()
	}
	runtimex.Assert(!ctx.watchConnected && !ctx.watchConnectFailed)
	ctx.watchConnectFailed = true
	w.EventHandler.ConnectException(ctx, err)
}

func (w *watchedEventHandler) HandleRead(ctx *SocketChannelContext) error {
	if w.wd.Register("handleRead") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleRead(ctx)
}

func (w *watchedEventHandler) ReadException(ctx *SocketChannelContext, err error) {
	if w.wd.Register("readException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.ReadException(ctx, err)
}

func (w *watchedEventHandler) HandleWrite(ctx *SocketChannelContext) error {
	if w.wd.Register("handleWrite") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleWrite(ctx)
}

func (w *watchedEventHandler) WriteException(ctx *SocketChannelContext, err error) {
	if w.wd.Register("writeException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.WriteException(ctx, err)
}

func (w *watchedEventHandler) HandleTask(task func()) error {
	if w.wd.Register("handleTask") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleTask(task)
}

func (w *watchedEventHandler) TaskException(err error) {
	if w.wd.Register("taskException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.TaskException(err)
}

func (w *watchedEventHandler) HandleClose(ctx ChannelContext) error {
	if w.wd.Register("handleClose") {
		defer w.wd.Unregister()
	}
	return w.EventHandler.HandleClose(ctx)
}

func (w *watchedEventHandler) CloseException(ctx ChannelContext, err error) {
	if w.wd.Register("closeException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.CloseException(ctx, err)
}

func (w *watchedEventHandler) GenericChannelException(ctx ChannelContext, err error) {
	if w.wd.Register("genericChannelException") {
		defer w.wd.Unregister()
	}
	w.EventHandler.GenericChannelException(ctx, err)
}

func (w *watchedEventHandler) PostHandling(ctx ChannelContext) {
	if w.wd.Register("postHandling") {
		defer w.wd.Unregister()
	}
	w.EventHandler.PostHandling(ctx)
}

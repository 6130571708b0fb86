package ddnio

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	ch "github.com/nyan233/ddnio/internal/conn_handler"
	"github.com/zbh255/bilog"
	"go.uber.org/multierr"
)

// NioSelector is one event loop. A single goroutine, locked to its OS thread
// for the whole Run, owns the poller, every registered channel and all their
// buffers. Other goroutines talk to it through Submit, ScheduleAfter,
// Register and ChannelContext.Close.
type NioSelector struct {
	name      string
	config    SelectorConfig
	poller    Poller
	handler   EventHandler
	watchdog  *ThreadWatchdog
	scheduler *TaskScheduler
	pages     *PagePool
	metrics   *Metrics
	logger    bilog.Logger
	clock     clock.Clock

	tasks         *taskQueue
	registrations *taskQueue
	closes        *taskQueue

	// selector thread only
	channels map[int]ChannelContext
	receiver []Event

	ownerTid atomic.Int64
	running  atomic.Bool
	closed   atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	err      error
}

// NewNioSelector builds a selector; nothing runs until Run is called.
func NewNioSelector(config SelectorConfig) (*NioSelector, error) {
	config = config.normalize()
	if config.Name == "" {
		config.Name = "selector-" + uuid.NewString()[:8]
	}
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("%s: create poller: %w", config.Name, err)
	}
	s := &NioSelector{
		name:          config.Name,
		config:        config,
		poller:        poller,
		scheduler:     NewTaskScheduler(config.Clock, 0),
		pages:         NewPagePool(config.PageSize),
		metrics:       config.Metrics,
		logger:        config.Logger,
		clock:         config.Clock,
		tasks:         newTaskQueue(),
		registrations: newTaskQueue(),
		closes:        newTaskQueue(),
		channels:      make(map[int]ChannelContext, 256),
		receiver:      make([]Event, config.MaxEvents),
		done:          make(chan struct{}),
	}
	s.handler = NewBaseEventHandler(s.name, s.logger, s.metrics)
	if config.Watchdog != nil {
		s.watchdog = NewThreadWatchdog(s.name, *config.Watchdog, s.clock, s.logger, s.metrics)
		s.handler = WatchEventHandler(s.handler, s.watchdog)
	}
	if config.WrapHandler != nil {
		s.handler = config.WrapHandler(s.handler)
	}
	return s, nil
}

func (s *NioSelector) Name() string {
	return s.name
}

// Watchdog returns nil when SelectorConfig.Watchdog was not set.
func (s *NioSelector) Watchdog() *ThreadWatchdog {
	return s.watchdog
}

func (s *NioSelector) IsRunning() bool {
	return s.running.Load() && !s.closed.Load()
}

// IsOnSelectorThread reports whether the caller is the running loop.
func (s *NioSelector) IsOnSelectorThread() bool {
	tid := s.ownerTid.Load()
	return tid != 0 && tid == currentThreadID()
}

func (s *NioSelector) assertOnSelectorThread() {
	if !s.config.CheckOwnership {
		return
	}
	if !s.IsOnSelectorThread() {
		s.logger.ErrorFromString(fmt.Sprintf("[%s] %v", s.name, ErrNotOnSelectorThread))
	}
	runtimex.Assert(s.IsOnSelectorThread())
}

// Run drives the loop on the calling goroutine until ctx is done, Close is
// called or the poller fails. It returns nil after a requested stop and an
// ErrSelectorFailed error after a poller failure.
func (s *NioSelector) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSelectorClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrSelectorRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)
	s.ownerTid.Store(currentThreadID())
	defer s.ownerTid.Store(0)
	if s.watchdog != nil {
		s.watchdog.bind(s.ownerTid.Load())
		defer s.watchdog.bind(0)
	}
	stop := context.AfterFunc(ctx, s.requestStop)
	defer stop()

	s.logger.Debug(fmt.Sprintf("[%s] loop started", s.name))
	var err error
	for !s.stopping.Load() {
		if err = s.singleLoop(); err != nil {
			s.logger.ErrorFromErr(err)
			break
		}
	}
	err = multierr.Append(err, s.teardown())
	s.err = err
	s.logger.Debug(fmt.Sprintf("[%s] loop stopped", s.name))
	return err
}

func (s *NioSelector) requestStop() {
	if s.stopping.CompareAndSwap(false, true) {
		_ = s.poller.Wakeup()
	}
}

// Close stops the loop, closes every channel and releases the poller. It
// waits for a running loop to finish and may not be called from the loop.
func (s *NioSelector) Close() error {
	if s.running.CompareAndSwap(false, true) {
		// never ran: tear down on this goroutine as if it were the loop
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		s.ownerTid.Store(currentThreadID())
		err := s.teardown()
		s.ownerTid.Store(0)
		s.err = err
		close(s.done)
		return err
	}
	if s.IsOnSelectorThread() {
		s.requestStop()
		return nil
	}
	s.requestStop()
	<-s.done
	return s.err
}

// Done is closed once the loop has exited and released its resources.
func (s *NioSelector) Done() <-chan struct{} {
	return s.done
}

func (s *NioSelector) singleLoop() error {
	s.registrations.drain(func(v interface{}) {
		s.registerChannel(v.(ChannelContext))
	})

	n, err := s.poller.Exec(s.receiver, s.selectTimeout())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSelectorFailed, s.name, err)
	}
	for i := 0; i < n; i++ {
		s.processEvent(s.receiver[i])
	}

	s.tasks.drain(func(v interface{}) {
		s.runTask(v.(func()))
	})
	now := s.clock.Now()
	for task := s.scheduler.PollDue(now); task != nil; task = s.scheduler.PollDue(now) {
		s.runTask(task.fn)
	}

	s.closes.drain(func(v interface{}) {
		_ = s.closeChannel(v.(ChannelContext))
	})
	s.metrics.setChannels(s.name, len(s.channels))
	return nil
}

// selectTimeout bounds the wait by the next scheduled task and skips it when
// work is already queued.
func (s *NioSelector) selectTimeout() time.Duration {
	timeout := s.config.SelectTimeout
	if s.tasks.len() > 0 || s.closes.len() > 0 || s.registrations.len() > 0 {
		return 0
	}
	if d, ok := s.scheduler.UntilNext(s.clock.Now()); ok && (timeout < 0 || d < timeout) {
		timeout = d
	}
	return timeout
}

func (s *NioSelector) processEvent(ev Event) {
	ctx, ok := s.channels[ev.FD()]
	if !ok || ctx.State() != STATE_ACTIVE {
		return
	}
	switch c := ctx.(type) {
	case *ServerChannelContext:
		if ev.Has(EVENT_ACCEPT | EVENT_ERROR | EVENT_CLOSE) {
			s.acceptChannel(c)
		}
	case *SocketChannelContext:
		if !c.IsConnectComplete() {
			if ev.Has(EVENT_CONNECT | EVENT_ERROR | EVENT_CLOSE) {
				s.attemptConnect(c)
			}
			if !c.IsConnectComplete() {
				break
			}
		}
		if ev.Has(EVENT_READ | EVENT_ERROR | EVENT_CLOSE) {
			s.handleRead(c)
		}
		if ev.Has(EVENT_WRITE) && c.ReadyForFlush() && c.State() == STATE_ACTIVE {
			s.handleWrite(c)
		}
	}
	s.handler.PostHandling(ctx)
}

func (s *NioSelector) acceptChannel(ctx *ServerChannelContext) {
	if err := s.handler.AcceptChannel(ctx); err != nil {
		s.handler.AcceptException(ctx, err)
	}
}

// attemptConnect runs the connect hook. A failure after the socket connected
// came from OnConnect and is not a connect failure.
func (s *NioSelector) attemptConnect(ctx *SocketChannelContext) {
	if ctx.ConnectState() == CONNECT_FAILED {
		return
	}
	if err := s.handler.HandleConnect(ctx); err != nil {
		if ctx.IsConnectComplete() {
			s.handler.GenericChannelException(ctx, err)
			return
		}
		s.connectFailed(ctx, err)
	}
}

func (s *NioSelector) connectFailed(ctx *SocketChannelContext, err error) {
	if ctx.connectFailed {
		return
	}
	s.handler.ConnectException(ctx, err)
}

func (s *NioSelector) handleRead(ctx *SocketChannelContext) {
	if err := s.handler.HandleRead(ctx); err != nil {
		s.handler.ReadException(ctx, err)
	}
}

func (s *NioSelector) handleWrite(ctx *SocketChannelContext) {
	if err := s.handler.HandleWrite(ctx); err != nil {
		s.handler.WriteException(ctx, err)
	}
}

// writeToChannel flushes right after a QueueWrite so small replies do not wait
// for a write readiness round trip.
func (s *NioSelector) writeToChannel(ctx *SocketChannelContext) {
	s.handleWrite(ctx)
	s.handler.PostHandling(ctx)
}

func (s *NioSelector) runTask(task func()) {
	if err := s.handler.HandleTask(task); err != nil {
		s.handler.TaskException(err)
	}
}

// registerChannel installs ctx in the poller and activates it.
func (s *NioSelector) registerChannel(ctx ChannelContext) {
	if ctx.base().closeRequested.Load() {
		// the queued close releases it
		return
	}
	if err := s.handler.HandleRegistration(ctx); err != nil {
		s.handler.RegistrationException(ctx, err)
		return
	}
	s.channels[ctx.FD()] = ctx
	if err := s.handler.HandleActive(ctx); err != nil {
		s.handler.ActiveException(ctx, err)
		return
	}
	if sock, ok := ctx.(*SocketChannelContext); ok && !sock.IsConnectComplete() {
		s.attemptConnect(sock)
	}
	s.handler.PostHandling(ctx)
}

// closeChannel runs the close hook of ctx exactly once.
func (s *NioSelector) closeChannel(ctx ChannelContext) error {
	b := ctx.base()
	if st := b.State(); st == STATE_CLOSING || st == STATE_CLOSED {
		return nil
	}
	b.closeRequested.Store(true)
	b.setState(STATE_CLOSING)
	if err := b.unregister(); err != nil {
		s.logger.Debug(fmt.Sprintf("[%s] unregister fd %d: %v", s.name, b.fd, err))
	}
	if cur, ok := s.channels[b.fd]; ok && cur == ctx {
		delete(s.channels, b.fd)
	}
	err := s.handler.HandleClose(ctx)
	if err != nil {
		s.handler.CloseException(ctx, err)
	}
	return err
}

// teardown closes every channel and the poller; it runs on the loop thread
// after the last iteration.
func (s *NioSelector) teardown() error {
	s.closed.Store(true)
	s.stopping.Store(true)
	s.registrations.close()
	s.tasks.close()
	s.closes.close()

	var err error
	closeAll := func(v interface{}) {
		err = multierr.Append(err, s.closeChannel(v.(ChannelContext)))
	}
	s.registrations.drain(closeAll)
	s.closes.drain(closeAll)
	for _, ctx := range s.channels {
		closeAll(ctx)
	}
	// tasks may hold write listeners waiting for an answer
	s.tasks.drain(func(v interface{}) {
		s.runTask(v.(func()))
	})
	if n := s.scheduler.Clear(); n > 0 {
		s.logger.Debug(fmt.Sprintf("[%s] dropped %d scheduled tasks", s.name, n))
	}
	s.metrics.setChannels(s.name, 0)
	return multierr.Append(err, s.poller.Exit())
}

// Submit queues task to run on the selector thread. Tasks from one goroutine
// run in submission order.
func (s *NioSelector) Submit(task func()) error {
	runtimex.Assert(task != nil)
	wakeup, ok := s.tasks.push(task)
	if !ok {
		return ErrSelectorClosed
	}
	if wakeup && !s.IsOnSelectorThread() {
		_ = s.poller.Wakeup()
	}
	return nil
}

// ScheduleAfter runs task on the selector thread once d has elapsed.
func (s *NioSelector) ScheduleAfter(d time.Duration, task func()) error {
	runtimex.Assert(task != nil)
	deadline := s.clock.Now().Add(d)
	if s.IsOnSelectorThread() {
		_, err := s.scheduler.ScheduleAt(deadline, task)
		return err
	}
	return s.Submit(func() {
		if _, err := s.scheduler.ScheduleAt(deadline, task); err != nil {
			s.handler.TaskException(err)
		}
	})
}

// Register hands ctx to the selector. On the selector thread the channel is
// registered and active before Register returns; from other goroutines it
// happens on the next iteration.
func (s *NioSelector) Register(ctx ChannelContext) error {
	b := ctx.base()
	if b.selector != s {
		return fmt.Errorf("%s: channel %s belongs to %s", s.name, ctx.ID(), b.selector.name)
	}
	if !b.state.CompareAndSwap(int32(STATE_UNREGISTERED), int32(STATE_REGISTERING)) {
		return ErrChannelRegistered
	}
	if s.IsOnSelectorThread() && !s.closed.Load() {
		s.registerChannel(ctx)
		return nil
	}
	wakeup, ok := s.registrations.push(ctx)
	if !ok {
		b.setState(STATE_UNREGISTERED)
		return ErrSelectorClosed
	}
	if wakeup {
		_ = s.poller.Wakeup()
	}
	return nil
}

func (s *NioSelector) queueClose(ctx ChannelContext) error {
	wakeup, ok := s.closes.push(ctx)
	if !ok {
		return ErrSelectorClosed
	}
	if wakeup && !s.IsOnSelectorThread() {
		_ = s.poller.Wakeup()
	}
	return nil
}

// Listen opens a listening socket and registers it. Called from another
// goroutine, registration happens on the next iteration and its failure only
// reaches the registration exception hook; on the selector thread a failed
// registration is also returned as ErrChannelClosed.
func (s *NioSelector) Listen(addr *net.TCPAddr, handler ServerHandler, config *ChannelConfig) (*ServerChannelContext, error) {
	return s.listen(addr, handler, config, false, nil)
}

func (s *NioSelector) listen(addr *net.TCPAddr, handler ServerHandler, config *ChannelConfig,
	reusePort bool, childSelector func(fd int) *NioSelector) (*ServerChannelContext, error) {
	runtimex.Assert(handler != nil)
	sys := &ch.BeforeConnHandler{}
	fd, err := sys.Listen(addr, config.backlog(), reusePort)
	if err != nil {
		return nil, fmt.Errorf("%s: listen on %v: %w", s.name, addr, err)
	}
	server := newServerChannelContext(s, fd, handler, config)
	server.childSelector = childSelector
	if err = s.Register(server); err != nil {
		_ = sys.Close(fd)
		return nil, err
	}
	// registered inline and already failed: the queued close owns fd
	if !server.IsOpen() {
		return nil, fmt.Errorf("%s: listen on %v: %w", s.name, addr, ErrChannelClosed)
	}
	return server, nil
}

// Dial starts a non-blocking connect to addr and registers the socket.
// The handler sees OnConnect once the connect completes; a failure or a
// ChannelConfig.ConnectTimeout expiry goes to the connect exception hook.
func (s *NioSelector) Dial(addr *net.TCPAddr, handler SocketHandler, config *ChannelConfig) (*SocketChannelContext, error) {
	runtimex.Assert(handler != nil)
	sys := &ch.BeforeConnHandler{}
	fd, inProgress, err := sys.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("%s: connect to %v: %w", s.name, addr, err)
	}
	state := CONNECT_IN_PROGRESS
	if !inProgress {
		// connected at once: still reported through the connect hook
		state = CONNECT_NOT_CONNECTED
	}
	sock := newSocketChannelContext(s, fd, handler, config, state)
	sock.remoteAddr = addr
	if err = s.Register(sock); err != nil {
		_ = sys.Close(fd)
		return nil, err
	}
	// a failed connect is reported through the connect hook, a failed
	// inline registration only here
	if sock.State() != STATE_ACTIVE && sock.base().closeRequested.Load() {
		return nil, fmt.Errorf("%s: connect to %v: %w", s.name, addr, ErrChannelClosed)
	}
	return sock, nil
}

package ddnio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	ch "github.com/nyan233/ddnio/internal/conn_handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSocketHandler echoes by default; every callback can be replaced.
type testSocketHandler struct {
	onActive  func(ctx *SocketChannelContext) error
	onConnect func(ctx *SocketChannelContext) error
	consume   func(ctx *SocketChannelContext, p []byte) (int, error)
	onClose   func(ctx *SocketChannelContext)
}

func (h *testSocketHandler) OnActive(ctx *SocketChannelContext) error {
	if h.onActive != nil {
		return h.onActive(ctx)
	}
	return nil
}

func (h *testSocketHandler) OnConnect(ctx *SocketChannelContext) error {
	if h.onConnect != nil {
		return h.onConnect(ctx)
	}
	return nil
}

func (h *testSocketHandler) Consume(ctx *SocketChannelContext, p []byte) (int, error) {
	if h.consume != nil {
		return h.consume(ctx, p)
	}
	ctx.QueueWrite(append([]byte(nil), p...), nil)
	return len(p), nil
}

func (h *testSocketHandler) OnClose(ctx *SocketChannelContext) {
	if h.onClose != nil {
		h.onClose(ctx)
	}
}

type testServerHandler struct {
	newHandler func() SocketHandler
	closed     atomic.Int32
}

func (h *testServerHandler) OnAccept(server *ServerChannelContext, remote net.Addr) (SocketHandler, error) {
	if h.newHandler == nil {
		return &testSocketHandler{}, nil
	}
	return h.newHandler(), nil
}

func (h *testServerHandler) OnClose(server *ServerChannelContext) {
	h.closed.Add(1)
}

// acceptCounter counts AcceptChannel calls and the channels that became
// active while one was running.
type acceptCounter struct {
	EventHandler
	accepts         atomic.Int32
	active          atomic.Int32
	activeInAccept  atomic.Int32
	activeOffAccept atomic.Int32
	// selector thread only
	insideAccept bool
}

func (c *acceptCounter) AcceptChannel(ctx *ServerChannelContext) error {
	c.accepts.Add(1)
	c.insideAccept = true
	defer func() { c.insideAccept = false }()
	return c.EventHandler.AcceptChannel(ctx)
}

func (c *acceptCounter) HandleActive(ctx ChannelContext) error {
	if _, ok := ctx.(*SocketChannelContext); ok {
		c.active.Add(1)
		if c.insideAccept {
			c.activeInAccept.Add(1)
		} else {
			c.activeOffAccept.Add(1)
		}
	}
	return c.EventHandler.HandleActive(ctx)
}

func testSelectorConfig() SelectorConfig {
	config := DefaultSelectorConfig()
	config.SelectTimeout = 50 * time.Millisecond
	config.CheckOwnership = true
	config.Metrics = NewMetrics("test")
	return config
}

func startSelector(t *testing.T, config SelectorConfig) *NioSelector {
	sel, err := NewNioSelector(config)
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() {
		runErr <- sel.Run(context.Background())
	}()
	require.Eventually(t, func() bool {
		return sel.ownerTid.Load() != 0
	}, 5*time.Second, time.Millisecond)
	t.Cleanup(func() {
		assert.NoError(t, sel.Close())
		assert.NoError(t, <-runErr)
	})
	return sel
}

func listenLoopback(t *testing.T, sel *NioSelector, handler ServerHandler, config *ChannelConfig) *ServerChannelContext {
	server, err := sel.Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, handler, config)
	require.NoError(t, err)
	return server
}

func dialServer(t *testing.T, server *ServerChannelContext) net.Conn {
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func echoRoundTrip(t *testing.T, conn net.Conn, msg string) {
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestSelectorAccept(t *testing.T) {
	counter := &acceptCounter{}
	config := testSelectorConfig()
	config.WrapHandler = func(h EventHandler) EventHandler {
		counter.EventHandler = h
		return counter
	}
	sel := startSelector(t, config)
	server := listenLoopback(t, sel, &testServerHandler{}, nil)

	conn := dialServer(t, server)
	echoRoundTrip(t, conn, "hello")

	assert.EqualValues(t, 1, counter.accepts.Load())
	assert.EqualValues(t, 1, counter.active.Load())
	// registration of an accepted socket on the same selector completes
	// before AcceptChannel returns
	assert.EqualValues(t, 1, counter.activeInAccept.Load())
	assert.EqualValues(t, 0, counter.activeOffAccept.Load())

	time.Sleep(3 * config.SelectTimeout)
	assert.EqualValues(t, 1, counter.accepts.Load())
}

func TestSelectorAcceptDialedClient(t *testing.T) {
	counter := &acceptCounter{}
	config := testSelectorConfig()
	config.WrapHandler = func(h EventHandler) EventHandler {
		counter.EventHandler = h
		return counter
	}
	sel := startSelector(t, config)
	accepted := make(chan *SocketChannelContext, 1)
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				onActive: func(ctx *SocketChannelContext) error {
					accepted <- ctx
					return nil
				},
			}
		},
	}, nil)

	var connects atomic.Int32
	client, err := sel.Dial(server.Addr().(*net.TCPAddr), &testSocketHandler{
		onConnect: func(ctx *SocketChannelContext) error {
			connects.Add(1)
			return nil
		},
	}, nil)
	require.NoError(t, err)

	var peer *SocketChannelContext
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not accepted")
	}
	require.Eventually(t, func() bool { return connects.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, CONNECT_CONNECTED, client.ConnectState())
	assert.Equal(t, CONNECT_CONNECTED, peer.ConnectState())
	assert.EqualValues(t, 1, counter.accepts.Load())
	assert.EqualValues(t, 1, connects.Load())
}

func TestSelectorReadErrorIsolation(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	boom := errors.New("boom")
	var mu sync.Mutex
	var readFailures []error
	var closed atomic.Int32
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				consume: func(ctx *SocketChannelContext, p []byte) (int, error) {
					switch {
					case bytes.Contains(p, []byte("boom")):
						return 0, boom
					case bytes.Contains(p, []byte("panic")):
						panic("consumer bug")
					}
					ctx.QueueWrite(append([]byte(nil), p...), nil)
					return len(p), nil
				},
				onClose: func(ctx *SocketChannelContext) { closed.Add(1) },
			}
		},
	}, &ChannelConfig{
		Child: &ChannelConfig{
			Hooks: ExceptionHooks{
				Read: func(ctx *SocketChannelContext, err error) {
					mu.Lock()
					readFailures = append(readFailures, err)
					mu.Unlock()
				},
			},
		},
	})

	a := dialServer(t, server)
	b := dialServer(t, server)
	c := dialServer(t, server)
	echoRoundTrip(t, b, "ping")

	for _, tc := range []struct {
		conn net.Conn
		msg  string
	}{{a, "boom"}, {c, "panic"}} {
		_, err := tc.conn.Write([]byte(tc.msg))
		require.NoError(t, err)
		_, err = tc.conn.Read(make([]byte, 16))
		assert.Error(t, err, "%s should have been closed", tc.msg)
	}

	// the healthy channel is untouched
	echoRoundTrip(t, b, "still alive")

	require.Eventually(t, func() bool { return closed.Load() == 2 }, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, readFailures, 2)
	assert.ErrorIs(t, readFailures[0], boom)
	var perr *PanicError
	assert.ErrorAs(t, readFailures[1], &perr)
	assert.Equal(t, "consumer bug", perr.Value)
}

func TestSelectorCrossThreadTask(t *testing.T) {
	config := testSelectorConfig()
	// the task must not wait for the select timeout
	config.SelectTimeout = time.Minute
	sel := startSelector(t, config)
	assert.False(t, sel.IsOnSelectorThread())

	ran := make(chan bool, 1)
	start := time.Now()
	require.NoError(t, sel.Submit(func() {
		ran <- sel.IsOnSelectorThread()
	}))
	select {
	case onLoop := <-ran:
		assert.True(t, onLoop)
		assert.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("task never ran")
	}

	// tasks of one producer keep their order
	var order []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, sel.Submit(func() {
			order = append(order, i)
			if i == 99 {
				close(done)
			}
		}))
	}
	<-done
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestSelectorScheduleAfter(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	fired := make(chan time.Time, 2)
	start := time.Now()
	require.NoError(t, sel.ScheduleAfter(100*time.Millisecond, func() { fired <- time.Now() }))
	require.NoError(t, sel.ScheduleAfter(10*time.Millisecond, func() { fired <- time.Now() }))
	first, second := <-fired, <-fired
	assert.True(t, !second.Before(first))
	assert.GreaterOrEqual(t, second.Sub(start), 100*time.Millisecond)
}

func TestSelectorConcurrentClose(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	active := make(chan *SocketChannelContext, 1)
	var onClose, closeFailures atomic.Int32
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				onActive: func(ctx *SocketChannelContext) error {
					active <- ctx
					return nil
				},
				onClose: func(ctx *SocketChannelContext) { onClose.Add(1) },
			}
		},
	}, &ChannelConfig{
		Child: &ChannelConfig{
			Hooks: ExceptionHooks{
				Close: func(ctx ChannelContext, err error) { closeFailures.Add(1) },
			},
		},
	})
	conn := dialServer(t, server)
	sock := <-active

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sock.Close())
		}()
	}
	wg.Wait()
	assert.False(t, sock.IsOpen())

	require.Eventually(t, func() bool { return sock.State() == STATE_CLOSED }, 5*time.Second, time.Millisecond)
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, onClose.Load())
	assert.EqualValues(t, 0, closeFailures.Load())
	assert.NoError(t, sock.Close())
}

func TestSelectorConcurrentCloseHookPanic(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	active := make(chan *SocketChannelContext, 1)
	closeFailures := make(chan error, 8)
	var onClose atomic.Int32
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				onActive: func(ctx *SocketChannelContext) error {
					active <- ctx
					return nil
				},
				onClose: func(ctx *SocketChannelContext) {
					if onClose.Add(1) == 1 {
						panic("close bug")
					}
				},
			}
		},
	}, &ChannelConfig{
		Child: &ChannelConfig{
			Hooks: ExceptionHooks{
				Close: func(ctx ChannelContext, err error) { closeFailures <- err },
			},
		},
	})
	conn := dialServer(t, server)
	sock := <-active

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sock.Close())
		}()
	}
	wg.Wait()

	select {
	case err := <-closeFailures:
		var perr *PanicError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "close bug", perr.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("close failure not reported")
	}
	require.Eventually(t, func() bool { return sock.State() == STATE_CLOSED }, 5*time.Second, time.Millisecond)
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.NoError(t, sock.Close())
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, onClose.Load())
	assert.Len(t, closeFailures, 0)

	// the selector survived the failing hook
	echoRoundTrip(t, dialServer(t, server), "alive")
	<-active
}

func TestSelectorPartialWrites(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	payload := make([]byte, 8<<20)
	rand.New(rand.NewSource(1)).Read(payload)
	results := make(chan error, 2)
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				onActive: func(ctx *SocketChannelContext) error {
					half := len(payload) / 2
					ctx.QueueWrite(payload[:half], func(err error) { results <- err })
					ctx.QueueWrite(payload[half:], func(err error) { results <- err })
					return nil
				},
			}
		},
	}, nil)
	conn := dialServer(t, server)

	got := make([]byte, len(payload))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("write listener not called")
		}
	}
}

func TestSelectorSendFromOtherGoroutine(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	active := make(chan *SocketChannelContext, 1)
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				onActive: func(ctx *SocketChannelContext) error {
					active <- ctx
					return nil
				},
			}
		},
	}, nil)
	conn := dialServer(t, server)
	sock := <-active

	// channel state is confined to the selector thread
	assert.Panics(t, func() { sock.QueueWrite([]byte("x"), nil) })

	sent := make(chan error, 1)
	require.NoError(t, sock.Send([]byte("pushed"), func(err error) { sent <- err }))
	buf := make([]byte, 6)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "pushed", string(buf))
	assert.NoError(t, <-sent)
}

func TestSelectorDial(t *testing.T) {
	sel := startSelector(t, testSelectorConfig())
	server := listenLoopback(t, sel, &testServerHandler{}, nil)

	t.Run("Connected", func(t *testing.T) {
		var connects, failures atomic.Int32
		reply := make(chan []byte, 1)
		_, err := sel.Dial(server.Addr().(*net.TCPAddr), &testSocketHandler{
			onConnect: func(ctx *SocketChannelContext) error {
				connects.Add(1)
				ctx.QueueWrite([]byte("hi"), nil)
				return nil
			},
			consume: func(ctx *SocketChannelContext, p []byte) (int, error) {
				if len(p) < 2 {
					return 0, nil
				}
				reply <- append([]byte(nil), p...)
				return len(p), nil
			},
		}, &ChannelConfig{
			Hooks: ExceptionHooks{
				Connect: func(ctx *SocketChannelContext, err error) { failures.Add(1) },
			},
		})
		require.NoError(t, err)
		select {
		case got := <-reply:
			assert.Equal(t, "hi", string(got))
		case <-time.After(5 * time.Second):
			t.Fatal("no echo")
		}
		assert.EqualValues(t, 1, connects.Load())
		assert.EqualValues(t, 0, failures.Load())
	})

	t.Run("Refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		require.NoError(t, ln.Close())

		var connects, failures, closes atomic.Int32
		failed := make(chan error, 1)
		_, err = sel.Dial(addr, &testSocketHandler{
			onConnect: func(ctx *SocketChannelContext) error {
				connects.Add(1)
				return nil
			},
			onClose: func(ctx *SocketChannelContext) { closes.Add(1) },
		}, &ChannelConfig{
			ConnectTimeout: time.Minute,
			Hooks: ExceptionHooks{
				Connect: func(ctx *SocketChannelContext, err error) {
					failures.Add(1)
					failed <- err
				},
			},
		})
		if err != nil {
			// some kernels refuse a loopback connect synchronously
			assert.ErrorIs(t, err, syscall.ECONNREFUSED)
			return
		}
		select {
		case err := <-failed:
			assert.ErrorIs(t, err, syscall.ECONNREFUSED)
		case <-time.After(5 * time.Second):
			t.Fatal("connect failure not reported")
		}
		require.Eventually(t, func() bool { return closes.Load() == 1 }, 5*time.Second, time.Millisecond)
		assert.EqualValues(t, 0, connects.Load())
		assert.EqualValues(t, 1, failures.Load())
	})

	t.Run("Timeout", func(t *testing.T) {
		sys := &ch.BeforeConnHandler{}
		fd, err := sys.Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, 0, false)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sys.Close(fd) })
		addr, ok := sys.Addr(fd).(*net.TCPAddr)
		require.True(t, ok)

		// nobody accepts: once the backlog is full new handshakes stall
		filled := false
		for i := 0; i < 16; i++ {
			conn, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
			if err != nil {
				filled = true
				break
			}
			t.Cleanup(func() { _ = conn.Close() })
		}
		if !filled {
			t.Skip("listen backlog never filled")
		}

		var connects, failures, closes atomic.Int32
		failed := make(chan error, 1)
		_, err = sel.Dial(addr, &testSocketHandler{
			onConnect: func(ctx *SocketChannelContext) error {
				connects.Add(1)
				return nil
			},
			onClose: func(ctx *SocketChannelContext) { closes.Add(1) },
		}, &ChannelConfig{
			ConnectTimeout: 100 * time.Millisecond,
			Hooks: ExceptionHooks{
				Connect: func(ctx *SocketChannelContext, err error) {
					failures.Add(1)
					failed <- err
				},
			},
		})
		require.NoError(t, err)
		select {
		case err := <-failed:
			assert.ErrorIs(t, err, ErrConnectTimeout)
		case <-time.After(5 * time.Second):
			t.Fatal("connect timeout not reported")
		}
		require.Eventually(t, func() bool { return closes.Load() == 1 }, 5*time.Second, time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.EqualValues(t, 0, connects.Load())
		assert.EqualValues(t, 1, failures.Load())
		assert.EqualValues(t, 1, closes.Load())
	})
}

func TestSelectorClose(t *testing.T) {
	sel, err := NewNioSelector(testSelectorConfig())
	require.NoError(t, err)
	serverHandler := &testServerHandler{}
	server := listenLoopback(t, sel, serverHandler, nil)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sel.Run(context.Background())
	}()
	require.Eventually(t, func() bool { return server.State() == STATE_ACTIVE }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, sel.Run(context.Background()), ErrSelectorRunning)

	require.NoError(t, sel.Close())
	require.NoError(t, <-runErr)
	assert.Equal(t, STATE_CLOSED, server.State())
	assert.EqualValues(t, 1, serverHandler.closed.Load())
	assert.ErrorIs(t, sel.Submit(func() {}), ErrSelectorClosed)
	assert.ErrorIs(t, sel.Run(context.Background()), ErrSelectorClosed)
}

func TestSelectorRunContextCancel(t *testing.T) {
	sel, err := NewNioSelector(testSelectorConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- sel.Run(ctx)
	}()
	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("selector ignored the cancelled context")
	}
	<-sel.Done()
}

func TestSelectorWatchdogHang(t *testing.T) {
	rec := &hangRecorder{}
	config := testSelectorConfig()
	config.Watchdog = &WatchdogConfig{Threshold: 20 * time.Millisecond, Reporter: rec}
	sel := startSelector(t, config)
	wd := sel.Watchdog()
	require.NotNil(t, wd)

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, sel.Submit(func() {
		close(entered)
		<-release
	}))
	<-entered
	require.Eventually(t, wd.Check, 5*time.Second, time.Millisecond)
	_, hook, ok := wd.Age()
	assert.True(t, ok)
	assert.Equal(t, "handleTask", hook)
	assert.Equal(t, []string{"handleTask"}, rec.reported())

	// another thread entering a hook while the loop holds it is a violation
	assert.Panics(t, func() { wd.Register("handleRead") })
	close(release)
	require.Eventually(t, func() bool {
		_, _, busy := wd.Age()
		return !busy
	}, 5*time.Second, time.Millisecond)
}

func TestSelectorWatchdogBalancedOnHookFailure(t *testing.T) {
	config := testSelectorConfig()
	config.Watchdog = &WatchdogConfig{Threshold: time.Minute}
	sel := startSelector(t, config)
	wd := sel.Watchdog()
	require.NotNil(t, wd)

	readFailures := make(chan error, 2)
	server := listenLoopback(t, sel, &testServerHandler{
		newHandler: func() SocketHandler {
			return &testSocketHandler{
				consume: func(ctx *SocketChannelContext, p []byte) (int, error) {
					if bytes.Contains(p, []byte("panic")) {
						panic("consumer bug")
					}
					return 0, errors.New("bad frame")
				},
			}
		},
	}, &ChannelConfig{
		Child: &ChannelConfig{
			Hooks: ExceptionHooks{
				Read: func(ctx *SocketChannelContext, err error) { readFailures <- err },
			},
		},
	})

	for _, msg := range []string{"err", "panic"} {
		conn := dialServer(t, server)
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
		select {
		case <-readFailures:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: read failure not reported", msg)
		}
	}

	require.Eventually(t, func() bool {
		_, _, busy := wd.Age()
		return !busy
	}, 5*time.Second, time.Millisecond)

	// the next hook takes the slot again
	type slot struct {
		hook string
		busy bool
	}
	seen := make(chan slot, 1)
	require.NoError(t, sel.Submit(func() {
		_, hook, busy := wd.Age()
		seen <- slot{hook: hook, busy: busy}
	}))
	got := <-seen
	assert.True(t, got.busy)
	assert.Equal(t, "handleTask", got.hook)
	require.Eventually(t, func() bool {
		_, _, busy := wd.Age()
		return !busy
	}, 5*time.Second, time.Millisecond)
}

// failingRegistration refuses to register listeners.
type failingRegistration struct {
	EventHandler
	err error
}

func (f *failingRegistration) HandleRegistration(ctx ChannelContext) error {
	if _, ok := ctx.(*ServerChannelContext); ok {
		return f.err
	}
	return f.EventHandler.HandleRegistration(ctx)
}

func TestSelectorListenRegistrationFailure(t *testing.T) {
	refused := errors.New("registration refused")
	config := testSelectorConfig()
	config.WrapHandler = func(h EventHandler) EventHandler {
		return &failingRegistration{EventHandler: h, err: refused}
	}
	sel := startSelector(t, config)
	serverHandler := &testServerHandler{}
	failures := make(chan error, 1)

	type result struct {
		server *ServerChannelContext
		err    error
	}
	done := make(chan result, 1)
	require.NoError(t, sel.Submit(func() {
		server, err := sel.Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, serverHandler, &ChannelConfig{
			Hooks: ExceptionHooks{
				Registration: func(ctx ChannelContext, err error) { failures <- err },
			},
		})
		done <- result{server: server, err: err}
	}))
	res := <-done
	assert.Nil(t, res.server)
	assert.ErrorIs(t, res.err, ErrChannelClosed)
	assert.ErrorIs(t, <-failures, refused)
	require.Eventually(t, func() bool { return serverHandler.closed.Load() == 1 }, 5*time.Second, time.Millisecond)
}

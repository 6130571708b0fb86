package ddnio

import (
	"io"
	"net"
	"sync/atomic"

	ch "github.com/nyan233/ddnio/internal/conn_handler"
)

// ConnectState tracks a non-blocking connect. It only moves forward.
type ConnectState int32

const (
	CONNECT_NOT_CONNECTED ConnectState = iota
	CONNECT_IN_PROGRESS
	CONNECT_CONNECTED
	CONNECT_FAILED
)

func (s ConnectState) String() string {
	switch s {
	case CONNECT_NOT_CONNECTED:
		return "not-connected"
	case CONNECT_IN_PROGRESS:
		return "in-progress"
	case CONNECT_CONNECTED:
		return "connected"
	case CONNECT_FAILED:
		return "failed"
	}
	return "unknown"
}

// FlushOperation is one queued write and its completion listener.
type FlushOperation struct {
	buf      []byte
	off      int
	listener func(error)
}

func (op *FlushOperation) remaining() []byte {
	return op.buf[op.off:]
}

func (op *FlushOperation) complete(err error) {
	if op.listener != nil {
		op.listener(err)
	}
}

// SocketChannelContext is a connected, or connecting, TCP socket.
type SocketChannelContext struct {
	channelBase
	handler      SocketHandler
	config       ChannelConfig
	connectState atomic.Int32
	remoteAddr   net.Addr
	// selector thread only
	inbound         *InboundBuffer
	flushQueue      []*FlushOperation
	peerClosed      bool
	connectReported bool
	connectFailed   bool
	connectTimer    *ScheduledTask
	attachment      interface{}
	// kept by WatchEventHandler
	watchConnected     bool
	watchConnectFailed bool
}

func newSocketChannelContext(selector *NioSelector, fd int, handler SocketHandler, config *ChannelConfig, state ConnectState) *SocketChannelContext {
	s := &SocketChannelContext{handler: handler}
	if config != nil {
		s.config = *config
	}
	s.init(s, selector, fd, s.config.Hooks)
	s.connectState.Store(int32(state))
	s.inbound = NewInboundBuffer(selector.pages)
	return s
}

func (s *SocketChannelContext) RemoteAddr() net.Addr {
	if s.remoteAddr == nil {
		s.remoteAddr = (&ch.BeforeConnHandler{}).RemoteAddr(s.fd)
	}
	return s.remoteAddr
}

func (s *SocketChannelContext) ConnectState() ConnectState {
	return ConnectState(s.connectState.Load())
}

func (s *SocketChannelContext) IsConnectComplete() bool {
	return s.ConnectState() == CONNECT_CONNECTED
}

// ReadyForFlush reports whether queued bytes wait for the socket to become writable.
func (s *SocketChannelContext) ReadyForFlush() bool {
	return len(s.flushQueue) > 0
}

// Attach stores protocol state on the channel; selector thread only.
func (s *SocketChannelContext) Attach(v interface{}) {
	s.selector.assertOnSelectorThread()
	s.attachment = v
}

func (s *SocketChannelContext) Attachment() interface{} {
	s.selector.assertOnSelectorThread()
	return s.attachment
}

func (s *SocketChannelContext) interest() EventFlags {
	if s.State() >= STATE_CLOSING || s.closeRequested.Load() && !s.ReadyForFlush() {
		return 0
	}
	switch s.ConnectState() {
	case CONNECT_NOT_CONNECTED, CONNECT_IN_PROGRESS:
		return EVENT_CONNECT
	case CONNECT_FAILED:
		return 0
	}
	var flags EventFlags
	if !s.peerClosed {
		flags |= EVENT_READ
	}
	if s.ReadyForFlush() {
		flags |= EVENT_WRITE
	}
	return flags
}

// QueueWrite appends p to the flush queue and tries to write it right away.
// listener, when set, is told once the bytes are handed to the kernel or the
// write failed. Selector thread only; see Send for other goroutines.
func (s *SocketChannelContext) QueueWrite(p []byte, listener func(error)) {
	s.selector.assertOnSelectorThread()
	op := &FlushOperation{buf: p, listener: listener}
	if s.State() >= STATE_CLOSING || s.closeRequested.Load() {
		op.complete(ErrChannelClosed)
		return
	}
	if len(p) == 0 {
		op.complete(nil)
		return
	}
	s.flushQueue = append(s.flushQueue, op)
	if s.State() == STATE_ACTIVE && s.IsConnectComplete() {
		s.selector.writeToChannel(s)
	}
}

// Send is QueueWrite for any goroutine. p must not be modified until the
// listener ran.
func (s *SocketChannelContext) Send(p []byte, listener func(error)) error {
	return s.selector.Submit(func() {
		s.QueueWrite(p, listener)
	})
}

// connect advances the connect state machine. done reports a completed connect.
func (s *SocketChannelContext) connect() (done bool, err error) {
	switch s.ConnectState() {
	case CONNECT_CONNECTED:
		return true, nil
	case CONNECT_FAILED:
		return false, ErrConnectFailed
	}
	sys := &ch.BeforeConnHandler{}
	if err = sys.SoError(s.fd); err != nil {
		s.failConnect()
		return false, err
	}
	if !sys.IsConnected(s.fd) {
		s.connectState.Store(int32(CONNECT_IN_PROGRESS))
		return false, nil
	}
	s.connectState.Store(int32(CONNECT_CONNECTED))
	s.stopConnectTimer()
	s.localAddr = sys.Addr(s.fd)
	return true, nil
}

// failConnect moves a pending connect to FAILED. It reports false when the
// connect already finished one way or the other.
func (s *SocketChannelContext) failConnect() bool {
	for {
		cur := s.connectState.Load()
		if ConnectState(cur) >= CONNECT_CONNECTED {
			return false
		}
		if s.connectState.CompareAndSwap(cur, int32(CONNECT_FAILED)) {
			s.stopConnectTimer()
			return true
		}
	}
}

// reportConnectFailure claims the single ConnectException of the channel.
func (s *SocketChannelContext) reportConnectFailure() bool {
	if s.IsConnectComplete() || s.connectFailed {
		return false
	}
	s.failConnect()
	s.connectFailed = true
	return true
}

func (s *SocketChannelContext) startConnectTimer() {
	if s.config.ConnectTimeout <= 0 || s.IsConnectComplete() || s.connectTimer != nil {
		return
	}
	s.connectTimer = s.selector.scheduler.scheduleAfter(s.config.ConnectTimeout, func() {
		s.connectTimer = nil
		if s.State() != STATE_ACTIVE || !s.failConnect() {
			return
		}
		s.selector.connectFailed(s, ErrConnectTimeout)
	})
}

func (s *SocketChannelContext) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Cancel()
		s.connectTimer = nil
	}
}

// read fills the inbound buffer and hands it to the protocol layer.
// It returns the number of bytes taken from the socket.
func (s *SocketChannelContext) read() (int, error) {
	sys := &ch.BeforeConnHandler{}
	total := 0
	for i := 0; i < s.selector.config.ReadPages; i++ {
		tail := s.inbound.Tail()
		n, err := sys.NioRead(s.fd, tail)
		if err != nil {
			if ch.IsTemporary(err) {
				break
			}
			return total, err
		}
		if n == 0 {
			s.peerClosed = true
			break
		}
		s.inbound.Commit(n)
		total += n
		if n < len(tail) {
			break
		}
	}
	for s.inbound.Len() > 0 {
		used, err := s.handler.Consume(s, s.inbound.Bytes())
		if err != nil {
			return total, err
		}
		if used <= 0 {
			break
		}
		s.inbound.Release(used)
	}
	s.selector.metrics.bytes(s.selector.name, "in", total)
	if !s.peerClosed {
		return total, nil
	}
	// a message cut short by EOF is a read failure, a clean EOF a plain close
	if s.inbound.Len() > 0 {
		return total, io.ErrUnexpectedEOF
	}
	_ = s.Close()
	return total, nil
}

// flush writes queued operations in order until the kernel buffer is full.
// A partially written operation keeps its offset and the write interest
// stays armed for the rest.
func (s *SocketChannelContext) flush() (int, error) {
	sys := &ch.BeforeConnHandler{}
	total := 0
	for len(s.flushQueue) > 0 {
		op := s.flushQueue[0]
		n, err := sys.NioWrite(s.fd, op.remaining())
		op.off += n
		total += n
		if err != nil {
			if ch.IsTemporary(err) {
				break
			}
			s.selector.metrics.bytes(s.selector.name, "out", total)
			return total, err
		}
		if op.off < len(op.buf) {
			break
		}
		s.flushQueue[0] = nil
		s.flushQueue = s.flushQueue[1:]
		op.complete(nil)
	}
	if len(s.flushQueue) == 0 {
		s.flushQueue = nil
	}
	s.selector.metrics.bytes(s.selector.name, "out", total)
	return total, nil
}

// closeFromSelector releases the descriptor and every per channel resource.
func (s *SocketChannelContext) closeFromSelector() error {
	defer s.setState(STATE_CLOSED)
	s.stopConnectTimer()
	pending := s.flushQueue
	s.flushQueue = nil
	for _, op := range pending {
		op.complete(ErrChannelClosed)
	}
	s.inbound.Close()
	err := (&ch.BeforeConnHandler{}).Close(s.fd)
	s.handler.OnClose(s)
	return err
}

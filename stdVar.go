package ddnio

import (
	"errors"
	"time"
)

// EventFlags is the portable readiness mask shared by the selector and the pollers.
type EventFlags int

const (
	EVENT_READ    EventFlags = 0x01   // readable
	EVENT_ACCEPT  EventFlags = 0x04   // listener has pending connections
	EVENT_WRITE   EventFlags = 0x10   // writable
	EVENT_CONNECT EventFlags = 0x20   // non-blocking connect finished (reported as writable)
	EVENT_CLOSE   EventFlags = 0x100  // peer hung up
	EVENT_ERROR   EventFlags = 0x1000 // error pending on the socket
)

const (
	// MAX_SELECTOR_SIZE bounds the number of selectors a NioGroup starts.
	MAX_SELECTOR_SIZE = 64
	// MAX_POLLER_ONCE_EVENTS is the most ready events one poller wait returns.
	MAX_POLLER_ONCE_EVENTS = 1024
	// DEFAULT_SELECT_TIMEOUT bounds one readiness wait.
	DEFAULT_SELECT_TIMEOUT = 300 * time.Millisecond
	// DEFAULT_ACCEPTS_PER_EVENT bounds how many connections one accept event takes.
	DEFAULT_ACCEPTS_PER_EVENT = 64
	// DEFAULT_READ_PAGES bounds how many pages one read event fills.
	DEFAULT_READ_PAGES = 4
)

const (
	TCP_V4 = iota
	TCP_V6
)

var (
	ErrSelectorClosed      = errors.New("selector is closed")
	ErrSelectorRunning     = errors.New("selector is already running")
	ErrSelectorFailed      = errors.New("selector loop failed")
	ErrNotOnSelectorThread = errors.New("not on the selector thread")
	ErrChannelClosed       = errors.New("channel is closed")
	ErrChannelRegistered   = errors.New("channel is already registered")
	ErrConnectTimeout      = errors.New("connect timed out")
	ErrConnectFailed       = errors.New("connect failed")
	ErrBadAddress          = errors.New("address format not supported")
	ErrPollerClosed        = errors.New("poller is closed")
)

package ddnio

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zbh255/bilog"
)

type NetPollConfig struct {
	Protocol int
	IP       net.IP
	Port     int
}

func (c NetPollConfig) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: c.IP, Port: c.Port}
}

type SelectorConfig struct {
	// Name labels logs and metrics; generated when empty
	Name string
	// upper bound of one readiness wait
	SelectTimeout time.Duration
	// ready events fetched per wait
	MaxEvents int
	// connections accepted per accept event
	MaxAcceptsPerEvent int
	// read pages filled per read event
	ReadPages int
	PageSize  int
	// CheckOwnership makes channel entry points verify they run on the
	// selector thread. Meant for tests and debugging.
	CheckOwnership bool
	Logger         bilog.Logger
	Metrics        *Metrics
	Clock          clock.Clock
	// nil disables the watchdog
	Watchdog *WatchdogConfig
	// WrapHandler decorates the EventHandler of the selector, outermost
	WrapHandler func(EventHandler) EventHandler
}

type WatchdogConfig struct {
	// age after which a running hook counts as hung
	Threshold time.Duration
	// how often Start polls
	Interval time.Duration
	Reporter HangReporter
}

type ChannelConfig struct {
	Hooks ExceptionHooks
	// zero disables the connect timeout
	ConnectTimeout time.Duration
	// listen backlog for server channels
	Backlog int
	// Child configures the sockets a server channel accepts
	Child *ChannelConfig
}

type GroupConfig struct {
	// number of selectors, defaults to runtime.NumCPU()
	Selectors int
	Selector  SelectorConfig
	NBalance  NewBalance
	// SpreadAccepted hands accepted sockets to the balancer instead of
	// keeping them on the accepting selector
	SpreadAccepted bool
	// OnFatal is told about a selector whose loop failed
	OnFatal func(selector *NioSelector, err error)
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		SelectTimeout:      DEFAULT_SELECT_TIMEOUT,
		MaxEvents:          256,
		MaxAcceptsPerEvent: DEFAULT_ACCEPTS_PER_EVENT,
		ReadPages:          DEFAULT_READ_PAGES,
		PageSize:           DEFAULT_BLOCK,
	}
}

func DefaultWatchdogConfig() *WatchdogConfig {
	return &WatchdogConfig{
		Threshold: 5 * time.Second,
		Interval:  time.Second,
	}
}

func (c SelectorConfig) normalize() SelectorConfig {
	d := DefaultSelectorConfig()
	if c.SelectTimeout == 0 {
		c.SelectTimeout = d.SelectTimeout
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.MaxEvents > MAX_POLLER_ONCE_EVENTS {
		c.MaxEvents = MAX_POLLER_ONCE_EVENTS
	}
	if c.MaxAcceptsPerEvent <= 0 {
		c.MaxAcceptsPerEvent = d.MaxAcceptsPerEvent
	}
	if c.ReadPages <= 0 {
		c.ReadPages = d.ReadPages
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Logger == nil {
		c.Logger = logger
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func (c WatchdogConfig) normalize() WatchdogConfig {
	d := DefaultWatchdogConfig()
	out := c
	if out.Threshold <= 0 {
		out.Threshold = d.Threshold
	}
	if out.Interval <= 0 {
		out.Interval = d.Interval
	}
	return out
}

func (c *ChannelConfig) backlog() int {
	if c == nil || c.Backlog <= 0 {
		return 1024
	}
	return c.Backlog
}

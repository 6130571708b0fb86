package ddnio

import (
	"net"
	"time"
)

// Poller is the OS multiplexer owned by one NioSelector.
// With, Modify and Cancel are only called from the selector thread;
// Wakeup may be called from any goroutine.
type Poller interface {
	// Exec waits for readiness and fills receiver, returning the number of events.
	// A negative timeOut blocks until an event or a Wakeup arrives.
	// An interrupted wait returns (0, nil).
	Exec(receiver []Event, timeOut time.Duration) (int, error)

	// Wakeup makes a blocked or the next Exec return early.
	Wakeup() error

	// With adds a descriptor with the interest in event.Flags().
	With(event Event) error

	// Modify replaces the interest of an added descriptor.
	Modify(event Event) error

	// Cancel removes a descriptor.
	Cancel(event Event) error

	// AllEvents returns every registered descriptor with its interest.
	AllEvents() []Event

	// Exit releases the multiplexer handle.
	Exit() error
}

// SocketHandler is the protocol layer sitting on top of a connected socket.
// All methods run on the selector thread that owns the channel.
type SocketHandler interface {
	// OnActive runs once, right after the channel is registered.
	OnActive(ctx *SocketChannelContext) error

	// OnConnect runs once when a dialed channel finishes connecting.
	// Accepted channels are connected from the start and never see it.
	OnConnect(ctx *SocketChannelContext) error

	// Consume is handed every read byte not consumed yet and reports how many
	// bytes formed complete messages. The rest stays buffered for the next read.
	Consume(ctx *SocketChannelContext, p []byte) (int, error)

	// OnClose runs once after the descriptor has been released.
	OnClose(ctx *SocketChannelContext)
}

// ServerHandler builds the protocol layer for every accepted connection.
type ServerHandler interface {
	// OnAccept returns the handler of a freshly accepted connection.
	// Returning an error rejects the connection.
	OnAccept(server *ServerChannelContext, remote net.Addr) (SocketHandler, error)

	// OnClose runs once after the listening descriptor has been released.
	OnClose(server *ServerChannelContext)
}

// Balanced picks a selector for a new channel.
type Balanced interface {
	// Name of the balancer or its algorithm.
	Name() string
	// Target returns an index in [0, connLen) for the descriptor fd.
	Target(connLen, fd int) int
}

// NewBalance builds a Balanced for a group.
type NewBalance func() Balanced

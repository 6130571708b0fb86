// Package ddnio is a non-blocking TCP reactor.
//
// A NioSelector is one event loop on one locked OS thread. It owns a poller
// (epoll on linux, kqueue on darwin and freebsd) and every channel registered
// with it: listening sockets (ServerChannelContext) and connected sockets
// (SocketChannelContext). Each loop iteration registers new channels, waits
// for readiness, dispatches accept, connect, read and write events through an
// EventHandler, runs queued and scheduled tasks and finally closes the
// channels whose close was requested.
//
// The EventHandler isolates failures: an error or a panic while handling one
// event of one channel goes to the matching exception hook, which by default
// logs it, tells the channel's ExceptionHooks and closes that channel only.
//
// A ThreadWatchdog, when configured, records which hook the loop is running
// and reports hooks that do not return in time.
//
// NioGroup runs several selectors and spreads channels over them.
package ddnio

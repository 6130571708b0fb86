//go:build linux

package ddnio

import "golang.org/x/sys/unix"

// currentThreadID identifies the OS thread of the caller. Only stable while
// the goroutine is locked to its thread.
func currentThreadID() int64 {
	return int64(unix.Gettid())
}

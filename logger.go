package ddnio

import (
	"os"

	"github.com/zbh255/bilog"
)

var (
	logger bilog.Logger = bilog.NewLogger(os.Stdout, bilog.PANIC, bilog.WithTimes(), bilog.WithCaller(),
		bilog.WithTopBuffer(0), bilog.WithLowBuffer(0))
)

// SetLogger replaces the package logger used by selectors that were not given one.
func SetLogger(l bilog.Logger) {
	if l != nil {
		logger = l
	}
}

package ddnio

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// NioGroup runs several selectors and spreads channels over them. If one
// selector fails the others are stopped and Wait returns the failure.
type NioGroup struct {
	selectors []*NioSelector
	balance   Balanced
	config    GroupConfig
	cancelFn  context.CancelFunc
	eg        *errgroup.Group
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func NewNioGroup(config GroupConfig) (*NioGroup, error) {
	n := config.Selectors
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MAX_SELECTOR_SIZE {
		n = MAX_SELECTOR_SIZE
	}
	if config.NBalance == nil {
		config.NBalance = NewRoundBalanced
	}
	g := &NioGroup{
		selectors: make([]*NioSelector, 0, n),
		balance:   config.NBalance(),
		config:    config,
	}
	for i := 0; i < n; i++ {
		selConfig := config.Selector
		if selConfig.Name != "" {
			selConfig.Name = fmt.Sprintf("%s-%d", selConfig.Name, i)
		}
		sel, err := NewNioSelector(selConfig)
		if err != nil {
			for _, s := range g.selectors {
				_ = s.Close()
			}
			return nil, err
		}
		g.selectors = append(g.selectors, sel)
	}
	return g, nil
}

func (g *NioGroup) Selectors() []*NioSelector {
	return g.selectors
}

// Next picks the selector for the descriptor fd.
func (g *NioGroup) Next(fd int) *NioSelector {
	return g.selectors[g.balance.Target(len(g.selectors), fd)]
}

// Start runs every selector, and its watchdog, on its own goroutine.
func (g *NioGroup) Start() {
	g.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancelFn = cancel
		g.eg, ctx = errgroup.WithContext(ctx)
		for _, sel := range g.selectors {
			sel := sel
			g.eg.Go(func() error {
				err := sel.Run(ctx)
				if err != nil && g.config.OnFatal != nil {
					g.config.OnFatal(sel, err)
				}
				return err
			})
			if wd := sel.Watchdog(); wd != nil {
				go wd.Start(ctx)
			}
		}
	})
}

// Wait blocks until every selector has stopped and returns the first failure.
func (g *NioGroup) Wait() error {
	g.Start()
	return g.eg.Wait()
}

// Close stops every selector and collects their teardown errors.
func (g *NioGroup) Close() error {
	g.closeOnce.Do(func() {
		g.Start()
		g.cancelFn()
		for _, sel := range g.selectors {
			g.closeErr = multierr.Append(g.closeErr, sel.Close())
		}
		_ = g.eg.Wait()
	})
	return g.closeErr
}

// Listen opens listeners for a "tcp://ip:port?level=N" address. level, from
// 1 to 10, is the tenth of the selectors that get their own listener on the
// shared port; without it a single selector listens.
func (g *NioGroup) Listen(addr string, handler ServerHandler, config *ChannelConfig) ([]*ServerChannelContext, error) {
	netConfig, argMap, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	n, err := listenLevel(argMap, len(g.selectors))
	if err != nil {
		return nil, err
	}
	tcpAddr := netConfig.TCPAddr()
	servers := make([]*ServerChannelContext, 0, n)
	for i := 0; i < n; i++ {
		var childSelector func(int) *NioSelector
		if g.config.SpreadAccepted {
			childSelector = g.Next
		}
		server, err := g.Next(i).listen(tcpAddr, handler, config, n > 1, childSelector)
		if err != nil {
			for _, s := range servers {
				_ = s.Close()
			}
			return nil, err
		}
		servers = append(servers, server)
		// an ephemeral port is fixed by the first listener
		if bound, ok := server.Addr().(*net.TCPAddr); ok && tcpAddr.Port == 0 {
			tcpAddr = &net.TCPAddr{IP: tcpAddr.IP, Port: bound.Port}
		}
	}
	return servers, nil
}

// Dial connects to a "tcp://ip:port" address from the next selector.
func (g *NioGroup) Dial(addr string, handler SocketHandler, config *ChannelConfig) (*SocketChannelContext, error) {
	netConfig, _, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	return g.Next(-1).Dial(netConfig.TCPAddr(), handler, config)
}

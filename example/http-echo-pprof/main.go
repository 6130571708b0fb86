package main

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/nyan233/ddnio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zbh255/bilog"
)

type SimpleHttpEchoServer struct {
}

func (s *SimpleHttpEchoServer) OnAccept(server *ddnio.ServerChannelContext, remote net.Addr) (ddnio.SocketHandler, error) {
	return &httpConn{}, nil
}

func (s *SimpleHttpEchoServer) OnClose(server *ddnio.ServerChannelContext) {
}

type httpConn struct {
}

func (c *httpConn) OnActive(ctx *ddnio.SocketChannelContext) error {
	return nil
}

func (c *httpConn) OnConnect(ctx *ddnio.SocketChannelContext) error {
	return nil
}

func (c *httpConn) Consume(ctx *ddnio.SocketChannelContext, p []byte) (int, error) {
	used := 0
	for {
		i := bytes.Index(p[used:], []byte("\r\n\r\n"))
		if i < 0 {
			return used, nil
		}
		used += i + 4
		buffer := make([]byte, 0, 256)
		buffer = append(buffer, "HTTP/1.1 200 OK\r\nServer: ddnio\r\nContent-Type: text/plain\r\nDate: "...)
		buffer = append(buffer, time.Now().AppendFormat([]byte{}, "Mon, 02 Jan 2006 15:04:05 GMT")...)
		buffer = append(buffer, "\r\nContent-Length: 12\r\n\r\nHello World!"...)
		ctx.QueueWrite(buffer, nil)
	}
}

func (c *httpConn) OnClose(ctx *ddnio.SocketChannelContext) {
}

var logger = bilog.NewLogger(os.Stdout, bilog.DEBUG, bilog.WithTimes(), bilog.WithCaller(), bilog.WithTopBuffer(2))

func main() {
	metrics := ddnio.NewMetrics("ddnio")
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		panic(err)
	}
	// pprof and /metrics share the debug listener
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Debug(http.ListenAndServe("0.0.0.0:9090", nil).Error())
	}()
	selectorConfig := ddnio.DefaultSelectorConfig()
	selectorConfig.Name = "echo"
	selectorConfig.Logger = logger
	selectorConfig.Metrics = metrics
	selectorConfig.Watchdog = &ddnio.WatchdogConfig{
		Threshold: time.Second,
		Reporter: ddnio.HangReporterFunc(func(selector, hook string, age time.Duration) {
			logger.ErrorFromString(fmt.Sprintf("%s stuck in %s for %v", selector, hook, age))
		}),
	}
	group, err := ddnio.NewNioGroup(ddnio.GroupConfig{
		Selector: selectorConfig,
		NBalance: ddnio.NewRoundBalanced,
	})
	if err != nil {
		panic(err)
	}
	if _, err = group.Listen("tcp://0.0.0.0:8080?level=10", &SimpleHttpEchoServer{}, nil); err != nil {
		panic(err)
	}
	if err = group.Wait(); err != nil {
		panic(err)
	}
}

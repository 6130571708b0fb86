package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/nyan233/ddnio"
	"github.com/zbh255/bilog"
)

var headerEnd = []byte("\r\n\r\n")

type SimpleHttpEchoServer struct {
}

func (s *SimpleHttpEchoServer) OnAccept(server *ddnio.ServerChannelContext, remote net.Addr) (ddnio.SocketHandler, error) {
	atomic.AddInt64(&count, 1)
	return &httpConn{}, nil
}

func (s *SimpleHttpEchoServer) OnClose(server *ddnio.ServerChannelContext) {
	logger.Debug(fmt.Sprintf("listener %v closed", server.Addr()))
}

type httpConn struct {
}

func (c *httpConn) OnActive(ctx *ddnio.SocketChannelContext) error {
	return nil
}

func (c *httpConn) OnConnect(ctx *ddnio.SocketChannelContext) error {
	return nil
}

// Consume answers every complete request head; bodies are not supported.
func (c *httpConn) Consume(ctx *ddnio.SocketChannelContext, p []byte) (int, error) {
	used := 0
	for {
		i := bytes.Index(p[used:], headerEnd)
		if i < 0 {
			return used, nil
		}
		used += i + len(headerEnd)
		buffer := make([]byte, 0, 256)
		buffer = append(buffer, "HTTP/1.1 200 OK\r\nServer: ddnio\r\nContent-Type: text/plain\r\nDate: "...)
		buffer = append(buffer, time.Now().AppendFormat([]byte{}, "Mon, 02 Jan 2006 15:04:05 GMT")...)
		buffer = append(buffer, "\r\nContent-Length: 12\r\n\r\nHello World!"...)
		ctx.QueueWrite(buffer, nil)
	}
}

func (c *httpConn) OnClose(ctx *ddnio.SocketChannelContext) {
	fmt.Println("connection closed")
}

var count int64
var logger = bilog.NewLogger(os.Stdout, bilog.DEBUG, bilog.WithTimes(), bilog.WithCaller(), bilog.WithTopBuffer(2))

type CustomBalanced struct {
}

func (c *CustomBalanced) Name() string {
	return "custom-round"
}

func (c *CustomBalanced) Target(connLen, fd int) int {
	if fd < 0 {
		fd = -fd
	}
	return fd % connLen
}

func main() {
	ddnio.SetLogger(logger)
	group, err := ddnio.NewNioGroup(ddnio.GroupConfig{
		NBalance: func() ddnio.Balanced {
			return &CustomBalanced{}
		},
		SpreadAccepted: true,
		OnFatal: func(selector *ddnio.NioSelector, err error) {
			logger.ErrorFromErr(err)
		},
	})
	if err != nil {
		panic(err)
	}
	_, err = group.Listen("tcp://0.0.0.0:8080?level=10", &SimpleHttpEchoServer{}, &ddnio.ChannelConfig{
		Hooks: ddnio.ExceptionHooks{
			Generic: func(ctx ddnio.ChannelContext, err error) {
				fmt.Println("connection error: ", err)
			},
		},
	})
	if err != nil {
		panic(err)
	}
	group.Start()
	go func() {
		for {
			time.Sleep(time.Second * 5)
			logger.Debug(fmt.Sprintf("connection count: %d", atomic.LoadInt64(&count)))
		}
	}()
	if err = group.Wait(); err != nil {
		panic(err)
	}
}

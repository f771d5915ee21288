package validator

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxychain/internal/shared/types"
	"proxychain/proxypool/model"
)

// serve 在随机端口上接受连接，每个连接交给 handle 处理。
func serve(t *testing.T, handle func(net.Conn)) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// fakeSocks5 只实现无认证握手和 CONNECT，记录请求的目标域名。
func fakeSocks5(gotTarget chan<- string) func(net.Conn) {
	return func(c net.Conn) {
		buf := make([]byte, 262)
		if _, err := io.ReadFull(c, buf[:2]); err != nil {
			return
		}
		if _, err := io.ReadFull(c, buf[:int(buf[1])]); err != nil {
			return
		}
		c.Write([]byte{5, 0})

		if _, err := io.ReadFull(c, buf[:4]); err != nil {
			return
		}
		var host string
		switch buf[3] {
		case 1:
			io.ReadFull(c, buf[:4])
			host = net.IP(buf[:4]).String()
		case 3:
			io.ReadFull(c, buf[:1])
			n := int(buf[0])
			io.ReadFull(c, buf[:n])
			host = string(buf[:n])
		default:
			return
		}
		io.ReadFull(c, buf[:2])
		gotTarget <- host
		c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
	}
}

func fakeHTTPConnect(status int) func(net.Conn) {
	return func(c net.Conn) {
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		resp := &http.Response{StatusCode: status, ProtoMajor: 1, ProtoMinor: 1, Request: req}
		resp.Write(c)
	}
}

func endpoint(id string, proto model.Protocol, addr *net.TCPAddr) *model.Endpoint {
	return &model.Endpoint{ID: id, Protocol: proto, ListenHost: "0.0.0.0", ListenPort: addr.Port}
}

func TestVerify(t *testing.T) {
	targets := make(chan string, 1)
	socks := serve(t, fakeSocks5(targets))
	httpOK := serve(t, fakeHTTPConnect(http.StatusOK))
	httpBad := serve(t, fakeHTTPConnect(http.StatusBadGateway))

	// 已关闭的端口
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().(*net.TCPAddr)
	closed.Close()

	v := NewValidator(types.VerifyConf{Target: "probe.example.test:80", TimeoutSecs: 2, Concurrency: 2})
	results := v.Verify(context.Background(), []*model.Endpoint{
		endpoint("s", model.ProtocolSOCKS5, socks),
		endpoint("h", model.ProtocolHTTP, httpOK),
		endpoint("b", model.ProtocolHTTP, httpBad),
		endpoint("c", model.ProtocolSOCKS5, closedAddr),
	})
	require.Len(t, results, 4)

	assert.Equal(t, "s", results[0].EndpointID)
	assert.True(t, results[0].OK, results[0].Error)
	assert.Equal(t, "probe.example.test", <-targets)

	assert.True(t, results[1].OK, results[1].Error)
	assert.Equal(t, "http", results[1].Protocol)

	assert.False(t, results[2].OK)
	assert.Contains(t, results[2].Error, "502")

	assert.False(t, results[3].OK)
	assert.NotEmpty(t, results[3].Error)
	assert.False(t, results[3].CheckedAt.IsZero())
}

func TestVerify_Empty(t *testing.T) {
	v := NewValidator(types.VerifyConf{})
	assert.Empty(t, v.Verify(context.Background(), nil))
	assert.Equal(t, defaultValidationTarget, v.target)
}

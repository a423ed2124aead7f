package daemon

import (
	"context"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/logx"
	"github.com/imattdu/xrayagent/metrics"
)

// Client 通过已连接的 UDP socket 把 datagram 发给 daemon，发完即忘
type Client struct {
	addr Addr
	conn *net.UDPConn
	log  logx.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

type Option func(*Client)

// WithLogger 发送失败的日志默认每秒最多一条
func WithLogger(l logx.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = logx.NewLimited(l, time.Second, 1)
		}
	}
}

func Dial(addr Addr, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, log: logx.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	raddr, err := net.ResolveUDPAddr("udp", addr.UDP)
	if err != nil {
		return nil, errorx.NewTransport(errorx.ErrDial, errorx.WithCause(err),
			errorx.WithField("address", addr.UDP))
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errorx.NewTransport(errorx.ErrDial, errorx.WithCause(err),
			errorx.WithField("address", addr.UDP))
	}
	c.conn = conn
	return c, nil
}

// Send 不阻塞调用方也不返回错误，失败只计数和限流打日志
func (c *Client) Send(b []byte) {
	if c == nil || c.conn == nil {
		return
	}
	if _, err := c.conn.Write(b); err != nil {
		c.failed.Inc()
		metrics.SendErrors.Inc()
		c.log.Warn(context.Background(), logx.TagSend, errorx.NewTransport(errorx.ErrSend,
			errorx.WithCause(err),
			errorx.WithField(logx.Remote, c.addr.UDP),
			errorx.WithField(logx.Size, len(b))))
		return
	}
	c.sent.Inc()
}

func (c *Client) Addr() Addr { return c.addr }

func (c *Client) TCPEndpoint() string { return c.addr.TCPEndpoint() }

// Stats 返回成功 / 失败的 datagram 数
func (c *Client) Stats() (sent, failed int64) {
	return c.sent.Load(), c.failed.Load()
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

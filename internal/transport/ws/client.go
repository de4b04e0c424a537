// Package ws talks to a remote controller over a websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sitemon/internal/protocol"
	logx "sitemon/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultInboundBuffer    = 64
)

var ErrNotConnected = errors.New("ws: not connected")

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client keeps at most one connection to the controller. Run dials and reads
// until the connection drops; callers restart it to reconnect.
type Client struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	wmu  sync.Mutex

	in        chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "ws")),
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		in:     make(chan protocol.Envelope, DefaultInboundBuffer),
		closed: make(chan struct{}),
	}
}

// Run connects and pumps inbound messages until the connection fails, ctx
// ends or the client is closed. It returns nil only on ctx end or Close.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.setConn(conn)
	c.log.Info("controller connected", logx.String("url", c.cfg.URL))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { _ = conn.Close() })
	defer stop()
	go c.closeOnShutdown(runCtx, conn)
	go c.ping(runCtx, conn)

	defer func() {
		c.setConn(nil)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			c.log.Warn("controller connection lost", logx.Err(err))
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Unmarshal(b)
		if err != nil {
			c.log.Warn("inbound message dropped", logx.Err(err))
			continue
		}
		select {
		case c.in <- env:
		case <-ctx.Done():
			return nil
		case <-c.closed:
			return nil
		}
	}
}

func (c *Client) closeOnShutdown(ctx context.Context, conn *websocket.Conn) {
	select {
	case <-ctx.Done():
	case <-c.closed:
		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) ping(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Send writes env to the current connection. It fails when disconnected.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.closed:
		return protocol.Envelope{}, protocol.ErrClosed
	}
}

func (c *Client) Connected() bool { return c.current() != nil }

func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

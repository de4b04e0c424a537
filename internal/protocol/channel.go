package protocol

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	logx "sitemon/pkg/logx"
)

const (
	DefaultQueueSize   = 32
	DefaultSendTimeout = 5 * time.Second
)

type ChannelOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Log         logx.Logger
}

// Channel is the outbound path of one execution.
type Channel struct {
	execID    string
	monitorID string
	sender    Sender
	timeout   time.Duration
	log       logx.Logger

	mu     sync.RWMutex
	closed bool
	q      chan Envelope
	done   chan struct{}

	shut      atomic.Bool
	shutOnce  sync.Once
	shutCh    chan struct{}
	sent      atomic.Uint64
	discarded atomic.Uint64
}

func NewChannel(executionID, monitorID string, sender Sender, opts ChannelOptions) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	c := &Channel{
		execID:    executionID,
		monitorID: monitorID,
		sender:    sender,
		timeout:   opts.SendTimeout,
		log:       opts.Log,
		q:         make(chan Envelope, opts.QueueSize),
		done:      make(chan struct{}),
		shutCh:    make(chan struct{}),
	}
	go c.drain()
	return c
}

// Send queues msg and reports whether it was queued. Heartbeats are dropped
// when the queue is full. A result waits for room until the channel shuts down.
func (c *Channel) Send(msg Message) bool {
	if c.shut.Load() {
		c.discarded.Add(1)
		return false
	}
	env, err := Encode(c.execID, c.monitorID, msg, time.Now())
	if err != nil {
		c.log.Warn("message dropped: encode failed", logx.Err(err))
		c.discarded.Add(1)
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.discarded.Add(1)
		return false
	}
	select {
	case c.q <- env:
		return true
	default:
	}
	if env.Type != TypeResult {
		c.discarded.Add(1)
		c.log.Debug("message dropped: queue full", logx.String("type", string(env.Type)))
		return false
	}
	// The drain goroutine consumes until Close, which cannot run while the
	// read lock is held.
	select {
	case c.q <- env:
		return true
	case <-c.shutCh:
		c.discarded.Add(1)
		return false
	}
}

// IsShutdown reports whether a transport error has shut the channel down.
func (c *Channel) IsShutdown() bool { return c.shut.Load() }

func (c *Channel) Sent() uint64      { return c.sent.Load() }
func (c *Channel) Discarded() uint64 { return c.discarded.Load() }

// Close stops accepting messages and waits until the queue is drained or ctx
// ends. Messages still queued when ctx ends are discarded.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.q)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	}
}

func (c *Channel) drain() {
	defer close(c.done)
	for env := range c.q {
		if c.shut.Load() {
			c.discarded.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.sender.Send(ctx, env)
		cancel()
		if err != nil {
			c.shutdown()
			c.discarded.Add(1)
			c.log.Info("reporting channel shut down",
				logx.String("type", string(env.Type)),
				logx.String("execution", c.execID),
				logx.Err(err),
			)
			continue
		}
		c.sent.Add(1)
	}
}

func (c *Channel) shutdown() {
	c.shut.Store(true)
	c.shutOnce.Do(func() { close(c.shutCh) })
}

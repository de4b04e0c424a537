// Package local connects the agent and an in-process controller through the
// event bus.
package local

import (
	"context"
	"sync"

	"sitemon/internal/eventbus"
	"sitemon/internal/protocol"
)

const (
	TopicOutbound = "protocol.outbound"
	TopicInbound  = "protocol.inbound"

	DefaultBuffer = 256
)

// Endpoint is one side of a bus loopback.
type Endpoint struct {
	bus       eventbus.Bus
	sendTopic string
	recv      <-chan eventbus.Event
	unsub     func()

	closeOnce sync.Once
	closed    chan struct{}
}

// Agent returns the agent side: it sends outbound and receives inbound traffic.
func Agent(bus eventbus.Bus, buffer int) *Endpoint {
	return newEndpoint(bus, TopicOutbound, TopicInbound, buffer)
}

// Controller returns the controller side.
func Controller(bus eventbus.Bus, buffer int) *Endpoint {
	return newEndpoint(bus, TopicInbound, TopicOutbound, buffer)
}

func newEndpoint(bus eventbus.Bus, send, recv string, buffer int) *Endpoint {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch, unsub := bus.SubscribePrefix(recv, buffer)
	return &Endpoint{
		bus:       bus,
		sendTopic: send,
		recv:      ch,
		unsub:     unsub,
		closed:    make(chan struct{}),
	}
}

// Send publishes env. Delivery is best effort: a slow peer drops events.
func (e *Endpoint) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-e.closed:
		return protocol.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.bus.Publish(eventbus.Event{Type: e.sendTopic, Time: env.SentAt, Data: env})
	return nil
}

func (e *Endpoint) Receive(ctx context.Context) (protocol.Envelope, error) {
	for {
		select {
		case <-e.closed:
			return protocol.Envelope{}, protocol.ErrClosed
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		case ev, ok := <-e.recv:
			if !ok {
				return protocol.Envelope{}, protocol.ErrClosed
			}
			env, ok := ev.Data.(protocol.Envelope)
			if !ok {
				continue
			}
			return env, nil
		}
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.unsub()
	})
	return nil
}

// Run blocks until ctx is done. It exists so both transports share a lifecycle.
func (e *Endpoint) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-e.closed:
	}
	return nil
}

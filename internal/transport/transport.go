// Package transport selects the link between the agent and its controller.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sitemon/internal/eventbus"
	"sitemon/internal/protocol"
	"sitemon/internal/transport/local"
	"sitemon/internal/transport/ws"
	logx "sitemon/pkg/logx"
)

const (
	DriverLocal     = "local"
	DriverWebsocket = "websocket"
)

type Config struct {
	Driver           string
	URL              string
	HandshakeTimeout time.Duration
}

// Link is the agent end of a transport. Run keeps it connected and returns
// an error when the connection is lost.
type Link interface {
	protocol.Transport
	Run(ctx context.Context) error
}

// Open returns the link for cfg.Driver. The local driver also returns the
// controller end, which is nil for remote drivers.
func Open(cfg Config, bus eventbus.Bus, log logx.Logger) (Link, protocol.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLocal:
		if bus == nil {
			return nil, nil, fmt.Errorf("transport %s: event bus is required", DriverLocal)
		}
		return local.Agent(bus, 0), local.Controller(bus, 0), nil
	case DriverWebsocket, "ws":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, nil, fmt.Errorf("transport %s: url is required", DriverWebsocket)
		}
		return ws.New(ws.Config{URL: cfg.URL, HandshakeTimeout: cfg.HandshakeTimeout}, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}

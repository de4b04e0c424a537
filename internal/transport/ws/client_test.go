package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sitemon/internal/protocol"
	logx "sitemon/pkg/logx"
)

// controllerServer accepts one connection, records what it reads and replies
// with a shutdown for each heartbeat.
func controllerServer(t *testing.T, got chan<- protocol.Envelope) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Unmarshal(b)
			if err != nil {
				t.Errorf("server decode: %v", err)
				return
			}
			got <- env
			reply, _ := protocol.Encode(env.ExecutionID, "", protocol.Shutdown{Reason: "done"}, time.Now())
			out, _ := protocol.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func TestClientRoundTrip(t *testing.T) {
	got := make(chan protocol.Envelope, 4)
	srv := controllerServer(t, got)
	defer srv.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Send(ctx, protocol.Envelope{Type: protocol.TypeHeartbeat}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before connect err = %v", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			t.Fatal("never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	hb, _ := protocol.Encode("e1", "m1", protocol.Heartbeat{State: "running", LiveThreads: 2}, time.Now())
	if err := c.Send(ctx, hb); err != nil {
		t.Fatal(err)
	}
	select {
	case env := <-got:
		if env.Type != protocol.TypeHeartbeat || env.MonitorID != "m1" {
			t.Fatalf("server got %+v", env)
		}
	case <-ctx.Done():
		t.Fatal("server got nothing")
	}

	in, err := c.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if in.Type != protocol.TypeShutdown || in.ExecutionID != "e1" {
		t.Fatalf("client got %+v", in)
	}

	_ = c.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run after Close = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	if _, err := c.Receive(context.Background()); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("Receive after Close err = %v", err)
	}
}

func TestRunFailsWhenControllerUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(Config{URL: url, HandshakeTimeout: time.Second}, logx.Nop())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

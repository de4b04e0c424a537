package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitemon/internal/sitemon"
)

type Type string

const (
	TypeHeartbeat  Type = "heartbeat"
	TypeResult     Type = "result"
	TypeShutdown   Type = "shutdown"
	TypeRegister   Type = "register"
	TypeUnregister Type = "unregister"
)

var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrClosed      = errors.New("protocol: transport closed")
)

// Message is implemented by every payload type.
type Message interface {
	MessageType() Type
}

// Heartbeat reports thread liveness of a running execution.
type Heartbeat struct {
	State        string `json:"state"`
	LiveThreads  int    `json:"live_threads"`
	TotalThreads int    `json:"total_threads"`
}

// ResultMessage carries one statistics flush of an execution.
type ResultMessage struct {
	Records []sitemon.ResultRecord `json:"records"`
}

// Shutdown asks an execution to stop waiting for its threads. An empty
// execution id addresses every live execution.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

type Register struct {
	Definition sitemon.MonitorDefinition `json:"definition"`
}

type Unregister struct {
	ID string `json:"id"`
}

func (Heartbeat) MessageType() Type     { return TypeHeartbeat }
func (ResultMessage) MessageType() Type { return TypeResult }
func (Shutdown) MessageType() Type      { return TypeShutdown }
func (Register) MessageType() Type      { return TypeRegister }
func (Unregister) MessageType() Type    { return TypeUnregister }

// Envelope is the wire form of a message.
type Envelope struct {
	Type        Type            `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	MonitorID   string          `json:"monitor_id,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps msg into an envelope stamped with now.
func Encode(executionID, monitorID string, msg Message, now time.Time) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("%w: nil message", ErrUnknownType)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return Envelope{
		Type:        msg.MessageType(),
		ExecutionID: executionID,
		MonitorID:   monitorID,
		SentAt:      now.UTC(),
		Payload:     b,
	}, nil
}

// Decode returns the typed payload of e.
func (e Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Type {
	case TypeHeartbeat:
		var m Heartbeat
		if err := decodePayload(e, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeResult:
		var m ResultMessage
		if err := decodePayload(e, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeShutdown:
		var m Shutdown
		if err := decodePayload(e, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeRegister:
		var m Register
		if err := decodePayload(e, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeUnregister:
		var m Unregister
		if err := decodePayload(e, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return msg, nil
}

func decodePayload(e Envelope, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Marshal and Unmarshal convert envelopes to and from their JSON wire form.
func Marshal(e Envelope) ([]byte, error) { return json.Marshal(e) }

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

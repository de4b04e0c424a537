package protocol

import "context"

// Sender delivers one envelope. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// Receiver blocks until an envelope arrives. It returns ErrClosed once the
// underlying transport is gone.
type Receiver interface {
	Receive(ctx context.Context) (Envelope, error)
}

type Transport interface {
	Sender
	Receiver
	Close() error
}

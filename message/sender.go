package message

import "context"

// Sender delivers a message to the output channel. Implementations may
// block; a returned error means the message was not accepted.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

// SenderFunc adapts an ordinary function to a Sender.
type SenderFunc func(ctx context.Context, m *Message) error

// Send calls f(ctx, m).
func (f SenderFunc) Send(ctx context.Context, m *Message) error { return f(ctx, m) }

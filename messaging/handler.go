package messaging

import (
	"context"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
)

// Message is one delivery as seen by a handler
type Message struct {
	Topic       string
	RoutingKey  string
	Body        []byte
	MessageID   string
	Redelivered bool
	Timestamp   time.Time
}

// Handler processes messages for one registered handler identity. Returning
// an error rejects the message after the configured retries; wrap it with
// Permanent to reject without retrying.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Permanent marks a handler error as not worth retrying
func Permanent(err error) error {
	return reliability.Permanent(err)
}

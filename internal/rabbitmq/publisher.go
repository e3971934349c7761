package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmer is implemented by *amqp.Channel; channels without it publish
// without waiting for broker confirms.
type confirmer interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
}

// Publisher publishes messages to an exchange
type Publisher struct {
	ch             Channel
	exchange       ExchangeDeclaration
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	confirms       chan amqp.Confirmation
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// NewPublisher declares exchange on ch and returns a publisher for it
func NewPublisher(ch Channel, exchange ExchangeDeclaration, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		exchange:       exchange,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
		return nil, topologyErr("exchange", exchange.Name, "declare", err)
	}

	if c, ok := ch.(confirmer); ok {
		if err := c.Confirm(false); err != nil {
			return nil, fmt.Errorf("failed to enable confirms: %w", err)
		}
		p.confirms = c.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	return p, nil
}

// Publish sends body with routingKey, retrying transient failures
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	policy := reliability.NewLinearBackoff(time.Second, time.Second, 5*time.Second, p.maxRetries)
	err := reliability.Retry(ctx, policy, func() error {
		return p.publishOnce(ctx, routingKey, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange.Name, routingKey, err)
	}
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if err := p.ch.PublishWithContext(ctx, p.exchange.Name, routingKey, false, false, msg); err != nil {
		return err
	}
	if p.confirms == nil {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return reliability.Permanent(ErrConnectionClosed)
		}
		if !confirm.Ack {
			return fmt.Errorf("message was nacked")
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying channel
func (p *Publisher) Close() error {
	return p.ch.Close()
}

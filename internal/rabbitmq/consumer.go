package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer runs the dispatch loop for one queue on one channel. Messages are
// acknowledged only after the handler returned nil and rejected without
// requeue once the handler retry policy gives up.
type Consumer struct {
	prefetchCount  int
	concurrency    int
	handlerTimeout time.Duration
	retryPolicy    reliability.RetryPolicy
	tagPrefix      string
	logger         *slog.Logger
	recorder       MetricsRecorder
	label          string
	onConsuming    func()
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConcurrency sets how many handler calls may run at once. 1 (the
// default) handles messages synchronously in receipt order.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithHandlerTimeout bounds every handler call. Zero means no timeout.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithHandlerRetryPolicy sets how often a failing handler is retried before
// the message is rejected
func WithHandlerRetryPolicy(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.retryPolicy = policy
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics recorder and the label used for this consumer
func WithConsumerMetrics(recorder MetricsRecorder, label string) ConsumerOption {
	return func(c *Consumer) {
		c.recorder = recorder
		c.label = label
	}
}

// WithConsumingHook registers fn to run each time consumption starts
func WithConsumingHook(fn func()) ConsumerOption {
	return func(c *Consumer) {
		c.onConsuming = fn
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		prefetchCount: 1,
		concurrency:   1,
		retryPolicy:   reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 2),
		tagPrefix:     "agentbus",
		logger:        slog.Default(),
		recorder:      NopRecorder{},
	}

	for _, opt := range options {
		opt(c)
	}

	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.prefetchCount < c.concurrency {
		c.prefetchCount = c.concurrency
	}
	if c.retryPolicy == nil {
		c.retryPolicy = reliability.NoRetry()
	}

	return c
}

// Consume starts consuming queue on ch and dispatches deliveries to handler
// until ctx is cancelled (returns nil) or the delivery stream ends (returns a
// retryable *ConsumerError). Handler calls run with handlerCtx so a stop
// request lets in-flight calls finish; Consume waits for them before returning.
func (c *Consumer) Consume(ctx, handlerCtx context.Context, ch Channel, queue string, handler MessageHandler) error {
	tag := c.tagPrefix + "-" + uuid.NewString()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerErr(queue, tag, "qos", err)
	}

	cancelled := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerErr(queue, tag, "consume", err)
	}

	c.logger.Info("consuming",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"concurrency", c.concurrency,
	)
	if c.onConsuming != nil {
		c.onConsuming()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	sem := make(chan struct{}, c.concurrency)

	for {
		select {
		case <-ctx.Done():
			c.stop(ch, tag)
			return nil

		case <-cancelled:
			return c.consumerErr(queue, tag, "consume", ErrConsumerCancelled)

		case delivery, ok := <-deliveries:
			if !ok {
				return c.consumerErr(queue, tag, "consume", ErrDeliveriesClosed)
			}
			if ctx.Err() != nil {
				c.requeue(delivery)
				c.stop(ch, tag)
				return nil
			}

			c.recorder.MessageReceived(c.label)

			if c.concurrency == 1 {
				c.handleDelivery(handlerCtx, delivery, handler)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.requeue(delivery)
				c.stop(ch, tag)
				return nil
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				c.handleDelivery(handlerCtx, d, handler)
			}(delivery)
		}
	}
}

// handleDelivery runs the handler under the retry policy and settles the
// delivery exactly once.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	start := time.Now()
	err := reliability.Retry(ctx, c.retryPolicy, func() error {
		return c.invoke(ctx, delivery, handler)
	})
	c.recorder.HandlerDuration(c.label, time.Since(start))

	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message",
				"error", ackErr,
				"routingKey", delivery.RoutingKey,
				"deliveryTag", delivery.DeliveryTag)
			return
		}
		c.recorder.MessageAcked(c.label)
		return
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// forced shutdown, give the message back
		c.requeue(delivery)
		return
	}

	c.logger.Error("handler failed, rejecting message",
		"error", err,
		"routingKey", delivery.RoutingKey,
		"deliveryTag", delivery.DeliveryTag,
		"redelivered", delivery.Redelivered)
	if nackErr := delivery.Nack(false, false); nackErr != nil {
		c.logger.Error("failed to nack message",
			"error", nackErr,
			"originalError", err)
		return
	}
	c.recorder.MessageRejected(c.label)
}

// invoke calls handler once, converting panics into permanent errors.
func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = reliability.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return handler(ctx, delivery)
}

func (c *Consumer) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Debug("failed to requeue message", "error", err)
	}
}

func (c *Consumer) stop(ch Channel, tag string) {
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Debug("failed to cancel consumer", "consumerTag", tag, "error", err)
	}
}

func (c *Consumer) consumerErr(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentbus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// unit is one running subscription: a supervised connection, the topic
// binding re-declared on every connect, and a dispatch loop. The handler is
// looked up by id for every message so re-registration takes effect without
// resubscribing.
type unit struct {
	handlerID string
	topic     Topic
	label     string

	supervisor *rabbitmq.Supervisor
	binder     *rabbitmq.Binder
	consumer   *rabbitmq.Consumer
	lookup     func(id string) (Handler, bool)
	logger     *slog.Logger

	ctx        context.Context
	stop       context.CancelFunc
	handlerCtx context.Context
	kill       context.CancelFunc
	done       chan struct{}

	mu         sync.RWMutex
	queue      string
	err        error
	reconnects int
	stopping   bool
}

func (u *unit) run() {
	defer close(u.done)
	defer u.kill()

	u.logger.Info("subscription started")
	if err := u.supervisor.Run(u.ctx, u.session); err != nil {
		u.mu.Lock()
		u.err = err
		u.mu.Unlock()
		u.logger.Error("subscription failed", "error", err)
		return
	}
	u.logger.Info("subscription stopped")
}

// session binds the topic on a fresh channel and consumes until the
// connection drops or the unit is stopped.
func (u *unit) session(ctx context.Context, conn rabbitmq.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return &rabbitmq.ConnectionError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	defer ch.Close()

	queue, err := u.binder.Bind(ch)
	if err != nil {
		return err
	}
	u.setQueue(queue)
	defer u.setQueue("")

	u.logger.Debug("topic bound", "queue", queue, "bindingKey", u.topic.BindingKey)
	return u.consumer.Consume(ctx, u.handlerCtx, ch, queue, u.dispatch)
}

func (u *unit) dispatch(ctx context.Context, d amqp.Delivery) error {
	handler, ok := u.lookup(u.handlerID)
	if !ok {
		return Permanent(&HandlerError{
			HandlerID:  u.handlerID,
			Topic:      u.topic.Name,
			RoutingKey: d.RoutingKey,
			Err:        ErrUnknownHandler,
		})
	}

	msg := Message{
		Topic:       u.topic.Name,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
	}
	if err := handler.Handle(ctx, msg); err != nil {
		return &HandlerError{
			HandlerID:  u.handlerID,
			Topic:      u.topic.Name,
			RoutingKey: d.RoutingKey,
			Err:        err,
		}
	}
	return nil
}

func (u *unit) setQueue(queue string) {
	u.mu.Lock()
	u.queue = queue
	u.mu.Unlock()
}

// live reports whether the unit is still running
func (u *unit) live() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

func (u *unit) markStopping() {
	u.mu.Lock()
	u.stopping = true
	u.mu.Unlock()
}

func (u *unit) isStopping() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.stopping
}

func (u *unit) snapshot() Subscription {
	u.mu.RLock()
	defer u.mu.RUnlock()

	state := u.supervisor.State().String()
	switch {
	case u.err != nil:
		state = StateFailed
	case u.stopping && u.live():
		state = StateStopping
	}
	return Subscription{
		HandlerID:  u.handlerID,
		Topic:      u.topic.Name,
		BindingKey: u.topic.BindingKey,
		State:      state,
		Queue:      u.queue,
		Reconnects: u.reconnects,
		Err:        u.err,
	}
}

// ConnectionStateListener

func (u *unit) OnConnected() {}

func (u *unit) OnDisconnected(err error) {
	u.logger.Warn("subscription disconnected", "error", err)
}

func (u *unit) OnReconnecting(attempt int) {
	u.mu.Lock()
	u.reconnects++
	u.mu.Unlock()
}

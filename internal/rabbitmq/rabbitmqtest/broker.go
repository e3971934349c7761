// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Connection and rabbitmq.Channel seams for tests.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/agentbus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Settlement records how a delivery was settled by a consumer.
type Settlement struct {
	Queue      string
	RoutingKey string
	Body       string
	Acked      bool
	Requeued   bool
}

// Binding is a queue binding seen by the broker.
type Binding struct {
	Queue    string
	Key      string
	Exchange string
}

// Broker is an in-memory AMQP broker. The zero value is not usable; use NewBroker.
type Broker struct {
	mu          sync.Mutex
	dials       int
	dialErrs    []error
	dialErr     error
	bindErr     error
	exchanges   map[string]exchangeDecl
	queues      map[string]*queue
	bindings    []Binding
	conns       []*Conn
	settlements []Settlement
	queueSeq    int
}

type exchangeDecl struct {
	kind    string
	durable bool
}

type queue struct {
	name      string
	owner     *Conn
	args      amqp.Table
	pending   []amqp.Delivery
	consumers []*consumer
}

type consumer struct {
	tag        string
	ch         *Chan
	deliveries chan amqp.Delivery
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchangeDecl),
		queues:    make(map[string]*queue),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// FailNextDials makes the next n dials fail with err
func (b *Broker) FailNextDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// FailDials makes every dial fail with err until called with nil
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailBindings makes QueueBind return err
func (b *Broker) FailBindings(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindErr = err
}

// DeclareExchange pre-declares an exchange, e.g. with a conflicting type
// or durability
func (b *Broker) DeclareExchange(name, kind string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = exchangeDecl{kind: kind, durable: durable}
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Bindings returns every binding declared so far, including those of
// deleted queues
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// Settlements returns all acks and nacks in order
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Pending returns the number of undelivered messages in a named queue
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.pending)
	}
	return 0
}

// Consumers returns the number of active consumers across all queues
func (b *Broker) Consumers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q.consumers)
	}
	return n
}

// OpenConnections returns the number of connections not yet closed
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// WaitForConsumers polls until at least n consumers are active
func (b *Broker) WaitForConsumers(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Consumers() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.Consumers() >= n
}

// Publish routes body through exchange and returns how many queues received it
func (b *Broker) Publish(exchange, routingKey string, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchange, routingKey, amqp.Publishing{Body: body})
}

// DropConnections closes every open connection as if the broker restarted
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

func (b *Broker) route(exchange, routingKey string, msg amqp.Publishing) int {
	ex, ok := b.exchanges[exchange]
	if !ok {
		return 0
	}

	routed := 0
	seen := make(map[string]bool)
	for _, binding := range b.bindings {
		if binding.Exchange != exchange || seen[binding.Queue] {
			continue
		}
		q, ok := b.queues[binding.Queue]
		if !ok {
			continue
		}
		matched := false
		switch ex.kind {
		case amqp.ExchangeTopic:
			matched = rabbitmq.MatchTopic(binding.Key, routingKey)
		case amqp.ExchangeFanout:
			matched = true
		default:
			matched = binding.Key == routingKey
		}
		if !matched {
			continue
		}
		seen[binding.Queue] = true
		routed++
		b.enqueue(q, amqp.Delivery{
			Exchange:    exchange,
			RoutingKey:  routingKey,
			Body:        msg.Body,
			MessageId:   msg.MessageId,
			Timestamp:   msg.Timestamp,
			ContentType: msg.ContentType,
		})
	}
	return routed
}

// enqueue hands d to the first consumer of q or parks it in pending
func (b *Broker) enqueue(q *queue, d amqp.Delivery) {
	if len(q.consumers) == 0 {
		q.pending = append(q.pending, d)
		return
	}
	c := q.consumers[0]
	c.ch.nextTag++
	d.DeliveryTag = c.ch.nextTag
	d.ConsumerTag = c.tag
	d.Acknowledger = c.ch
	c.ch.inflight[d.DeliveryTag] = inflight{queue: q.name, delivery: d}
	select {
	case c.deliveries <- d:
	default:
		delete(c.ch.inflight, d.DeliveryTag)
		q.pending = append(q.pending, d)
	}
}

func (b *Broker) settle(ch *Chan, tag uint64, ack, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	in, ok := ch.inflight[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(ch.inflight, tag)

	b.settlements = append(b.settlements, Settlement{
		Queue:      in.queue,
		RoutingKey: in.delivery.RoutingKey,
		Body:       string(in.delivery.Body),
		Acked:      ack,
		Requeued:   requeue,
	})

	if ack {
		return nil
	}
	q, ok := b.queues[in.queue]
	if !ok {
		return nil
	}
	if requeue {
		d := in.delivery
		d.Redelivered = true
		q.pending = append(q.pending, d)
		return nil
	}
	if dlx, ok := q.args["x-dead-letter-exchange"].(string); ok {
		key, _ := q.args["x-dead-letter-routing-key"].(string)
		if key == "" {
			key = in.delivery.RoutingKey
		}
		b.route(dlx, key, amqp.Publishing{Body: in.delivery.Body, MessageId: in.delivery.MessageId})
	}
	return nil
}

type inflight struct {
	queue    string
	delivery amqp.Delivery
}

// Conn is a fake connection
type Conn struct {
	broker     *Broker
	closed     bool
	closeChans []chan *amqp.Error
	channels   []*Chan
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{conn: c, inflight: make(map[uint64]inflight)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeChans = append(c.closeChans, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *Conn) closeLocked(err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	b := c.broker
	for name, q := range b.queues {
		if q.owner == c {
			delete(b.queues, name)
		}
	}
	for _, receiver := range c.closeChans {
		if err != nil {
			select {
			case receiver <- err:
			default:
			}
		}
		close(receiver)
	}
	c.closeChans = nil
}

// Chan is a fake channel; it is also the Acknowledger of its deliveries
type Chan struct {
	conn        *Conn
	closed      bool
	nextTag     uint64
	inflight    map[uint64]inflight
	cancelChans []chan string
}

func (ch *Chan) lock() (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	return b, nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Chan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[name]; ok {
		var reason string
		switch {
		case existing.kind != kind:
			reason = fmt.Sprintf("inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, existing.kind)
		case existing.durable != durable:
			reason = fmt.Sprintf("inequivalent arg 'durable' for exchange '%s': received '%t' but current is '%t'", name, durable, existing.durable)
		}
		if reason != "" {
			ch.closeLocked()
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + reason, Server: true}
		}
		return nil
	}
	b.exchanges[name] = exchangeDecl{kind: kind, durable: durable}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Chan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()

	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	if _, ok := b.queues[name]; !ok {
		q := &queue{name: name, args: args}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Chan) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if b.bindErr != nil {
		ch.closeLocked()
		return b.bindErr
	}
	if _, ok := b.exchanges[exchange]; !ok {
		ch.closeLocked()
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}
	b.bindings = append(b.bindings, Binding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Chan) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	b.mu.Unlock()
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Chan) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b, err := ch.lock()
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'", Server: true}
	}
	c := &consumer{tag: tag, ch: ch, deliveries: make(chan amqp.Delivery, 256)}
	q.consumers = append(q.consumers, c)

	pending := q.pending
	q.pending = nil
	for _, d := range pending {
		b.enqueue(q, d)
	}
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Chan) Cancel(tag string, noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	for _, q := range b.queues {
		for i, c := range q.consumers {
			if c.ch == ch && c.tag == tag {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				close(c.deliveries)
				break
			}
		}
	}
	return nil
}

// NotifyCancel implements rabbitmq.Channel
func (ch *Chan) NotifyCancel(c chan string) chan string {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.cancelChans = append(ch.cancelChans, c)
	return c
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Chan) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	b.route(exchange, key, msg)
	return nil
}

// Close implements rabbitmq.Channel
func (ch *Chan) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Chan) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker
	for _, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.ch == ch {
				close(c.deliveries)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
		// unacked deliveries go back to the queue
		for tag, in := range ch.inflight {
			if in.queue == q.name {
				d := in.delivery
				d.Redelivered = true
				q.pending = append(q.pending, d)
				delete(ch.inflight, tag)
			}
		}
	}
	for _, c := range ch.cancelChans {
		close(c)
	}
	ch.cancelChans = nil
}

// Ack implements amqp.Acknowledger
func (ch *Chan) Ack(tag uint64, multiple bool) error {
	return ch.conn.broker.settle(ch, tag, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Chan) Nack(tag uint64, multiple, requeue bool) error {
	return ch.conn.broker.settle(ch, tag, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.conn.broker.settle(ch, tag, false, requeue)
}

package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// DeadLetter names where rejected messages are routed. Zero value disables
// dead-lettering: rejected messages are dropped by the broker.
type DeadLetter struct {
	Exchange string
	Queue    string
}

// Enabled reports whether a dead-letter target is configured
func (d DeadLetter) Enabled() bool {
	return d.Exchange != "" && d.Queue != ""
}

// TopicBinding describes the queue a consumer needs on a topic exchange
type TopicBinding struct {
	Exchange   ExchangeDeclaration
	BindingKey string
	DeadLetter DeadLetter
}

// TopicExchange returns a topic exchange declaration. Durability must match
// the existing exchange or the broker refuses the declare with 406.
func TopicExchange(name string, durable bool) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    amqp.ExchangeTopic,
		Durable: durable,
	}
}

// Binder declares the exchange, a server-named exclusive queue and the
// binding for one consumer. It must run again on every new connection since
// exclusive queues die with the connection that declared them.
type Binder struct {
	binding TopicBinding
}

// NewBinder creates a binder for binding
func NewBinder(binding TopicBinding) (*Binder, error) {
	if binding.Exchange.Name == "" || binding.Exchange.Type == "" {
		return nil, fmt.Errorf("%w: exchange name and type are required", ErrInvalidTopology)
	}
	if binding.BindingKey == "" {
		return nil, fmt.Errorf("%w: binding key is required", ErrInvalidTopology)
	}
	if (binding.DeadLetter.Exchange == "") != (binding.DeadLetter.Queue == "") {
		return nil, fmt.Errorf("%w: dead-letter exchange and queue must be set together", ErrInvalidTopology)
	}
	return &Binder{binding: binding}, nil
}

// Bind declares the topology on ch and returns the generated queue name
func (b *Binder) Bind(ch Channel) (string, error) {
	ex := b.binding.Exchange
	if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, false, false, ex.Arguments); err != nil {
		return "", topologyErr("exchange", ex.Name, "declare", err)
	}

	var queueArgs amqp.Table
	if dl := b.binding.DeadLetter; dl.Enabled() {
		if err := b.declareDeadLetter(ch, dl); err != nil {
			return "", err
		}
		queueArgs = amqp.Table{
			"x-dead-letter-exchange":    dl.Exchange,
			"x-dead-letter-routing-key": dl.Queue,
		}
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		queueArgs,
	)
	if err != nil {
		return "", topologyErr("queue", "(server-named)", "declare", err)
	}

	if err := ch.QueueBind(q.Name, b.binding.BindingKey, ex.Name, false, nil); err != nil {
		return "", topologyErr("binding", q.Name+"->"+ex.Name, "bind", err)
	}

	return q.Name, nil
}

func (b *Binder) declareDeadLetter(ch Channel, dl DeadLetter) error {
	if err := ch.ExchangeDeclare(dl.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return topologyErr("exchange", dl.Exchange, "declare", err)
	}
	if _, err := ch.QueueDeclare(dl.Queue, true, false, false, false, nil); err != nil {
		return topologyErr("queue", dl.Queue, "declare", err)
	}
	// routing key is the queue name
	if err := ch.QueueBind(dl.Queue, dl.Queue, dl.Exchange, false, nil); err != nil {
		return topologyErr("binding", dl.Queue+"->"+dl.Exchange, "bind", err)
	}
	return nil
}

// topologyErr classifies a declaration failure: broker refusals are fatal
// TopologyErrors, anything else means the connection went away.
func topologyErr(component, name, op string, err error) error {
	if isBrokerRefusal(err) {
		return &TopologyError{
			Component: component,
			Name:      name,
			Op:        op,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return &ConnectionError{
		Op:        op + " " + component,
		Err:       err,
		Timestamp: time.Now(),
	}
}

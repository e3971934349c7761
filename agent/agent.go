package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
)

// Prompt is the text an agent receives for a message on topic
func Prompt(topic string, body []byte) string {
	return fmt.Sprintf("You received a message on the %s topic: %s", topic, body)
}

// Agent is a messaging.Handler that answers messages with a Responder
type Agent struct {
	id           string
	instructions string
	responder    Responder
	breaker      *reliability.CircuitBreaker
	out          io.Writer
	width        int
	logger       *slog.Logger
	mu           sync.Mutex
}

// Option configures an Agent
type Option func(*Agent)

// WithInstructions sets the system instructions given to the responder
func WithInstructions(instructions string) Option {
	return func(a *Agent) {
		a.instructions = instructions
	}
}

// WithOutput sets where response panels are written (default stdout)
func WithOutput(w io.Writer) Option {
	return func(a *Agent) {
		a.out = w
	}
}

// WithCircuitBreaker guards responder calls. While the circuit is open
// messages fail immediately without retries.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(a *Agent) {
		a.breaker = cb
	}
}

// WithPanelWidth fixes the panel width
func WithPanelWidth(width int) Option {
	return func(a *Agent) {
		a.width = width
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates an agent. A nil responder means EchoResponder.
func New(id string, responder Responder, options ...Option) *Agent {
	if responder == nil {
		responder = EchoResponder{}
	}
	a := &Agent{
		id:           id,
		instructions: DefaultInstructions(id, ""),
		responder:    responder,
		out:          os.Stdout,
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// DefaultInstructions describes the agent's role and id to the model
func DefaultInstructions(id, role string) string {
	if role == "" {
		return fmt.Sprintf("You are an agent. Your ID is %s.", id)
	}
	return fmt.Sprintf("You are an agent that writes %s. Your ID is %s.", role, id)
}

// ID returns the handler id the agent registers under
func (a *Agent) ID() string {
	return a.id
}

// Handle implements messaging.Handler
func (a *Agent) Handle(ctx context.Context, msg messaging.Message) error {
	prompt := Prompt(msg.Topic, msg.Body)
	a.logger.Debug("prompting agent", "agent", a.id, "topic", msg.Topic, "routingKey", msg.RoutingKey)

	reply, err := a.respond(ctx, prompt)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.id, err)
	}

	panel := ResponsePanel(msg.Topic, string(msg.Body), reply, a.width)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fmt.Fprintln(a.out, panel); err != nil {
		a.logger.Warn("failed to write response", "agent", a.id, "error", err)
	}
	return nil
}

func (a *Agent) respond(ctx context.Context, prompt string) (string, error) {
	if a.breaker == nil {
		return a.responder.Respond(ctx, a.instructions, prompt)
	}

	var reply string
	err := a.breaker.Execute(ctx, func() error {
		var err error
		reply, err = a.responder.Respond(ctx, a.instructions, prompt)
		return err
	})
	return reply, err
}

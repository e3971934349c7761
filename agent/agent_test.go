package agent

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockResponder struct {
	mock.Mock
}

func (m *mockResponder) Respond(ctx context.Context, instructions, prompt string) (string, error) {
	args := m.Called(ctx, instructions, prompt)
	return args.String(0), args.Error(1)
}

func TestPrompt(t *testing.T) {
	assert.Equal(t,
		"You received a message on the jokes topic: sunset",
		Prompt("jokes", []byte("sunset")))
}

func TestDefaultInstructions(t *testing.T) {
	assert.Equal(t, "You are an agent that writes poetry. Your ID is poetry_agent.", DefaultInstructions("poetry_agent", "poetry"))
	assert.Equal(t, "You are an agent. Your ID is x.", DefaultInstructions("x", ""))
}

func TestAgentHandle(t *testing.T) {
	responder := &mockResponder{}
	responder.On("Respond", mock.Anything,
		"You are an agent that writes jokes. Your ID is joking_agent.",
		"You received a message on the jokes topic: moonlight",
	).Return("Why did the moon skip dinner? It was full.", nil)

	var out bytes.Buffer
	a := New("joking_agent", responder,
		WithInstructions(DefaultInstructions("joking_agent", "jokes")),
		WithOutput(&out))
	assert.Equal(t, "joking_agent", a.ID())

	err := a.Handle(context.Background(), messaging.Message{
		Topic:      "jokes",
		RoutingKey: "jokes.random",
		Body:       []byte("moonlight"),
	})
	require.NoError(t, err)
	responder.AssertExpectations(t)

	rendered := out.String()
	assert.Contains(t, rendered, "JOKES Response")
	assert.Contains(t, rendered, "It was full.")
	assert.Contains(t, rendered, "Message: moonlight")
}

func TestAgentHandleResponderError(t *testing.T) {
	responder := &mockResponder{}
	responder.On("Respond", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("rate limited"))

	var out bytes.Buffer
	a := New("poetry_agent", responder, WithOutput(&out))

	err := a.Handle(context.Background(), messaging.Message{Topic: "poems", Body: []byte("breeze")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poetry_agent")
	assert.Contains(t, err.Error(), "rate limited")
	assert.Empty(t, out.String())
}

func TestAgentDefaultsToEcho(t *testing.T) {
	var out bytes.Buffer
	a := New("echo_agent", nil, WithOutput(&out))

	require.NoError(t, a.Handle(context.Background(), messaging.Message{Topic: "limericks", Body: []byte("dream")}))
	assert.Contains(t, out.String(), "LIMERICKS Response")
	assert.Contains(t, out.String(), "You received a message on the limericks topic: dream")
}

func TestPanel(t *testing.T) {
	rendered := Panel(PanelStatus, "Status", "Waiting for messages.", "", 0)
	lines := strings.Split(rendered, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, rendered, "Status")
	assert.Contains(t, rendered, "Waiting for messages.")

	// all lines share the box width
	for _, line := range lines[1:] {
		assert.Equal(t, lipgloss.Width(lines[0]), lipgloss.Width(line))
	}
}

func TestAgentCircuitBreaker(t *testing.T) {
	responder := &mockResponder{}
	responder.On("Respond", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("503 overloaded")).Twice()

	cb := reliability.NewCircuitBreaker(
		reliability.WithName("joking_agent"),
		reliability.WithFailureThreshold(2),
		reliability.WithOpenTimeout(time.Hour))
	a := New("joking_agent", responder, WithOutput(&bytes.Buffer{}), WithCircuitBreaker(cb))
	msg := messaging.Message{Topic: "jokes", Body: []byte("dream")}

	require.Error(t, a.Handle(context.Background(), msg))
	require.Error(t, a.Handle(context.Background(), msg))
	assert.Equal(t, reliability.StateOpen, cb.State())

	// the open circuit fails fast without calling the model
	err := a.Handle(context.Background(), msg)
	require.ErrorIs(t, err, reliability.ErrCircuitOpen)
	var cbErr *reliability.CircuitBreakerError
	require.ErrorAs(t, err, &cbErr)
	assert.False(t, cbErr.IsRetryable())
	responder.AssertNumberOfCalls(t, "Respond", 2)
}

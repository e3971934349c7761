package messaging_test

import (
	"testing"
	"time"

	"github.com/glimte/agentbus/internal/rabbitmq/rabbitmqtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTopicsText(t *testing.T) {
	r := newRegistry(t, rabbitmqtest.NewBroker())

	want := "jokes: A topic for receiving and generating jokes\n" +
		"poems: A topic for receiving and generating poems\n" +
		"limericks: A topic for receiving and generating limericks"
	assert.Equal(t, want, r.ListTopicsText())
}

func TestSubscribeToTopic(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	r := newRegistry(t, broker)
	require.NoError(t, r.Register("poetry_agent", &recordingHandler{}))

	tests := []struct {
		name      string
		handlerID string
		topic     string
		want      string
	}{
		{"success", "poetry_agent", "poems", "Subscribed to poems for agent poetry_agent"},
		{"repeat", "poetry_agent", "poems", "Subscribed to poems for agent poetry_agent"},
		{"unknown agent", "ghost_handler", "jokes", "Error: Agent ghost_handler not found in registry"},
		{"unknown topic", "poetry_agent", "haiku", "Error: Topic haiku not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.SubscribeToTopic(tt.handlerID, tt.topic))
		})
	}

	require.True(t, broker.WaitForConsumers(1, time.Second))
	assert.Len(t, r.Subscriptions(), 1)
}

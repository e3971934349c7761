package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/agentbus/config"
	"github.com/glimte/agentbus/internal/rabbitmq"
	"github.com/glimte/agentbus/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, g *globalOptions, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvAMQPURL, "")
	var out, errOut bytes.Buffer
	cmd := newRootCmd(g)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// bindQueue creates a queue bound to key so published messages can be counted
func bindQueue(t *testing.T, broker *rabbitmqtest.Broker, key string) string {
	t.Helper()
	conn, err := broker.Dial("amqp://localhost", amqp.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)

	binder, err := rabbitmq.NewBinder(rabbitmq.TopicBinding{
		Exchange:   rabbitmq.TopicExchange("agent_exchange", false),
		BindingKey: key,
	})
	require.NoError(t, err)
	queue, err := binder.Bind(ch)
	require.NoError(t, err)
	return queue
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "topic", "jokes")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "jokes", entry["topic"])

	_, err = newLogger(config.LoggingConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestAgentTitle(t *testing.T) {
	assert.Equal(t, "Poetry Agent", agentTitle("poetry_agent"))
	assert.Equal(t, "Joking Agent", agentTitle("joking-agent"))
	assert.Equal(t, "Solo", agentTitle("solo"))
	assert.Equal(t, "Élan Ödön", agentTitle("élan_ödön"))
	assert.Equal(t, "Émile", agentTitle("__émile"))
}

func TestInstructions(t *testing.T) {
	assert.Equal(t, "You are an agent that writes poetry. Your ID is poetry_agent.",
		instructions(config.AgentConfig{ID: "poetry_agent", Role: "poetry"}))
	assert.Equal(t, "custom", instructions(config.AgentConfig{ID: "x", Instructions: "custom"}))
}

func TestTopicsCommand(t *testing.T) {
	out, err := execute(t, &globalOptions{}, "topics")
	require.NoError(t, err)
	assert.Contains(t, out, "jokes: A topic for receiving and generating jokes")
	assert.Contains(t, out, "limericks: A topic for receiving and generating limericks")
}

func TestPublishCommand(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	queue := bindQueue(t, broker, "jokes.*")

	out, err := execute(t, &globalOptions{dialer: broker.Dial}, "publish", "jokes.random", "sunset")
	require.NoError(t, err)
	assert.Equal(t, " [x] Sent jokes.random:sunset\n", out)
	assert.Equal(t, 1, broker.Pending(queue))
}

func TestPublishRandom(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	jokes := bindQueue(t, broker, "jokes.*")
	poems := bindQueue(t, broker, "poems.*")
	limericks := bindQueue(t, broker, "limericks.*")

	out, err := execute(t, &globalOptions{dialer: broker.Dial}, "publish", "--random")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], " [x] Sent jokes.random:"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], " [x] Sent poems.random:"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], " [x] Sent limericks.random:"), lines[2])
	for _, line := range lines {
		word := line[strings.LastIndex(line, ":")+1:]
		assert.Contains(t, randomWords, word)
	}
	assert.Equal(t, 1, broker.Pending(jokes))
	assert.Equal(t, 1, broker.Pending(poems))
	assert.Equal(t, 1, broker.Pending(limericks))
}

func TestPublishArgs(t *testing.T) {
	_, err := execute(t, &globalOptions{dialer: rabbitmqtest.NewBroker().Dial}, "publish", "jokes.random")
	assert.Error(t, err)

	_, err = execute(t, &globalOptions{dialer: rabbitmqtest.NewBroker().Dial}, "publish", "--random", "extra")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	cfg := config.Default()
	cfg.Reconnect.InitialDelay = 5 * time.Millisecond
	cfg.Reconnect.MaxDelay = 10 * time.Millisecond
	logger, err := newLogger(cfg.Logging, &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, &globalOptions{dialer: broker.Dial}, logger, out, runOptions{shutdownTimeout: time.Second})
	}()

	// poetry_agent on poems and limericks, joking_agent on jokes
	require.True(t, broker.WaitForConsumers(3, 2*time.Second))
	assert.Contains(t, out.String(), "Subscribed to poems for agent poetry_agent")
	assert.Contains(t, out.String(), "Subscribed to jokes for agent joking_agent")

	broker.Publish("agent_exchange", "jokes.random", []byte("whisper"))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "JOKES Response")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), "You received a message on the jokes topic: whisper")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Contains(t, out.String(), "Shutting down...")
	assert.Zero(t, broker.OpenConnections())
}

func TestNewMux(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	catalog, err := config.Default().Catalog()
	require.NoError(t, err)

	registry := messaging.NewRegistry(catalog, messaging.WithDialer(broker.Dial))
	defer registry.Shutdown(context.Background())

	cb := reliability.NewCircuitBreaker(reliability.WithName("joking_agent"))
	mux := newMux(prometheus.NewRegistry(), registry, []*reliability.CircuitBreaker{cb})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	// nothing subscribed yet
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusOK, get("/livez").Code)

	require.NoError(t, registry.Register("joking_agent", messaging.HandlerFunc(func(ctx context.Context, msg messaging.Message) error {
		return nil
	})))
	_, err = registry.Subscribe("joking_agent", "jokes")
	require.NoError(t, err)
	require.True(t, broker.WaitForConsumers(1, 2*time.Second))

	rec := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.NotEqual(t, "unhealthy", report.Status)
	require.Contains(t, report.Checks, "subscriptions")
	assert.Equal(t, "healthy", report.Checks["subscriptions"]["status"])
	assert.Equal(t, "healthy", report.Checks["responders"]["status"])

	assert.Equal(t, http.StatusOK, get("/readyz").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)
}

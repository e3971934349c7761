package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/agentbus/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ rabbitmq.MetricsRecorder = (*Recorder)(nil)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	const label = "joking_agent/jokes"
	r.ConnectionState(label, true)
	r.MessageReceived(label)
	r.MessageReceived(label)
	r.MessageAcked(label)
	r.MessageRejected(label)
	r.Reconnect(label)
	r.HandlerDuration(label, 150*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.connectionUp.WithLabelValues(label)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.received.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.acked.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconnects.WithLabelValues(label)))
	assert.Equal(t, 1, testutil.CollectAndCount(r.handlerDuration))

	r.ConnectionState(label, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.connectionUp.WithLabelValues(label)))
}

func TestNewRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder(reg)
	require.NoError(t, err)

	_, err = NewRecorder(reg)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)
	r.MessageAcked("poetry_agent/poems")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `agentbus_messages_acked_total{subscription="poetry_agent/poems"} 1`)
}

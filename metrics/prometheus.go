// Package metrics exports subscription and dispatch metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentbus"

// Recorder implements the consumer and supervisor metrics hooks with
// Prometheus collectors labelled by subscription ("handler/topic").
type Recorder struct {
	connectionUp    *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	received        *prometheus.CounterVec
	acked           *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with reg
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	labels := []string{"subscription"}
	r := &Recorder{
		connectionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the subscription holds an open broker connection",
		}, labels),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a lost or failed connection",
		}, labels),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered to the subscription",
		}, labels),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged after successful handling",
		}, labels),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Messages rejected after the handler failed",
		}, labels),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler time per message including retries",
			Buckets:   prometheus.DefBuckets,
		}, labels),
	}

	for _, c := range []prometheus.Collector{r.connectionUp, r.reconnects, r.received, r.acked, r.rejected, r.handlerDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ConnectionState(label string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	r.connectionUp.WithLabelValues(label).Set(v)
}

func (r *Recorder) Reconnect(label string) {
	r.reconnects.WithLabelValues(label).Inc()
}

func (r *Recorder) MessageReceived(label string) {
	r.received.WithLabelValues(label).Inc()
}

func (r *Recorder) MessageAcked(label string) {
	r.acked.WithLabelValues(label).Inc()
}

func (r *Recorder) MessageRejected(label string) {
	r.rejected.WithLabelValues(label).Inc()
}

func (r *Recorder) HandlerDuration(label string, d time.Duration) {
	r.handlerDuration.WithLabelValues(label).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

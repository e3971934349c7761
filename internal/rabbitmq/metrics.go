package rabbitmq

import "time"

// MetricsRecorder receives connection and delivery events. Labels identify
// the consumer unit (for example "poetry_agent/poems").
type MetricsRecorder interface {
	ConnectionState(label string, connected bool)
	Reconnect(label string)
	MessageReceived(label string)
	MessageAcked(label string)
	MessageRejected(label string)
	HandlerDuration(label string, d time.Duration)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) ConnectionState(string, bool)          {}
func (NopRecorder) Reconnect(string)                      {}
func (NopRecorder) MessageReceived(string)                {}
func (NopRecorder) MessageAcked(string)                   {}
func (NopRecorder) MessageRejected(string)                {}
func (NopRecorder) HandlerDuration(string, time.Duration) {}

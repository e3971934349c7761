package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a supervised connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// SessionFunc runs on an established connection until the connection fails
// or ctx is cancelled. A fatal error (see IsFatal) ends supervision.
type SessionFunc func(ctx context.Context, conn Connection) error

// Supervisor owns one broker connection at a time and reconnects with
// backoff until its Run context is cancelled.
type Supervisor struct {
	url            string
	dialer         Dialer
	config         amqp.Config
	connectTimeout time.Duration
	backoff        reliability.RetryPolicy
	logger         *slog.Logger
	recorder       MetricsRecorder
	label          string

	mu      sync.RWMutex
	state   State
	attempt int

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the Supervisor
type ConnectionOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, mainly for tests.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(s *Supervisor) {
		s.dialer = dialer
	}
}

// WithReconnectPolicy sets the backoff used between connection attempts.
// Only NextDelay is consulted; reconnection never gives up.
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(s *Supervisor) {
		s.backoff = policy
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(s *Supervisor) {
		s.config.Heartbeat = interval
	}
}

// WithConnectionName sets the client-provided connection name shown by the broker
func WithConnectionName(name string) ConnectionOption {
	return func(s *Supervisor) {
		s.config.Properties["connection_name"] = name
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(s *Supervisor) {
		s.connectTimeout = timeout
	}
}

// WithMetricsRecorder sets the recorder for reconnect and state metrics
func WithMetricsRecorder(recorder MetricsRecorder, label string) ConnectionOption {
	return func(s *Supervisor) {
		s.recorder = recorder
		s.label = label
	}
}

// NewSupervisor creates a connection supervisor for url
func NewSupervisor(url string, options ...ConnectionOption) *Supervisor {
	s := &Supervisor{
		url:    url,
		dialer: DialAMQP,
		config: amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.Table{"connection_name": "agentbus-" + uuid.NewString()},
		},
		connectTimeout: 30 * time.Second,
		backoff:        reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2.0, reliability.Unlimited),
		logger:         slog.Default(),
		recorder:       NopRecorder{},
		state:          StateIdle,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Connect dials the broker once
func (s *Supervisor) Connect(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := s.dialer(s.url, s.config)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(s.url),
				Err:       res.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}
		return res.conn, nil

	case <-connCtx.Done():
		// Close a connection that arrives after we gave up on it
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// Run connects, runs session on every established connection and reconnects
// after failures. It returns nil once ctx is cancelled, or the first fatal
// error returned by Connect or session.
func (s *Supervisor) Run(ctx context.Context, session SessionFunc) error {
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateConnecting)
		conn, err := s.Connect(ctx)
		if err == nil {
			s.setState(StateConnected)
			s.logger.Info("connected to RabbitMQ", "url", SanitizeURL(s.url))
			s.notifyConnected()

			err = s.runSession(ctx, conn, session)
			if ctx.Err() != nil {
				return nil
			}
			if IsFatal(err) {
				s.logger.Error("session failed permanently", "error", err)
				return err
			}
		}

		s.setState(StateDisconnected)
		s.notifyDisconnected(err)

		attempt := s.nextAttempt()
		delay := s.reconnectDelay(attempt)
		s.logger.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", attempt+1,
			"nextRetryIn", delay)
		s.recorder.Reconnect(s.label)

		if !reliability.Sleep(ctx, delay) {
			return nil
		}
		s.notifyReconnecting(attempt + 1)
	}
}

// runSession runs session and guarantees the connection is closed afterwards.
// The connection's close notification cancels the session context.
func (s *Supervisor) runSession(ctx context.Context, conn Connection, session SessionFunc) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		if !conn.IsClosed() {
			if err := conn.Close(); err != nil {
				s.logger.Debug("closing connection", "error", err)
			}
		}
	}()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	var closeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				closeErr = amqpErr
			}
			cancel()
		case <-sessionCtx.Done():
		}
	}()

	err := session(sessionCtx, conn)
	cancel()
	wg.Wait()

	if err == nil && ctx.Err() == nil {
		err = ErrConnectionClosed
	}
	if closeErr != nil && (err == nil || IsRetryable(err)) {
		err = &ConnectionError{Op: "session", URL: SanitizeURL(s.url), Err: closeErr, Timestamp: time.Now()}
	}
	return err
}

// ResetBackoff restarts the reconnect schedule; called once a session
// reached the consuming state.
func (s *Supervisor) ResetBackoff() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

func (s *Supervisor) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt := s.attempt
	s.attempt++
	return attempt
}

// reconnectDelay never returns zero so a failing broker is not hammered.
func (s *Supervisor) reconnectDelay(attempt int) time.Duration {
	delay := s.backoff.NextDelay(attempt)
	if delay < minReconnectDelay {
		delay = minReconnectDelay
	}
	return delay
}

const minReconnectDelay = 10 * time.Millisecond

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns the connection status
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.recorder.ConnectionState(s.label, state == StateConnected)
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.stateListeners = append(s.stateListeners, listener)
}

func (s *Supervisor) listeners() []ConnectionStateListener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), s.stateListeners...)
}

// Listeners are called synchronously on the supervision goroutine and must not block.
func (s *Supervisor) notifyConnected() {
	for _, listener := range s.listeners() {
		listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	for _, listener := range s.listeners() {
		listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	for _, listener := range s.listeners() {
		listener.OnReconnecting(attempt)
	}
}

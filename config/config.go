// Package config loads agentbus configuration from YAML.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/glimte/agentbus/internal/rabbitmq"
	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
)

// EnvAMQPURL overrides the broker settings with a complete AMQP URL
const EnvAMQPURL = "AGENTBUS_AMQP_URL"

// Config is the agentbus configuration
type Config struct {
	Broker   Broker `yaml:"broker"`
	Exchange string `yaml:"exchange"`

	// ExchangeDurable must match an exchange that already exists on the
	// broker; senders declare agent_exchange non-durable.
	ExchangeDurable bool `yaml:"exchange_durable"`

	DeadLetter DeadLetterConfig  `yaml:"dead_letter"`
	Topics     []messaging.Topic `yaml:"topics"`
	Agents     []AgentConfig     `yaml:"agents"`
	Consumer   ConsumerConfig    `yaml:"consumer"`
	Reconnect  ReconnectConfig   `yaml:"reconnect"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// Broker holds the RabbitMQ connection parameters
type Broker struct {
	URL            string        `yaml:"url"` // Complete AMQP URL; other fields are ignored when set
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	VHost          string        `yaml:"vhost"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ConnectionName string        `yaml:"connection_name"` // Shown in the management UI; generated if empty
}

// DeadLetterConfig enables dead-lettering of rejected messages
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// AgentConfig declares one agent and the topics it subscribes to at startup
type AgentConfig struct {
	ID           string          `yaml:"id"`
	Role         string          `yaml:"role"`         // e.g. "poetry", used for default instructions
	Instructions string          `yaml:"instructions"` // Overrides the role-based instructions
	Topics       []string        `yaml:"topics"`
	Responder    ResponderConfig `yaml:"responder"`
}

// ResponderConfig selects the model behind an agent
type ResponderConfig struct {
	Provider    string  `yaml:"provider"` // echo, openai, anthropic
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int64   `yaml:"max_tokens"`

	// Hosted providers are guarded by a circuit breaker
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// Hosted reports whether the responder calls a remote model API
func (r ResponderConfig) Hosted() bool {
	return r.Provider == "openai" || r.Provider == "anthropic"
}

// CircuitBreaker builds the breaker guarding a hosted responder. Zero
// values fall back to the breaker defaults.
func (r ResponderConfig) CircuitBreaker(name string, options ...reliability.CircuitBreakerOption) *reliability.CircuitBreaker {
	opts := []reliability.CircuitBreakerOption{reliability.WithName(name)}
	if r.FailureThreshold > 0 {
		opts = append(opts, reliability.WithFailureThreshold(r.FailureThreshold))
	}
	if r.OpenTimeout > 0 {
		opts = append(opts, reliability.WithOpenTimeout(r.OpenTimeout))
	}
	return reliability.NewCircuitBreaker(append(opts, options...)...)
}

// ConsumerConfig tunes the dispatch loop of every subscription
type ConsumerConfig struct {
	Prefetch       int           `yaml:"prefetch"`
	Concurrency    int           `yaml:"concurrency"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"` // 0 disables
	HandlerRetries int           `yaml:"handler_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	TagPrefix      string        `yaml:"tag_prefix"` // consumer tag prefix shown by the broker
}

// ReconnectConfig is the exponential reconnect backoff
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Empty disables the endpoint
}

// Default returns the built-in configuration: a local broker, the jokes,
// poems and limericks topics, and one poetry and one joking agent.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Host:           "localhost",
			Port:           5672,
			VHost:          "/",
			User:           "guest",
			Password:       "guest",
			Heartbeat:      10 * time.Second,
			ConnectTimeout: 30 * time.Second,
		},
		Exchange: messaging.DefaultExchange,
		Topics:   messaging.DefaultTopics(),
		Agents: []AgentConfig{
			{ID: "poetry_agent", Role: "poetry", Topics: []string{"poems", "limericks"}},
			{ID: "joking_agent", Role: "jokes", Topics: []string{"jokes"}},
		},
		Consumer: ConsumerConfig{
			Prefetch:       1,
			Concurrency:    1,
			HandlerRetries: 2,
			RetryDelay:     100 * time.Millisecond,
			TagPrefix:      "agentbus",
		},
		Reconnect: ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads only the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := DecodeStrict(f, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment variable overrides
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAMQPURL); v != "" {
		c.Broker.URL = v
	}
}

// AMQPURL returns the broker URL
func (b Broker) AMQPURL() string {
	if b.URL != "" {
		return b.URL
	}
	vhost := ""
	if b.VHost != "" && b.VHost != "/" {
		vhost = url.PathEscape(b.VHost)
	}
	return fmt.Sprintf("amqp://%s@%s/%s",
		url.UserPassword(b.User, b.Password).String(),
		net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
		vhost)
}

// ConnectionOptions returns the supervisor options for the broker settings
func (b Broker) ConnectionOptions() []rabbitmq.ConnectionOption {
	var opts []rabbitmq.ConnectionOption
	if b.Heartbeat > 0 {
		opts = append(opts, rabbitmq.WithHeartbeat(b.Heartbeat))
	}
	if b.ConnectTimeout > 0 {
		opts = append(opts, rabbitmq.WithConnectTimeout(b.ConnectTimeout))
	}
	if b.ConnectionName != "" {
		opts = append(opts, rabbitmq.WithConnectionName(b.ConnectionName))
	}
	return opts
}

// Options returns the dispatch loop options
func (c ConsumerConfig) Options() []rabbitmq.ConsumerOption {
	retry := reliability.NoRetry()
	if c.HandlerRetries > 0 {
		retry = reliability.NewExponentialBackoff(c.RetryDelay, 20*c.RetryDelay, 2.0, c.HandlerRetries)
	}
	opts := []rabbitmq.ConsumerOption{
		rabbitmq.WithPrefetchCount(c.Prefetch),
		rabbitmq.WithConcurrency(c.Concurrency),
		rabbitmq.WithHandlerTimeout(c.HandlerTimeout),
		rabbitmq.WithHandlerRetryPolicy(retry),
	}
	if c.TagPrefix != "" {
		opts = append(opts, rabbitmq.WithConsumerTag(c.TagPrefix))
	}
	return opts
}

// Policy returns the reconnect backoff; reconnecting never gives up
func (r ReconnectConfig) Policy() reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(r.InitialDelay, r.MaxDelay, r.Multiplier, reliability.Unlimited)
}

// DeadLetter returns the dead-letter target, disabled when unset
func (d DeadLetterConfig) DeadLetter() rabbitmq.DeadLetter {
	return rabbitmq.DeadLetter{Exchange: d.Exchange, Queue: d.Queue}
}

// Catalog builds the topic catalog
func (c *Config) Catalog() (*messaging.Catalog, error) {
	return messaging.NewCatalog(c.Topics...)
}

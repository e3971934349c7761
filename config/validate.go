package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g. "agents[0].topics[1]"
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks the whole config and returns every problem found
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateBroker()...)
	errs = append(errs, c.validateTopology()...)
	errs = append(errs, c.validateAgents()...)
	errs = append(errs, c.validateConsumer()...)
	errs = append(errs, c.validateReconnect()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

// Check is Validate folded into one error
func (c *Config) Check() error {
	return errors.Join(c.Validate()...)
}

func (c *Config) validateBroker() []error {
	b := c.Broker
	if b.URL != "" {
		if !strings.HasPrefix(b.URL, "amqp://") && !strings.HasPrefix(b.URL, "amqps://") {
			return []error{ValidationError{Path: "broker.url", Message: "must use the amqp or amqps scheme"}}
		}
		return nil
	}

	var errs []error
	if b.Host == "" {
		errs = append(errs, ValidationError{Path: "broker.host", Message: "must not be empty"})
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, ValidationError{
			Path:    "broker.port",
			Message: fmt.Sprintf("invalid port %d", b.Port),
			Hint:    "RabbitMQ listens on 5672 by default",
		})
	}
	if b.Heartbeat < 0 {
		errs = append(errs, ValidationError{Path: "broker.heartbeat", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateTopology() []error {
	var errs []error
	if c.Exchange == "" {
		errs = append(errs, ValidationError{Path: "exchange", Message: "must not be empty"})
	}
	if (c.DeadLetter.Exchange == "") != (c.DeadLetter.Queue == "") {
		errs = append(errs, ValidationError{
			Path:    "dead_letter",
			Message: "exchange and queue must be set together",
		})
	}
	if len(c.Topics) == 0 {
		errs = append(errs, ValidationError{Path: "topics", Message: "must not be empty"})
	}
	if _, err := c.Catalog(); err != nil {
		errs = append(errs, ValidationError{Path: "topics", Message: err.Error()})
	}
	return errs
}

func (c *Config) validateAgents() []error {
	var errs []error
	topics := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		topics[t.Name] = true
	}

	seen := make(map[string]bool)
	for i, a := range c.Agents {
		path := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, ValidationError{Path: path + ".id", Message: "must not be empty"})
		} else if seen[a.ID] {
			errs = append(errs, ValidationError{Path: path + ".id", Message: fmt.Sprintf("duplicate agent %q", a.ID)})
		}
		seen[a.ID] = true

		for j, name := range a.Topics {
			if !topics[name] {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("%s.topics[%d]", path, j),
					Message: fmt.Sprintf("unknown topic %q", name),
				})
			}
		}

		switch a.Responder.Provider {
		case "", "echo", "openai", "anthropic":
		default:
			errs = append(errs, ValidationError{
				Path:    path + ".responder.provider",
				Message: fmt.Sprintf("unsupported provider %q", a.Responder.Provider),
				Hint:    "expected echo, openai or anthropic",
			})
		}
		if a.Responder.FailureThreshold < 0 {
			errs = append(errs, ValidationError{Path: path + ".responder.failure_threshold", Message: "must not be negative"})
		}
		if a.Responder.OpenTimeout < 0 {
			errs = append(errs, ValidationError{Path: path + ".responder.open_timeout", Message: "must not be negative"})
		}
	}
	return errs
}

func (c *Config) validateConsumer() []error {
	var errs []error
	cc := c.Consumer
	if cc.Concurrency < 1 {
		errs = append(errs, ValidationError{Path: "consumer.concurrency", Message: "must be at least 1"})
	}
	if cc.Prefetch < 0 {
		errs = append(errs, ValidationError{Path: "consumer.prefetch", Message: "must not be negative"})
	}
	if cc.HandlerRetries < 0 {
		errs = append(errs, ValidationError{Path: "consumer.handler_retries", Message: "must not be negative"})
	}
	if cc.HandlerRetries > 0 && cc.RetryDelay <= 0 {
		errs = append(errs, ValidationError{Path: "consumer.retry_delay", Message: "must be positive when retries are enabled"})
	}
	if cc.HandlerTimeout < 0 {
		errs = append(errs, ValidationError{Path: "consumer.handler_timeout", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateReconnect() []error {
	var errs []error
	r := c.Reconnect
	if r.InitialDelay <= 0 {
		errs = append(errs, ValidationError{Path: "reconnect.initial_delay", Message: "must be positive"})
	}
	if r.MaxDelay < r.InitialDelay {
		errs = append(errs, ValidationError{Path: "reconnect.max_delay", Message: "must not be below initial_delay"})
	}
	if r.Multiplier < 1 {
		errs = append(errs, ValidationError{Path: "reconnect.multiplier", Message: "must be at least 1"})
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, ValidationError{Path: "logging.level", Message: err.Error(), Hint: "expected debug, info, warn or error"})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{Path: "logging.format", Message: fmt.Sprintf("unsupported format %q", c.Logging.Format), Hint: "expected text or json"})
	}
	return errs
}

// SlogLevel parses Level
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

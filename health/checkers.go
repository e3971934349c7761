package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/agentbus/internal/reliability"
	"github.com/glimte/agentbus/messaging"
	"github.com/mackerelio/go-osstat/memory"
)

// SubscriptionSource lists the live subscriptions, see messaging.Registry
type SubscriptionSource interface {
	Subscriptions() []messaging.Subscription
}

// SubscriptionChecker reports on every subscription of a registry. It is
// healthy when all are consuming, degraded while some reconnect and
// unhealthy when one failed permanently or none exist.
type SubscriptionChecker struct {
	source SubscriptionSource
}

// NewSubscriptionChecker creates a checker over source
func NewSubscriptionChecker(source SubscriptionSource) *SubscriptionChecker {
	return &SubscriptionChecker{source: source}
}

func (c *SubscriptionChecker) Name() string {
	return "subscriptions"
}

func (c *SubscriptionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	subs := c.source.Subscriptions()

	result := CheckResult{
		Status:    StatusHealthy,
		Details:   make(map[string]any, len(subs)),
		Timestamp: start,
	}

	var connected, failed int
	for _, s := range subs {
		key := s.HandlerID + "/" + s.Topic
		result.Details[key] = s.State
		switch s.State {
		case "connected":
			connected++
		case messaging.StateFailed:
			failed++
		}
	}

	switch {
	case len(subs) == 0:
		result.Status = StatusUnhealthy
		result.Message = "no subscriptions"
	case failed > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d subscriptions failed", failed, len(subs))
	case connected < len(subs):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d subscriptions connected", connected, len(subs))
	default:
		result.Message = fmt.Sprintf("%d subscriptions connected", len(subs))
	}

	result.Duration = time.Since(start)
	return result
}

// BreakerChecker reports degraded while any circuit breaker is not closed.
// An open responder only affects its own agent so it never makes the
// process unhealthy.
type BreakerChecker struct {
	breakers []*reliability.CircuitBreaker
}

// NewBreakerChecker creates a checker over breakers
func NewBreakerChecker(breakers ...*reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breakers: breakers}
}

func (c *BreakerChecker) Name() string {
	return "responders"
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Status:    StatusHealthy,
		Details:   make(map[string]any, len(c.breakers)),
		Timestamp: start,
	}

	var open int
	for _, cb := range c.breakers {
		state := cb.State()
		result.Details[cb.Name()] = state.String()
		if state != reliability.StateClosed {
			open++
		}
	}
	if open > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d circuit breakers not closed", open)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags runaway goroutine counts and, when a memory
// threshold is set, system memory pressure
type RuntimeChecker struct {
	warn, critical int
	memoryPercent  float64
}

// RuntimeOption configures a RuntimeChecker
type RuntimeOption func(*RuntimeChecker)

// WithMemoryThreshold degrades the check once system memory usage exceeds
// percent. Zero disables the memory check.
func WithMemoryThreshold(percent float64) RuntimeOption {
	return func(c *RuntimeChecker) {
		c.memoryPercent = percent
	}
}

// NewRuntimeChecker creates a checker that degrades above warn and turns
// unhealthy above critical goroutines
func NewRuntimeChecker(warn, critical int, options ...RuntimeOption) *RuntimeChecker {
	c := &RuntimeChecker{warn: warn, critical: critical}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()

	result := CheckResult{
		Status: StatusHealthy,
		Details: map[string]any{
			"goroutines": n,
			"heap_mb":    float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":    m.NumGC,
		},
		Timestamp: start,
	}

	// memory.Get is not supported on every platform
	if mem, err := memory.Get(); err == nil && mem.Total > 0 {
		used := float64(mem.Used) / float64(mem.Total) * 100
		result.Details["memory_used_percent"] = used
		if c.memoryPercent > 0 && used > c.memoryPercent {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("system memory at %.1f%%", used)
		}
	}

	switch {
	case n > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", n)
	case n > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", n)
	}

	result.Duration = time.Since(start)
	return result
}

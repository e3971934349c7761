// Package health aggregates component checks and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse returns the more severe of two statuses
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// CheckResult is the result of a single check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Report is the combined result of all registered checks
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker checks one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type checkerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// CheckerFunc adapts fn to a Checker called name
func CheckerFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return checkerFunc{name: name, fn: fn}
}

func (c checkerFunc) Name() string                          { return c.name }
func (c checkerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// Registry holds the checkers behind the health endpoints
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a registry with the given checkers
func NewRegistry(checkers ...Checker) *Registry {
	r := &Registry{checkers: make(map[string]Checker)}
	for _, c := range checkers {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a checker by name
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs all checkers concurrently. Checks still running when ctx is
// done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			res := c.Check(ctx)
			res.Name = c.Name()
			results <- res
		}(c)
	}

	report := Report{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(checkers))}

collect:
	for range checkers {
		select {
		case res := <-results:
			report.Checks[res.Name] = res
			report.Status = worse(report.Status, res.Status)
		case <-ctx.Done():
			for _, c := range checkers {
				if _, ok := report.Checks[c.Name()]; !ok {
					report.Checks[c.Name()] = CheckResult{
						Name:      c.Name(),
						Status:    StatusUnhealthy,
						Message:   "check timed out: " + ctx.Err().Error(),
						Duration:  time.Since(start),
						Timestamp: time.Now(),
					}
				}
			}
			report.Status = StatusUnhealthy
			break collect
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the full report as JSON. Unhealthy reports are answered
// with 503, degraded ones with 200.
func Handler(r *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		report := r.Check(ctx)

		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
}

// ReadinessHandler answers "ready" unless the report is unhealthy
func ReadinessHandler(r *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()

		if r.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers "alive"
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

// Mux is implemented by *http.ServeMux and chi.Router
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Mount registers /healthz, /readyz and /livez on mux
func Mount(mux Mux, r *Registry, timeout time.Duration) {
	mux.Handle("/healthz", Handler(r, timeout))
	mux.Handle("/readyz", ReadinessHandler(r, timeout))
	mux.Handle("/livez", LivenessHandler())
}

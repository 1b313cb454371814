// Package health reports whether pinrpc actors are serving. A Registry runs
// its checkers concurrently and folds their results into one Report, which
// Handler serves as JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s ranks below other.
func (s Status) worse(other Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[s] > rank[other]
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Report aggregates every check. Its status is the worst of its checks.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// Checker performs one health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a named checker from fn.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string { return c.name }

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	r := c.fn(ctx)
	if r.Name == "" {
		r.Name = c.name
	}
	return r
}

// Registry holds the checkers of a process.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds c, replacing any checker with the same name.
func (r *Registry) Register(c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[c.Name()] = c
}

// Unregister removes the checker called name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names, sorted.
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

// Check runs every checker concurrently. A checker still running when ctx
// ends is reported unhealthy. An empty registry is healthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(checkers))
	)
	g := new(errgroup.Group)
	for _, c := range checkers {
		g.Go(func() error {
			done := make(chan CheckResult, 1)
			go func() { done <- c.Check(ctx) }()

			var result CheckResult
			select {
			case result = <-done:
			case <-ctx.Done():
				result = CheckResult{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Error:     ctx.Err().Error(),
					Duration:  time.Since(start),
					Timestamp: time.Now(),
				}
			}
			mu.Lock()
			checks[c.Name()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := StatusHealthy
	for _, result := range checks {
		if result.Status.worse(status) {
			status = result.Status
		}
	}
	return Report{
		Status:    status,
		Checks:    checks,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
}

// Handler serves the registry's report as JSON. Unhealthy reports answer
// 503; degraded ones still answer 200.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a handler that bounds each report by timeout.
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		http.Error(w, "failed to encode health report", http.StatusInternalServerError)
	}
}

// Package health reports whether an RPC client can still complete round trips.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a health check
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity orders statuses so the worst one wins
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the result of one checker
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// Checker checks one component
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of every registered checker
type Report struct {
	Status  Status        `json:"status"`
	Checks  []CheckResult `json:"checks"`
	Elapsed time.Duration `json:"elapsed"`
}

// Registry runs a set of checkers together
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks are bounded by timeout
func NewRegistry(timeout time.Duration, checkers ...Checker) *Registry {
	return &Registry{
		checkers: checkers,
		timeout:  timeout,
	}
}

// Register adds a checker
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checker)
}

// Check runs all checkers concurrently. The report status is the worst individual status.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	results := make([]CheckResult, len(checkers))

	// failures land in results and every goroutine returns nil, so Wait only joins
	var g errgroup.Group
	for i, checker := range checkers {
		g.Go(func() error {
			results[i] = checker.Check(ctx)
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:  StatusHealthy,
		Checks:  results,
		Elapsed: time.Since(start),
	}
	for _, res := range results {
		if res.Status.severity() > report.Status.severity() {
			report.Status = res.Status
		}
	}
	return report
}

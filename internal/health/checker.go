// Package health runs the preflight checks that must pass before a run starts.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is implemented by alignment backends to verify that the
// external tool can be invoked.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the outcome of a check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of one named check.
type CheckResult struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
	err      error
}

// Response aggregates the results of all checks.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if every check passed.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Err joins the errors of failed checks in check name order, or returns nil.
// The joined error keeps each check's error chain for errors.Is.
func (r *Response) Err() error {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if res := r.Checks[name]; res.err != nil {
			errs = append(errs, fmt.Errorf("preflight %s: %w", name, res.err))
		}
	}
	return errors.Join(errs...)
}

// Checker runs a set of named checks concurrently, each under its own timeout.
type Checker struct {
	timeout time.Duration

	mu     sync.Mutex
	checks map[string]ReadinessChecker
}

// NewChecker creates a checker with a per-check timeout (default: 30s).
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Checker{
		timeout: timeout,
		checks:  make(map[string]ReadinessChecker),
	}
}

// Add registers a check under name, replacing any previous check with that name.
// A nil check is reported unhealthy when run.
func (c *Checker) Add(name string, check ReadinessChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every registered check and waits for all of them.
func (c *Checker) Run(ctx context.Context) *Response {
	c.mu.Lock()
	checks := make(map[string]ReadinessChecker, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.runOne(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: results}
	for _, res := range results {
		if res.Status != StatusHealthy {
			response.Status = StatusUnhealthy
			break
		}
	}
	return response
}

func (c *Checker) runOne(ctx context.Context, check ReadinessChecker) CheckResult {
	if check == nil {
		err := errors.New("check not configured")
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := check.Ready(ctx)
	res := CheckResult{Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
		res.err = err
	}
	return res
}

// Package queue runs a static job list through a bounded worker pool.
//
// Jobs are fed into a bounded channel that is closed after the last job, so
// every worker stops exactly once without sentinel values. Results flow through
// a second channel to a single collector; the results channel is closed only
// after every worker has exited, which makes the collector's final drain
// unconditional.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler executes one job and returns zero or more results.
type Handler[J, R any] func(ctx context.Context, job J) []R

// Config holds configuration for a runner.
type Config struct {
	Name      string // phase label used in logs
	Workers   int    // concurrent workers (default: 1)
	QueueSize int    // job channel capacity (default: 2*Workers)
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "queue"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 2
	}
	return c
}

// Stats holds runner statistics.
type Stats struct {
	Queued    int64 // jobs handed to workers
	Started   int64 // jobs whose handler was invoked
	Completed int64 // handlers that returned normally
	Panicked  int64 // handlers that panicked
	Skipped   int64 // jobs not executed because the context was done
	Results   int64 // results delivered to the collector
}

// Runner executes jobs with a fixed-size worker pool.
type Runner[J, R any] struct {
	config  Config
	handler Handler[J, R]
	logger  *slog.Logger

	// OnPanic converts a recovered handler panic into results. Optional.
	OnPanic func(job J, recovered any) []R

	queued    atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	skipped   atomic.Int64
	results   atomic.Int64
}

// Option configures a runner.
type Option[J, R any] func(*Runner[J, R])

// WithOnPanic sets the function converting a recovered handler panic into results.
func WithOnPanic[J, R any](fn func(job J, recovered any) []R) Option[J, R] {
	return func(r *Runner[J, R]) {
		r.OnPanic = fn
	}
}

// New creates a runner for handler.
func New[J, R any](cfg Config, handler Handler[J, R], opts ...Option[J, R]) *Runner[J, R] {
	cfg = cfg.withDefaults()
	r := &Runner[J, R]{
		config:  cfg,
		handler: handler,
		logger:  slog.With("component", "queue", "phase", cfg.Name),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every job and returns all results in arrival order.
// onResult, if non-nil, is called from a single goroutine as each result arrives.
//
// When ctx is done, jobs that have not started are skipped and Run returns the
// results collected so far together with the context's cause.
func (r *Runner[J, R]) Run(ctx context.Context, jobs []J, onResult func(R)) ([]R, error) {
	jobCh := make(chan J, r.config.QueueSize)
	resultCh := make(chan R, r.config.QueueSize)

	r.logger.Info("Queue started", "jobs", len(jobs), "workers", r.config.Workers)

	// Feed work
	go func() {
		defer close(jobCh)
		for i, job := range jobs {
			select {
			case <-ctx.Done():
				r.skipped.Add(int64(len(jobs) - i))
				return
			case jobCh <- job:
				r.queued.Add(1)
			}
		}
	}()

	// Workers
	var wg sync.WaitGroup
	wg.Add(r.config.Workers)
	for i := 0; i < r.config.Workers; i++ {
		go r.worker(ctx, &wg, jobCh, resultCh)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var collected []R
	for res := range resultCh {
		r.results.Add(1)
		if onResult != nil {
			onResult(res)
		}
		collected = append(collected, res)
	}

	stats := r.Stats()
	r.logger.Info("Queue finished",
		"completed", stats.Completed,
		"panicked", stats.Panicked,
		"skipped", stats.Skipped,
		"results", stats.Results,
	)

	if ctx.Err() != nil {
		return collected, context.Cause(ctx)
	}
	return collected, nil
}

// worker processes jobs until the job channel is closed.
func (r *Runner[J, R]) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan J, results chan<- R) {
	defer wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			r.skipped.Add(1)
			continue
		}
		r.started.Add(1)
		for _, res := range r.invoke(ctx, job) {
			results <- res
		}
	}
}

// invoke calls the handler, recovering panics so one job cannot take down the pool.
func (r *Runner[J, R]) invoke(ctx context.Context, job J) (out []R) {
	defer func() {
		if rec := recover(); rec != nil {
			r.panicked.Add(1)
			r.logger.Error("Job panicked", "job", fmt.Sprint(job), "panic", rec)
			if r.OnPanic != nil {
				out = r.OnPanic(job, rec)
			} else {
				out = nil
			}
		}
	}()
	out = r.handler(ctx, job)
	r.completed.Add(1)
	return out
}

// Stats returns current runner statistics.
func (r *Runner[J, R]) Stats() Stats {
	return Stats{
		Queued:    r.queued.Load(),
		Started:   r.started.Load(),
		Completed: r.completed.Load(),
		Panicked:  r.panicked.Load(),
		Skipped:   r.skipped.Load(),
		Results:   r.results.Load(),
	}
}

// Run is a convenience wrapper around New(cfg, handler, opts...).Run.
func Run[J, R any](ctx context.Context, jobs []J, cfg Config, handler Handler[J, R], onResult func(R), opts ...Option[J, R]) ([]R, error) {
	return New(cfg, handler, opts...).Run(ctx, jobs, onResult)
}

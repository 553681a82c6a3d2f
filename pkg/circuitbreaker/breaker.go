// Package circuitbreaker stops calling an external tool that keeps failing.
//
// A breaker counts consecutive failures. Once the threshold is reached it opens
// and rejects calls with ErrOpen until the cooldown elapses; the next call is
// then let through as a probe, which closes the breaker on success or reopens
// it on failure.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // calls allowed
	Open                  // calls rejected
	HalfOpen              // one probe call allowed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before a probe (default: 30s)

	// OnStateChange is called with the breaker lock released. Optional.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker guards a single external resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	probing     bool
	lastFailure time.Time
	cfg         Config
	now         func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		state: Closed,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Allow reports whether a call may be attempted now.
// In the half-open state only one probe is admitted until it is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Call runs fn if the breaker allows it and records the outcome.
// Context cancellation is returned as is and does not count as a failure.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	default:
		b.RecordFailure()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

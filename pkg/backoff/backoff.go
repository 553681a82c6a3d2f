// Package backoff provides exponential backoff and a bounded retry loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial  time.Duration // default: 100ms
	Max      time.Duration // default: 5s
	Attempts int           // total attempts made by Retry (default: 3)
}

func (c *Config) values() (initial, maxBackoff time.Duration, attempts int) {
	initial, maxBackoff, attempts = 100*time.Millisecond, 5*time.Second, 3
	if c == nil {
		return
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxBackoff = c.Max
	}
	if c.Attempts > 0 {
		attempts = c.Attempts
	}
	return
}

// Exponential calculates the delay after a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff, _ := cfg.values()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Retry calls fn until it succeeds, the attempts are exhausted, or ctx is done.
// It returns the last error from fn, or ctx's error if ctx ended the wait.
func Retry(ctx context.Context, cfg *Config, fn func(ctx context.Context, attempt int) error) error {
	_, _, attempts := cfg.values()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Exponential(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Package testutil holds helpers shared by package tests: polling for
// asynchronous state and writing proteome and alignment fixtures.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for polling helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 5ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{Timeout: 5 * time.Second, Interval: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Poll evaluates condition until it holds or the timeout passes. The
// condition is checked once more at the deadline.
func Poll(condition func() bool, opts ...WaitOption) bool {
	o := resolve(opts)
	deadline := time.Now().Add(o.Timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.Interval)
	}
	return condition()
}

// MustWaitFor fails the test if condition does not hold before the timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !Poll(condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount fails the test if counter does not reach target before the timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !Poll(func() bool { return counter.Load() >= target }, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

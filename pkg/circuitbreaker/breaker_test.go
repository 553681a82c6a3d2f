package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTool = errors.New("tool exited 1")

// fakeClock lets tests move time past the cooldown without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := New(Config{Threshold: threshold, Cooldown: time.Minute})
	b.now = clock.Now
	return b, clock
}

func TestNew_ZeroValuesUseDefaults(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("expected closed after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("expected open after 5 failures")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if b.State() != Closed {
		t.Errorf("expected closed, got %s", b.State())
	}
	if b.Failures() != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", b.Failures())
	}
}

func TestBreaker_OpenRejectsUntilCooldown(t *testing.T) {
	t.Parallel()
	b, clock := newTestBreaker(2)

	b.RecordFailure()
	b.RecordFailure()
	if b.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	clock.Advance(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected second call during probe to be rejected")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"success closes", true, Closed},
		{"failure reopens", false, Open},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, clock := newTestBreaker(1)
			b.RecordFailure()
			clock.Advance(2 * time.Minute)

			if !b.Allow() {
				t.Fatal("expected probe")
			}
			if tt.success {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
			if b.State() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, b.State())
			}
		})
	}
}

func TestBreaker_Call(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(2)
	ctx := context.Background()

	fail := func(context.Context) error { return errTool }

	if err := b.Call(ctx, fail); !errors.Is(err, errTool) {
		t.Fatalf("expected tool error, got %v", err)
	}
	if err := b.Call(ctx, fail); !errors.Is(err, errTool) {
		t.Fatalf("expected tool error, got %v", err)
	}

	called := false
	err := b.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_CallIgnoresCancellation(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(1)

	err := b.Call(context.Background(), func(context.Context) error {
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("cancellation must not count as failure: state=%s failures=%d", b.State(), b.Failures())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	b := New(Config{
		Threshold: 1,
		Cooldown:  time.Minute,
		OnStateChange: func(from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+">"+to.String())
			mu.Unlock()
		},
	})

	b.RecordFailure()
	b.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed>open", "open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half-open",
		State(42): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{Threshold: 1, Cooldown: time.Minute})

	search := r.Get("search")
	if r.Get("search") != search {
		t.Error("expected same breaker for same key")
	}
	r.Get("createdb")
	search.RecordFailure()

	stats := r.Stats()
	if stats.Total != 2 || stats.Open != 1 || stats.Closed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	keys := r.OpenKeys()
	if len(keys) != 1 || keys[0] != "search" {
		t.Errorf("expected [search], got %v", keys)
	}
}

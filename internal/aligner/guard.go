package aligner

import (
	"context"
	"errors"
	"orthorun/internal/apperrors"
	"orthorun/pkg/circuitbreaker"
	"time"
)

// ToolRecorder receives one observation per tool invocation.
type ToolRecorder interface {
	RecordTool(ctx context.Context, op string, success bool, durationSeconds float64)
	RecordBreakerRejected(ctx context.Context)
}

// Breakers hands out one circuit breaker per tool operation.
// *circuitbreaker.Registry implements it.
type Breakers interface {
	Get(op string) *circuitbreaker.Breaker
}

// Guarded wraps a Backend with per-operation circuit breakers and timing
// metrics. Once an operation's breaker opens, its calls fail fast with an
// external tool failure that wraps circuitbreaker.ErrOpen.
type Guarded struct {
	next     Backend
	breakers Breakers
	metrics  ToolRecorder
}

// Guard wraps next. Nil breakers disable short-circuiting; a nil metrics
// recorder disables timing.
func Guard(next Backend, breakers Breakers, metrics ToolRecorder) *Guarded {
	return &Guarded{next: next, breakers: breakers, metrics: metrics}
}

// CreateDatabase implements Backend.
func (g *Guarded) CreateDatabase(ctx context.Context, fastaPath, dbPath string) error {
	return g.call(ctx, "createdb", func(ctx context.Context) error {
		return g.next.CreateDatabase(ctx, fastaPath, dbPath)
	})
}

// CreateIndex implements Backend.
func (g *Guarded) CreateIndex(ctx context.Context, dbPath, tmpDir string, threads int) error {
	return g.call(ctx, "createindex", func(ctx context.Context) error {
		return g.next.CreateIndex(ctx, dbPath, tmpDir, threads)
	})
}

// Search implements Backend.
func (g *Guarded) Search(ctx context.Context, req SearchRequest) (string, error) {
	var out string
	err := g.call(ctx, "search", func(ctx context.Context) error {
		var err error
		out, err = g.next.Search(ctx, req)
		return err
	})
	return out, err
}

// ConvertToTable implements Backend.
func (g *Guarded) ConvertToTable(ctx context.Context, req ConvertRequest) (string, error) {
	var out string
	err := g.call(ctx, "convertalis", func(ctx context.Context) error {
		var err error
		out, err = g.next.ConvertToTable(ctx, req)
		return err
	})
	return out, err
}

// Ready implements Backend. Readiness checks bypass the breaker.
func (g *Guarded) Ready(ctx context.Context) error {
	return g.next.Ready(ctx)
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var err error
	if g.breakers != nil {
		err = g.breakers.Get(op).Call(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		if g.metrics != nil {
			g.metrics.RecordBreakerRejected(ctx)
		}
		return apperrors.ToolExit(op, err)
	}
	if g.metrics != nil {
		g.metrics.RecordTool(ctx, op, err == nil, time.Since(start).Seconds())
	}
	return err
}

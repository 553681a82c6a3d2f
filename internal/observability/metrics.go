package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the run metrics:
// - Latency: job and tool invocation durations
// - Traffic: jobs and tool invocations per kind
// - Errors: failed jobs and tool invocations
// - Saturation: active jobs and live within-proteome entries
//
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// External tool metrics
	ToolDuration    metric.Float64Histogram
	ToolErrorsTotal metric.Int64Counter

	// Database and reduction metrics
	DatabasesTotal   metric.Int64Counter
	RetainedFraction metric.Float64Histogram

	// Within-proteome table metrics
	WithinLive   metric.Int64UpDownCounter
	WithinLoads  metric.Int64Counter
	WithinFrees  metric.Int64Counter
	BreakerTrips metric.Int64Counter
}

// NewMetrics creates all metrics on a dedicated Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("orthorun")
	m := &Metrics{meter: meter}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job wall-clock duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of finished jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that did not succeed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram(
		"tool_duration_seconds",
		metric.WithDescription("External alignment tool invocation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ToolErrorsTotal, err = meter.Int64Counter(
		"tool_errors_total",
		metric.WithDescription("Total failed external tool invocations"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DatabasesTotal, err = meter.Int64Counter(
		"databases_total",
		metric.WithDescription("Total database requests, labelled by whether the database already existed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RetainedFraction, err = meter.Float64Histogram(
		"retained_fraction",
		metric.WithDescription("Fraction of a proteome kept by essential reduction"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 1),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WithinLive, err = meter.Int64UpDownCounter(
		"within_entries_live",
		metric.WithDescription("Number of loaded within-proteome entries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WithinLoads, err = meter.Int64Counter(
		"within_loads_total",
		metric.WithDescription("Total within-proteome entries loaded"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WithinFrees, err = meter.Int64Counter(
		"within_frees_total",
		metric.WithDescription("Total within-proteome entries freed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter(
		"breaker_trips_total",
		metric.WithDescription("Total tool calls rejected by the open circuit breaker"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordJobStarted records a job starting.
func (m *Metrics) RecordJobStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, kind, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(kindAttr(kind), statusAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))

	if status != StatusOK {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTool records one external tool invocation.
func (m *Metrics) RecordTool(ctx context.Context, op string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(opAttr(op), successAttr(success))
	m.ToolDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.ToolErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDatabase records a database request.
func (m *Metrics) RecordDatabase(ctx context.Context, existed bool) {
	if m == nil {
		return
	}
	m.DatabasesTotal.Add(ctx, 1, metric.WithAttributes(existedAttr(existed)))
}

// RecordRetained records the fraction of one proteome kept by a reduction.
func (m *Metrics) RecordRetained(ctx context.Context, fraction float64) {
	if m == nil {
		return
	}
	m.RetainedFraction.Record(ctx, fraction)
}

// RecordWithinLoaded records a within-proteome entry being loaded.
func (m *Metrics) RecordWithinLoaded(ctx context.Context) {
	if m == nil {
		return
	}
	m.WithinLoads.Add(ctx, 1)
	m.WithinLive.Add(ctx, 1)
}

// RecordWithinFreed records a within-proteome entry being freed.
func (m *Metrics) RecordWithinFreed(ctx context.Context) {
	if m == nil {
		return
	}
	m.WithinFrees.Add(ctx, 1)
	m.WithinLive.Add(ctx, -1)
}

// RecordBreakerRejected records a tool call rejected by the circuit breaker.
func (m *Metrics) RecordBreakerRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.BreakerTrips.Add(ctx, 1)
}

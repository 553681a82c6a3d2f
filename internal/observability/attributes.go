// Package observability provides run metrics exported through Prometheus.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrKind    = "kind"
	attrStatus  = "status"
	attrOp      = "op"
	attrSuccess = "success"
	attrExisted = "existed"
)

// StatusOK is the job status that does not count as an error.
const StatusOK = "ok"

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func statusAttr(status string) attribute.KeyValue {
	if status == "" {
		status = "unknown"
	}
	return attribute.String(attrStatus, status)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func existedAttr(existed bool) attribute.KeyValue {
	return attribute.Bool(attrExisted, existed)
}

// WithKind returns a metric option with the job kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}

// WithStatus returns a metric option with the job status attribute.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(status))
}

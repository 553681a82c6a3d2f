// Package telemetry collects one timing record per finished job and writes it
// to the run report.
package telemetry

import (
	"fmt"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
	"strconv"
	"time"
)

// Kind identifies the job a record belongs to.
type Kind string

const (
	KindDatabase  Kind = "database"
	KindAlignment Kind = "alignment"
	KindReduction Kind = "reduction"
	KindOrthology Kind = "orthology"
)

// Status values written for records. Failed records carry apperrors.Kind of
// their error instead.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
)

// Columns is the report header.
var Columns = []string{
	"kind", "pair", "searchTime", "convertTime", "parseTime",
	"retainedPctA", "retainedPctB", "reductionTime", "inferenceTime", "status",
}

// Record is the telemetry of one job reaching a terminal state.
type Record struct {
	Kind      Kind
	Pair      plan.PairKey
	Search    time.Duration
	Convert   time.Duration
	Parse     time.Duration
	RetainedA float64 // fraction of Pair.A kept by a reduction
	RetainedB float64
	Reduction time.Duration
	Inference time.Duration
	Status    string
	Err       error // not written; kept for the pipeline's error policy
}

// Failed builds a record for a job that ended with err.
func Failed(kind Kind, pair plan.PairKey, err error) Record {
	return Record{Kind: kind, Pair: pair, Status: apperrors.Kind(err), Err: err}
}

// OK reports whether the job succeeded.
func (r Record) OK() bool {
	return r.Status == StatusOK
}

// Fields renders the record in Columns order.
func (r Record) Fields() []string {
	return []string{
		string(r.Kind),
		r.Pair.String(),
		seconds(r.Search),
		seconds(r.Convert),
		seconds(r.Parse),
		strconv.FormatFloat(r.RetainedA, 'f', 4, 64),
		strconv.FormatFloat(r.RetainedB, 'f', 4, 64),
		seconds(r.Reduction),
		seconds(r.Inference),
		r.Status,
	}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", r.Kind, r.Pair, r.Status)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

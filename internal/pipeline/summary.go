package pipeline

import (
	"orthorun/internal/telemetry"
	"time"
)

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Report   string
	Duration time.Duration
	Counts   map[telemetry.Kind]map[string]int // kind → status → records
	Failures []telemetry.Record
}

func newSummary(runID string, agg *telemetry.Aggregator, report string, d time.Duration) *Summary {
	s := &Summary{
		RunID:    runID,
		Report:   report,
		Duration: d,
		Counts:   agg.Counts(),
	}
	for _, rec := range agg.Records() {
		if !rec.OK() && rec.Status != telemetry.StatusSkipped {
			s.Failures = append(s.Failures, rec)
		}
	}
	return s
}

// Total returns the number of records of kind.
func (s *Summary) Total(kind telemetry.Kind) int {
	n := 0
	for _, c := range s.Counts[kind] {
		n += c
	}
	return n
}

// OK returns the number of successful records of kind.
func (s *Summary) OK(kind telemetry.Kind) int {
	return s.Counts[kind][telemetry.StatusOK]
}

package telemetry

import (
	"errors"
	"log/slog"
	"sync"
)

// Aggregator serialises records from the pipeline to its sinks on a single
// writer goroutine. Database records are counted but not written.
//
// Submit appends to an unbounded pending list and wakes the writer, so a slow
// sink delays the report but never the jobs producing records.
type Aggregator struct {
	sinks  []Sink
	logger *slog.Logger
	wake   chan struct{} // capacity 1; a pending signal coalesces submits
	stop   chan struct{}
	done   chan struct{}

	pendingMu sync.Mutex // guards pending and closed
	pending   []Record
	closed    bool

	mu      sync.RWMutex
	history []Record
	errs    []error
}

// NewAggregator starts the writer.
func NewAggregator(sinks ...Sink) *Aggregator {
	a := &Aggregator{
		sinks:  sinks,
		logger: slog.With("component", "telemetry"),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Submit hands a record to the writer without blocking. Records submitted
// after Close are dropped.
func (a *Aggregator) Submit(rec Record) {
	a.pendingMu.Lock()
	if a.closed {
		a.pendingMu.Unlock()
		a.logger.Warn("Record dropped after close", "record", rec.String())
		return
	}
	a.pending = append(a.pending, rec)
	a.pendingMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of records not yet taken by the writer.
func (a *Aggregator) Pending() int {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return len(a.pending)
}

func (a *Aggregator) run() {
	defer close(a.done)

	for {
		select {
		case <-a.wake:
			a.flush()
		case <-a.stop:
			// Submit refuses records once closed is set, so this drain is final.
			a.flush()
			return
		}
	}
}

// flush writes every pending record in arrival order.
func (a *Aggregator) flush() {
	a.pendingMu.Lock()
	batch := a.pending
	a.pending = nil
	a.pendingMu.Unlock()

	for _, rec := range batch {
		a.write(rec)
	}
}

func (a *Aggregator) write(rec Record) {
	a.mu.Lock()
	a.history = append(a.history, rec)
	a.mu.Unlock()

	if rec.Kind == KindDatabase {
		return
	}
	for _, sink := range a.sinks {
		if err := sink.Write(rec); err != nil {
			a.logger.Error("Failed to write record", "record", rec.String(), "error", err)
			a.mu.Lock()
			a.errs = append(a.errs, err)
			a.mu.Unlock()
		}
	}
}

// Close drains pending records, closes every sink and returns the write and
// close errors, if any.
func (a *Aggregator) Close() error {
	a.pendingMu.Lock()
	if a.closed {
		a.pendingMu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.stop)
	a.pendingMu.Unlock()

	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	errs := a.errs
	for _, sink := range a.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Records returns every record received so far, in arrival order.
func (a *Aggregator) Records() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Record(nil), a.history...)
}

// Counts returns the number of records per kind and status.
func (a *Aggregator) Counts() map[Kind]map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[Kind]map[string]int)
	for _, rec := range a.history {
		if counts[rec.Kind] == nil {
			counts[rec.Kind] = make(map[string]int)
		}
		counts[rec.Kind][rec.Status]++
	}
	return counts
}

package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sink persists records.
type Sink interface {
	Write(rec Record) error
	Close() error
}

// TSVReport appends tab-separated records to a file and syncs each line to
// the file before returning, so a crash loses at most the record in flight.
type TSVReport struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewTSVReport opens path for appending, writing the header when the file is
// new or empty.
func NewTSVReport(path string) (*TSVReport, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(strings.Join(Columns, "\t") + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write report header: %w", err)
		}
	}
	return &TSVReport{path: path, f: f}, nil
}

// Path returns the report location.
func (t *TSVReport) Path() string {
	return t.path
}

// Write appends one line.
func (t *TSVReport) Write(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return os.ErrClosed
	}
	if _, err := t.f.WriteString(strings.Join(rec.Fields(), "\t") + "\n"); err != nil {
		return err
	}
	return t.f.Sync()
}

// Close closes the file.
func (t *TSVReport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

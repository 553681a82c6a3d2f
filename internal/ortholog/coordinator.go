package ortholog

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"orthorun/internal/aligner"
	"orthorun/internal/alignment"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
	"orthorun/internal/telemetry"
	"orthorun/internal/within"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// WithinSource hands out shared within entries.
type WithinSource interface {
	Acquire(ctx context.Context, id plan.ProteomeID) (*within.Stats, error)
	Release(ctx context.Context, id plan.ProteomeID) (int, bool, error)
}

// Table is the written result of one orthology job.
type Table struct {
	Pair      plan.PairKey
	Path      string
	Orthologs []Ortholog
}

// TablePath returns the ortholog table for pair in dir.
func TablePath(dir string, pair plan.PairKey) string {
	return filepath.Join(dir, "table."+pair.String())
}

// Coordinator runs orthology jobs against shared within entries.
type Coordinator struct {
	engine        Engine
	within        WithinSource
	alignmentsDir string
	outDir        string
	logger        *slog.Logger
}

// NewCoordinator creates a coordinator reading alignments from alignmentsDir
// and writing tables to outDir.
func NewCoordinator(engine Engine, source WithinSource, alignmentsDir, outDir string) *Coordinator {
	return &Coordinator{
		engine:        engine,
		within:        source,
		alignmentsDir: alignmentsDir,
		outDir:        outDir,
		logger:        slog.With("component", "ortholog"),
	}
}

// InferOrthologs infers the orthologs of pair. Both within entries are
// released once the job reaches any terminal state, including failure.
func (c *Coordinator) InferOrthologs(ctx context.Context, pair plan.PairKey) (Table, telemetry.Record, error) {
	logger := c.logger.With("pair", pair.String())
	table := Table{Pair: pair, Path: TablePath(c.outDir, pair)}
	defer c.release(logger, pair)

	fwd := alignment.Path(c.alignmentsDir, pair)
	rev := alignment.Path(c.alignmentsDir, pair.Reverse())
	for _, p := range []string{fwd, rev} {
		if !aligner.Exists(p) {
			err := apperrors.MissingReference(pair.String(), p)
			return table, telemetry.Failed(telemetry.KindOrthology, pair, err), err
		}
	}

	withinA, err := c.within.Acquire(ctx, pair.A)
	if err != nil {
		return table, telemetry.Failed(telemetry.KindOrthology, pair, err), err
	}
	withinB, err := c.within.Acquire(ctx, pair.B)
	if err != nil {
		return table, telemetry.Failed(telemetry.KindOrthology, pair, err), err
	}

	start := time.Now()
	orthologs, err := c.engine.Infer(ctx, Input{
		Pair:    pair,
		Forward: fwd,
		Reverse: rev,
		WithinA: withinA,
		WithinB: withinB,
	})
	inference := time.Since(start)
	if err != nil {
		err = fmt.Errorf("ortholog inference for %s: %w", pair, err)
		rec := telemetry.Failed(telemetry.KindOrthology, pair, err)
		rec.Inference = inference
		return table, rec, err
	}
	table.Orthologs = orthologs

	if err := writeTable(table.Path, orthologs); err != nil {
		err = fmt.Errorf("failed to write ortholog table: %w", err)
		return table, telemetry.Failed(telemetry.KindOrthology, pair, err), err
	}

	logger.Info("Orthology finished", "orthologs", len(orthologs), "inference", inference)
	return table, telemetry.Record{
		Kind:      telemetry.KindOrthology,
		Pair:      pair,
		Inference: inference,
		Status:    telemetry.StatusOK,
	}, nil
}

func (c *Coordinator) release(logger *slog.Logger, pair plan.PairKey) {
	// Release must happen even when the job's context was cancelled.
	ctx := context.Background()
	for _, id := range []plan.ProteomeID{pair.A, pair.B} {
		remaining, freed, err := c.within.Release(ctx, id)
		if err != nil {
			logger.Warn("Failed to release within entry", "proteome", string(id), "error", err)
			continue
		}
		logger.Debug("Released within entry", "proteome", string(id), "remaining", remaining, "freed", freed)
	}
}

func writeTable(path string, orthologs []Ortholog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".table-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, o := range orthologs {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", o.A, o.B, strconv.FormatFloat(o.Score, 'f', 4, 64)); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

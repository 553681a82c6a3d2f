// Package alignment runs one directed alignment from databases to the final
// tabular file.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"orthorun/internal/aligner"
	"orthorun/internal/apperrors"
	"orthorun/internal/dbbuild"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"time"
)

// Path returns the final alignment file for a directed pair in dir.
func Path(dir string, pair plan.PairKey) string {
	return filepath.Join(dir, pair.String())
}

// Timing holds the wall-clock durations of the steps of one alignment.
type Timing struct {
	Search  time.Duration
	Convert time.Duration
	Parse   time.Duration
}

// Artifact is a finished directed alignment.
type Artifact struct {
	Pair   plan.PairKey // Pair.A is the query, Pair.B the target
	Path   string
	Hits   int
	Timing Timing
}

// Request describes one directed alignment.
type Request struct {
	Query       plan.Proteome
	Target      plan.Proteome
	Threads     int
	Sensitivity float64
	BuildIndex  bool
	DBDir       string // databases are created here when missing
	OutDir      string // final file is OutDir/"{query}-{target}"
	TmpDir      string // per-job scratch lives in TmpDir/"{query}-{target}"

	KeepIntermediate bool
}

// Pair returns the directed pair of the request.
func (r Request) Pair() plan.PairKey {
	return plan.PairKey{A: r.Query.ID, B: r.Target.ID}
}

// Executor runs alignments through an aligner backend.
type Executor struct {
	backend aligner.Backend
	builder *dbbuild.Builder
	parser  Parser
	logger  *slog.Logger
}

// NewExecutor creates an executor. A nil parser selects TabularParser.
func NewExecutor(backend aligner.Backend, builder *dbbuild.Builder, parser Parser) *Executor {
	if parser == nil {
		parser = TabularParser{}
	}
	return &Executor{
		backend: backend,
		builder: builder,
		parser:  parser,
		logger:  slog.With("component", "alignment"),
	}
}

// RunAlignment ensures both databases, searches, converts and parses the hits
// into the final file. Every step's output is checked; a missing output is an
// external tool failure.
func (e *Executor) RunAlignment(ctx context.Context, req Request) (Artifact, error) {
	pair := req.Pair()
	logger := e.logger.With("pair", pair.String())
	art := Artifact{Pair: pair, Path: Path(req.OutDir, pair)}

	queryDB, err := e.builder.EnsureDatabase(ctx, req.Query, req.DBDir, req.BuildIndex, req.Threads)
	if err != nil {
		return art, err
	}
	targetDB := queryDB
	if req.Target.ID != req.Query.ID {
		targetDB, err = e.builder.EnsureDatabase(ctx, req.Target, req.DBDir, req.BuildIndex, req.Threads)
		if err != nil {
			return art, err
		}
	}

	scratch := filepath.Join(req.TmpDir, pair.String())
	searchTmp := filepath.Join(scratch, "search")
	if err := os.MkdirAll(searchTmp, 0o755); err != nil {
		return art, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	logger.Info("Alignment started", "threads", req.Threads, "sensitivity", req.Sensitivity)

	start := time.Now()
	raw, err := e.backend.Search(ctx, aligner.SearchRequest{
		QueryDB:     queryDB.Path,
		TargetDB:    targetDB.Path,
		ResultDB:    filepath.Join(scratch, "hits"),
		TmpDir:      searchTmp,
		Threads:     req.Threads,
		Sensitivity: req.Sensitivity,
	})
	art.Timing.Search = time.Since(start)
	if err = checkStep("search", raw, err); err != nil {
		return art, err
	}

	start = time.Now()
	table, err := e.backend.ConvertToTable(ctx, aligner.ConvertRequest{
		QueryDB:   queryDB.Path,
		TargetDB:  targetDB.Path,
		ResultDB:  raw,
		TablePath: filepath.Join(scratch, "hits.m8"),
		Threads:   req.Threads,
	})
	art.Timing.Convert = time.Since(start)
	if err = checkStep("convertalis", table, err); err != nil {
		return art, err
	}

	start = time.Now()
	stats, err := e.parser.Parse(ctx, table, art.Path)
	art.Timing.Parse = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return art, ctx.Err()
		}
		return art, apperrors.ToolFailure("parse", art.Path, err)
	}
	if !aligner.Exists(art.Path) {
		return art, apperrors.ToolFailure("parse", art.Path, nil)
	}
	art.Hits = stats.Hits

	if !req.KeepIntermediate {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("Failed to remove scratch directory", "dir", scratch, "error", err)
		}
	}

	logger.Info("Alignment finished",
		"hits", art.Hits,
		"rows", stats.Rows,
		"search", art.Timing.Search,
		"convert", art.Timing.Convert,
		"parse", art.Timing.Parse,
	)
	return art, nil
}

// checkStep classifies a step error and verifies the step's output exists.
func checkStep(op, output string, err error) error {
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperrors.ToolExit(op, err)
	}
	if output == "" || !aligner.Exists(output) {
		return apperrors.ToolFailure(op, output, nil)
	}
	return nil
}

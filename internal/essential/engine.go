// Package essential produces a directed alignment from reduced inputs.
//
// Only the sequences that took part in the opposite-direction alignment are
// aligned: for direction B→A of a pair, the opposite table A→B names the
// essential sequences of A (its query column) and of B (its target column).
package essential

import (
	"context"
	"fmt"
	"log/slog"
	"orthorun/internal/aligner"
	"orthorun/internal/alignment"
	"orthorun/internal/apperrors"
	"orthorun/internal/fasta"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"time"
)

// Request describes one essential alignment of Query against Target.
type Request struct {
	Query       plan.Proteome
	Target      plan.Proteome
	QuerySize   int // descriptor sequence count, 0 if unknown
	TargetSize  int
	Threads     int
	Sensitivity float64
	BuildIndex  bool

	AlignmentsDir string // holds the opposite artifact and receives the result
	EssentialDir  string // reduced inputs go to EssentialDir/"{query}-{target}"
	TmpDir        string

	KeepIntermediate bool
}

// Pair returns the directed pair being produced.
func (r Request) Pair() plan.PairKey {
	return plan.PairKey{A: r.Query.ID, B: r.Target.ID}
}

// Side describes the reduction of one proteome.
type Side struct {
	ID   plan.ProteomeID
	Kept int // sequences written to the reduced input
	Size int // sequence count the fraction is relative to
}

// Retained returns Kept/Size, or 0 for an empty proteome.
func (s Side) Retained() float64 {
	if s.Size <= 0 {
		return 0
	}
	return float64(s.Kept) / float64(s.Size)
}

// Result describes the reduction step of a job.
type Result struct {
	Pair      plan.PairKey
	Query     Side
	Target    Side
	Reduction time.Duration
}

// Aligner runs the alignment over the reduced inputs.
type Aligner interface {
	RunAlignment(ctx context.Context, req alignment.Request) (alignment.Artifact, error)
}

// Engine performs essential reductions.
type Engine struct {
	aligner Aligner
	logger  *slog.Logger
}

// NewEngine creates an engine that delegates alignment to a.
func NewEngine(a Aligner) *Engine {
	return &Engine{
		aligner: a,
		logger:  slog.With("component", "essential"),
	}
}

// ReduceAndAlign reduces both inputs to the sequences named in the opposite
// artifact and aligns the reduced inputs. A missing opposite artifact is
// reported as ErrMissingReferenceAlignment with a zero Result.
func (e *Engine) ReduceAndAlign(ctx context.Context, req Request) (Result, alignment.Artifact, error) {
	pair := req.Pair()
	res := Result{Pair: pair, Query: Side{ID: req.Query.ID}, Target: Side{ID: req.Target.ID}}
	art := alignment.Artifact{Pair: pair, Path: alignment.Path(req.AlignmentsDir, pair)}
	logger := e.logger.With("pair", pair.String())

	opposite := alignment.Path(req.AlignmentsDir, pair.Reverse())
	if !aligner.Exists(opposite) {
		return res, art, apperrors.MissingReference(pair.String(), opposite)
	}

	start := time.Now()

	// The opposite table runs target→query.
	keepQuery := make(map[string]struct{})
	keepTarget := make(map[string]struct{})
	err := alignment.ReadHits(ctx, opposite, func(h alignment.Hit) error {
		keepTarget[h.Query] = struct{}{}
		keepQuery[h.Target] = struct{}{}
		return nil
	})
	if err != nil {
		return res, art, fmt.Errorf("failed to read reference alignment: %w", err)
	}

	jobDir := filepath.Join(req.EssentialDir, pair.String())
	reducedQuery := filepath.Join(jobDir, string(req.Query.ID)+".fa")
	reducedTarget := filepath.Join(jobDir, string(req.Target.ID)+".fa")

	// Reduced databases built by an earlier run describe another reduction.
	if err := os.RemoveAll(jobDir); err != nil {
		return res, art, fmt.Errorf("failed to clear %s: %w", jobDir, err)
	}

	res.Query, err = e.reduce(ctx, logger, req.Query, req.QuerySize, keepQuery, reducedQuery)
	if err != nil {
		return res, art, err
	}
	res.Target, err = e.reduce(ctx, logger, req.Target, req.TargetSize, keepTarget, reducedTarget)
	if err != nil {
		return res, art, err
	}
	res.Reduction = time.Since(start)

	logger.Info("Reduction finished",
		"keptQuery", res.Query.Kept, "sizeQuery", res.Query.Size,
		"keptTarget", res.Target.Kept, "sizeTarget", res.Target.Size,
		"duration", res.Reduction,
	)

	if res.Query.Kept == 0 || res.Target.Kept == 0 {
		// Nothing can align; the artifact is an empty table.
		if err := writeEmpty(art.Path); err != nil {
			return res, art, err
		}
		e.cleanup(logger, req, jobDir)
		return res, art, nil
	}

	art, err = e.aligner.RunAlignment(ctx, alignment.Request{
		Query:            plan.Proteome{ID: req.Query.ID, Fasta: reducedQuery},
		Target:           plan.Proteome{ID: req.Target.ID, Fasta: reducedTarget},
		Threads:          req.Threads,
		Sensitivity:      req.Sensitivity,
		BuildIndex:       req.BuildIndex,
		DBDir:            jobDir,
		OutDir:           req.AlignmentsDir,
		TmpDir:           req.TmpDir,
		KeepIntermediate: req.KeepIntermediate,
	})
	if err != nil {
		return res, art, err
	}
	e.cleanup(logger, req, jobDir)
	return res, art, nil
}

// reduce extracts the kept sequences of p into dst and resolves the size the
// retained fraction is relative to.
func (e *Engine) reduce(ctx context.Context, logger *slog.Logger, p plan.Proteome, size int, keep map[string]struct{}, dst string) (Side, error) {
	if !aligner.Exists(p.Fasta) {
		return Side{ID: p.ID}, apperrors.MissingInput(p.Fasta)
	}
	stats, err := fasta.Extract(ctx, p.Fasta, dst, func(id string) bool {
		_, ok := keep[id]
		return ok
	})
	if err != nil {
		return Side{ID: p.ID}, fmt.Errorf("failed to reduce %s: %w", p.ID, err)
	}

	side := Side{ID: p.ID, Kept: stats.Kept, Size: size}
	switch {
	case size == 0:
		side.Size = stats.Total
	case size < stats.Kept:
		logger.Warn("Descriptor size below kept count, using observed count",
			"proteome", string(p.ID), "size", size, "kept", stats.Kept, "observed", stats.Total)
		side.Size = stats.Total
	}
	if missing := len(keep) - stats.Kept; missing > 0 {
		logger.Warn("Reference alignment names sequences absent from input",
			"proteome", string(p.ID), "missing", missing)
	}
	return side, nil
}

func (e *Engine) cleanup(logger *slog.Logger, req Request, jobDir string) {
	if req.KeepIntermediate {
		return
	}
	if err := os.RemoveAll(jobDir); err != nil {
		logger.Warn("Failed to remove reduced inputs", "dir", jobDir, "error", err)
	}
}

func writeEmpty(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}

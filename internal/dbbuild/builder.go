// Package dbbuild creates per-proteome sequence databases exactly once.
package dbbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"orthorun/internal/aligner"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

// DBRecorder receives one observation per database request.
type DBRecorder interface {
	RecordDatabase(ctx context.Context, existed bool)
}

// Handle identifies a ready database.
type Handle struct {
	ID        plan.ProteomeID
	Path      string
	IndexPath string // empty when no index was requested
	Existed   bool   // true when nothing had to be built
	Duration  time.Duration
}

// Builder builds databases through an aligner backend.
// Concurrent requests for the same database share one build.
type Builder struct {
	backend aligner.Backend
	metrics DBRecorder
	group   singleflight.Group
	logger  *slog.Logger
}

// NewBuilder creates a builder. metrics may be nil.
func NewBuilder(backend aligner.Backend, metrics DBRecorder) *Builder {
	return &Builder{
		backend: backend,
		metrics: metrics,
		logger:  slog.With("component", "dbbuild"),
	}
}

// Path returns the database path for a proteome in dbDir.
func Path(dbDir string, id plan.ProteomeID) string {
	return filepath.Join(dbDir, string(id)+".db")
}

// EnsureDatabase returns the database for proteome, building it (and its index
// when buildIndex is set) if it does not exist yet. A failed build leaves no
// partial database behind.
func (b *Builder) EnsureDatabase(ctx context.Context, proteome plan.Proteome, dbDir string, buildIndex bool, threads int) (Handle, error) {
	path := Path(dbDir, proteome.ID)
	key := fmt.Sprintf("%s|%t", path, buildIndex)

	v, err, _ := b.group.Do(key, func() (any, error) {
		h, err := b.ensure(ctx, proteome, path, buildIndex, threads)
		if err == nil && b.metrics != nil {
			b.metrics.RecordDatabase(ctx, h.Existed)
		}
		return h, err
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

func (b *Builder) ensure(ctx context.Context, proteome plan.Proteome, path string, buildIndex bool, threads int) (Handle, error) {
	start := time.Now()
	h := Handle{ID: proteome.ID, Path: path}
	if buildIndex {
		h.IndexPath = aligner.IndexPath(path)
	}

	dbReady := aligner.Exists(path)
	indexReady := !buildIndex || aligner.Exists(h.IndexPath)
	if dbReady && indexReady {
		h.Existed = true
		return h, nil
	}

	logger := b.logger.With("proteome", string(proteome.ID), "db", path)

	if !dbReady {
		if !aligner.Exists(proteome.Fasta) {
			return Handle{}, apperrors.MissingInput(proteome.Fasta)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Handle{}, fmt.Errorf("failed to create database directory: %w", err)
		}

		logger.Info("Building database")
		if err := b.backend.CreateDatabase(ctx, proteome.Fasta, path); err != nil {
			removePartial(path)
			return Handle{}, toolError("createdb", err)
		}
		if !aligner.Exists(path) {
			removePartial(path)
			return Handle{}, apperrors.ToolFailure("createdb", path, nil)
		}
	}

	if !indexReady {
		tmp := path + ".tmp"
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return Handle{}, fmt.Errorf("failed to create index scratch directory: %w", err)
		}
		defer os.RemoveAll(tmp)

		logger.Info("Building index", "threads", threads)
		if err := b.backend.CreateIndex(ctx, path, tmp, threads); err != nil {
			_ = os.Remove(h.IndexPath)
			return Handle{}, toolError("createindex", err)
		}
		if !aligner.Exists(h.IndexPath) {
			return Handle{}, apperrors.ToolFailure("createindex", h.IndexPath, nil)
		}
	}

	h.Duration = time.Since(start)
	logger.Info("Database ready", "duration", h.Duration)
	return h, nil
}

// removePartial deletes a database and its companion files.
func removePartial(path string) {
	_ = os.Remove(path)
	for _, pattern := range []string{path + ".*", path + "_*"} {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			_ = os.RemoveAll(m)
		}
	}
}

// toolError classifies a backend error that is not already structured.
func toolError(op string, err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.ToolExit(op, err)
}

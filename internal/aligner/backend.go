// Package aligner drives the external sequence-alignment tool.
//
// The tool is addressed through the Backend interface. CommandBackend builds
// MMseqs2-style command lines and hands them to a Runner, which executes them
// either on the host (LocalRunner) or in a container (DockerRunner).
package aligner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"orthorun/internal/apperrors"
	"os"
	"strconv"
)

// SearchRequest describes one directed database search.
type SearchRequest struct {
	QueryDB     string
	TargetDB    string
	ResultDB    string // raw hit database written by the tool
	TmpDir      string
	Threads     int
	Sensitivity float64
}

// ConvertRequest describes conversion of a raw hit database into a tabular file.
type ConvertRequest struct {
	QueryDB   string
	TargetDB  string
	ResultDB  string
	TablePath string
	Threads   int
}

// Backend is the external alignment engine.
type Backend interface {
	CreateDatabase(ctx context.Context, fastaPath, dbPath string) error
	CreateIndex(ctx context.Context, dbPath, tmpDir string, threads int) error
	Search(ctx context.Context, req SearchRequest) (string, error)
	ConvertToTable(ctx context.Context, req ConvertRequest) (string, error)
	Ready(ctx context.Context) error
}

// TableFormat is the column list requested from the tool's tabular output.
const TableFormat = "query,target,pident,alnlen,evalue,bits,qstart,qend,tstart,tend"

// Runner executes one tool invocation. args excludes the tool name itself.
type Runner interface {
	Run(ctx context.Context, args []string) error
	Ready(ctx context.Context) error
}

// CommandBackend implements Backend on top of a Runner.
type CommandBackend struct {
	runner Runner
	logger *slog.Logger
}

// NewCommandBackend creates a backend that issues commands through runner.
func NewCommandBackend(runner Runner) *CommandBackend {
	return &CommandBackend{
		runner: runner,
		logger: slog.With("component", "aligner"),
	}
}

// CreateDatabase converts a FASTA file into a sequence database.
func (b *CommandBackend) CreateDatabase(ctx context.Context, fastaPath, dbPath string) error {
	if err := b.run(ctx, "createdb", fastaPath, dbPath); err != nil {
		return err
	}
	return expectFile("createdb", dbPath)
}

// CreateIndex builds the search index for a database.
func (b *CommandBackend) CreateIndex(ctx context.Context, dbPath, tmpDir string, threads int) error {
	if err := b.run(ctx, "createindex", dbPath, tmpDir, "--threads", strconv.Itoa(max(threads, 1))); err != nil {
		return err
	}
	return expectFile("createindex", IndexPath(dbPath))
}

// Search aligns the query database against the target database.
func (b *CommandBackend) Search(ctx context.Context, req SearchRequest) (string, error) {
	err := b.run(ctx, "search",
		req.QueryDB, req.TargetDB, req.ResultDB, req.TmpDir,
		"-s", strconv.FormatFloat(req.Sensitivity, 'f', -1, 64),
		"--threads", strconv.Itoa(max(req.Threads, 1)),
	)
	if err != nil {
		return "", err
	}
	return req.ResultDB, expectFile("search", req.ResultDB)
}

// ConvertToTable writes the raw hits of a search as a tab-separated table.
func (b *CommandBackend) ConvertToTable(ctx context.Context, req ConvertRequest) (string, error) {
	err := b.run(ctx, "convertalis",
		req.QueryDB, req.TargetDB, req.ResultDB, req.TablePath,
		"--format-output", TableFormat,
		"--threads", strconv.Itoa(max(req.Threads, 1)),
	)
	if err != nil {
		return "", err
	}
	return req.TablePath, expectFile("convertalis", req.TablePath)
}

// Ready reports whether the tool can be invoked.
func (b *CommandBackend) Ready(ctx context.Context) error {
	return b.runner.Ready(ctx)
}

func (b *CommandBackend) run(ctx context.Context, args ...string) error {
	b.logger.Debug("Running tool", "args", args)
	if err := b.runner.Run(ctx, args); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.ToolExit(args[0], err)
	}
	return nil
}

// IndexPath returns the index file that createindex writes next to dbPath.
func IndexPath(dbPath string) string {
	return dbPath + ".idx"
}

func expectFile(op, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.ToolFailure(op, path, nil)
	}
	if info.IsDir() {
		return apperrors.ToolFailure(op, path, fmt.Errorf("%s is a directory", path))
	}
	return nil
}

// Exists reports whether path exists as a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

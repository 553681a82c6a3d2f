package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"orthorun/internal/aligner"
	"orthorun/internal/config"
	"orthorun/internal/observability"
	"orthorun/internal/pipeline"
	"orthorun/internal/plan"
	"orthorun/internal/telemetry"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	PlanPath string
	Config   config.RunConfig

	// NewBackend overrides backend construction (for testing).
	NewBackend func(cfg config.RunConfig, p *plan.Plan) (aligner.Backend, func() error, error)
}

// NewRunCommand creates the run command. Flag defaults come from ORTHORUN_*
// environment variables.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, Config: config.LoadRunConfig()}

	cmd := &cobra.Command{
		Use:   "run --plan <plan.yaml>",
		Short: "Run every job of a plan",
		Long: `Run a job plan: preflight checks, one database per proteome, complete
alignments, essential alignments and orthology inference. A timing report
with one row per finished job is appended to --report.

Example:
  orthorun run --plan plan.yaml --work-dir /scratch/run1 --workers 8
  orthorun run --plan plan.yaml --backend docker --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	c := &opts.Config
	f.StringVarP(&opts.PlanPath, "plan", "p", config.GetEnv("PLAN", ""), "job plan (YAML)")
	f.StringVar(&c.WorkDir, "work-dir", c.WorkDir, "root of databases, alignments, tables and the report")
	f.IntVarP(&c.Workers, "workers", "w", c.Workers, "worker pool size")
	f.IntVar(&c.Threads, "threads", c.Threads, "aligner threads per job")
	f.Float64VarP(&c.Sensitivity, "sensitivity", "s", c.Sensitivity, "aligner search sensitivity (1.0-7.5)")
	f.BoolVar(&c.BuildIndex, "build-index", c.BuildIndex, "build a search index for every database")
	f.StringVar(&c.Backend, "backend", c.Backend, "aligner backend (local|docker)")
	f.StringVar(&c.ToolPath, "tool", c.ToolPath, "aligner binary")
	f.StringVar(&c.DockerImage, "docker-image", c.DockerImage, "aligner image for the docker backend")
	f.StringVar(&c.ReportPath, "report", c.ReportPath, "timing report (default <work-dir>/report.tsv)")
	f.StringVar(&c.ReportDB, "report-db", c.ReportDB, "also store timings in this SQLite database")
	f.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve GET /metrics on this address during the run")
	f.IntVar(&c.BreakerThreshold, "breaker-threshold", c.BreakerThreshold, "consecutive tool failures before alignments fail fast")
	f.BoolVar(&c.KeepIntermediate, "keep-intermediate", c.KeepIntermediate, "keep scratch files and reduced inputs")
	f.DurationVar(&c.PreflightTimeout, "preflight-timeout", c.PreflightTimeout, "time limit per preflight check")

	return cmd
}

func runPipeline(ctx context.Context, opts *RunOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.PlanPath == "" {
		return NewExitError(ExitUsage, "--plan is required")
	}
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return WrapExitError("invalid configuration", err)
	}
	p, err := plan.LoadFile(opts.PlanPath)
	if err != nil {
		return WrapExitError("invalid plan", err)
	}
	if err := absolutize(&cfg, p); err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, metricsHandler)
		defer shutdown()
	}

	newBackend := opts.NewBackend
	if newBackend == nil {
		newBackend = buildBackend
	}
	backend, closeBackend, err := newBackend(cfg, p)
	if err != nil {
		return WrapExitError("failed to set up aligner", err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			slog.Warn("Failed to close aligner backend", "error", err)
		}
	}()

	pl, err := pipeline.New(pipeline.Options{
		Config:  cfg,
		Plan:    p,
		Backend: backend,
		Metrics: metrics,
	})
	if err != nil {
		return WrapExitError("invalid run", err)
	}

	summary, runErr := pl.Run(ctx)
	if summary != nil {
		printSummary(out, summary)
	}
	if runErr != nil {
		return WrapExitError("run failed", runErr)
	}
	return nil
}

// buildBackend creates the configured aligner backend and its close function.
func buildBackend(cfg config.RunConfig, p *plan.Plan) (aligner.Backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		mounts := []string{cfg.WorkDir}
		for _, pr := range p.Proteomes {
			mounts = append(mounts, filepath.Dir(pr.Fasta))
		}
		runner, err := aligner.NewDockerRunner(aligner.DockerConfig{
			Image:      cfg.DockerImage,
			Entrypoint: cfg.ToolPath,
			Mounts:     dedupe(mounts),
			CPUs:       float64(cfg.Threads),
		})
		if err != nil {
			return nil, nil, err
		}
		return aligner.NewCommandBackend(runner), runner.Close, nil
	default:
		runner := &aligner.LocalRunner{Path: cfg.ToolPath}
		return aligner.NewCommandBackend(runner), func() error { return nil }, nil
	}
}

// absolutize makes the work directory, report and FASTA paths absolute so
// they resolve identically inside containers.
func absolutize(cfg *config.RunConfig, p *plan.Plan) error {
	for _, path := range []*string{&cfg.WorkDir, &cfg.ReportPath, &cfg.ReportDB} {
		if *path == "" {
			continue
		}
		abs, err := filepath.Abs(*path)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", *path, err)
		}
		*path = abs
	}
	for i := range p.Proteomes {
		abs, err := filepath.Abs(p.Proteomes[i].Fasta)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p.Proteomes[i].Fasta, err)
		}
		p.Proteomes[i].Fasta = abs
	}
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// serveMetrics starts the metrics server and returns its shutdown function.
func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}
}

func printSummary(out io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(out, "run %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	for _, kind := range []telemetry.Kind{telemetry.KindDatabase, telemetry.KindAlignment, telemetry.KindReduction, telemetry.KindOrthology} {
		counts := s.Counts[kind]
		if len(counts) == 0 {
			continue
		}
		statuses := make([]string, 0, len(counts))
		for st := range counts {
			statuses = append(statuses, st)
		}
		sort.Strings(statuses)
		fmt.Fprintf(out, "  %-10s", kind)
		for _, st := range statuses {
			fmt.Fprintf(out, " %s=%d", st, counts[st])
		}
		fmt.Fprintln(out)
	}
	for _, rec := range s.Failures {
		fmt.Fprintf(out, "  failed %s %s: %v\n", rec.Kind, rec.Pair, rec.Err)
	}
	fmt.Fprintf(out, "report: %s\n", s.Report)
}

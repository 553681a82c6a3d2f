// Package pipeline runs a full orchestration: preflight, database phase,
// complete and essential alignment phases and the orthology phase, each
// through a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"orthorun/internal/aligner"
	"orthorun/internal/alignment"
	"orthorun/internal/apperrors"
	"orthorun/internal/config"
	"orthorun/internal/dbbuild"
	"orthorun/internal/essential"
	"orthorun/internal/health"
	"orthorun/internal/observability"
	"orthorun/internal/ortholog"
	"orthorun/internal/plan"
	"orthorun/internal/queue"
	"orthorun/internal/telemetry"
	"orthorun/internal/within"
	"orthorun/pkg/circuitbreaker"
	"os"
	"time"

	"github.com/google/uuid"
)

// Options configures a pipeline.
type Options struct {
	Config  config.RunConfig
	Plan    *plan.Plan
	Backend aligner.Backend
	Metrics *observability.Metrics // nil disables metrics
	Engine  ortholog.Engine        // nil selects ortholog.BestHitEngine
	RunID   string                 // empty generates a UUIDv7

	// OnWithinFree is called once per within entry when its last orthology
	// job finishes.
	OnWithinFree func(plan.ProteomeID)
}

// Pipeline holds the wired components of one run.
type Pipeline struct {
	cfg      config.RunConfig
	dirs     config.Dirs
	plan     *plan.Plan
	runID    string
	raw      aligner.Backend
	breakers *circuitbreaker.Registry
	metrics  *observability.Metrics
	engine   ortholog.Engine
	onFree   func(plan.ProteomeID)

	builder  *dbbuild.Builder
	executor *alignment.Executor
	reducer  *essential.Engine

	logger *slog.Logger
}

// New validates the configuration and plan and wires the components.
// Nothing is started and no file is touched.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Plan == nil {
		return nil, apperrors.Configuration("plan", "a job plan is required")
	}
	if err := opts.Plan.Validate(); err != nil {
		return nil, err
	}
	if opts.Backend == nil {
		return nil, apperrors.Configuration("backend", "an aligner backend is required")
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.Must(uuid.NewV7()).String()
	}
	engine := opts.Engine
	if engine == nil {
		engine = ortholog.BestHitEngine{}
	}
	logger := slog.With("component", "pipeline", "runId", runID)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  circuitbreaker.DefaultConfig().Cooldown,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("Aligner circuit breaker changed state", "from", from.String(), "to", to.String())
		},
	})
	backend := aligner.Guard(opts.Backend, breakers, opts.Metrics)
	builder := dbbuild.NewBuilder(backend, opts.Metrics)
	executor := alignment.NewExecutor(backend, builder, nil)

	return &Pipeline{
		cfg:      cfg,
		dirs:     cfg.Dirs(),
		plan:     opts.Plan,
		runID:    runID,
		raw:      opts.Backend,
		breakers: breakers,
		metrics:  opts.Metrics,
		engine:   engine,
		onFree:   opts.OnWithinFree,
		builder:  builder,
		executor: executor,
		reducer:  essential.NewEngine(executor),
		logger:   logger,
	}, nil
}

// RunID returns the identifier of the run.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Run executes every phase. The returned summary is complete for the phases
// that ran, also when err is non-nil. A pool-fatal job error cancels the run
// and is returned as err.
func (p *Pipeline) Run(ctx context.Context) (summary *Summary, err error) {
	start := time.Now()
	p.logger.Info("Run started",
		"proteomes", len(p.plan.Proteomes),
		"jobs", len(p.plan.Jobs),
		"orthology", len(p.plan.Orthology),
		"workers", p.cfg.Workers,
		"workDir", p.cfg.WorkDir,
	)

	if err := p.preflight(ctx); err != nil {
		p.logger.Error("Preflight failed", "error", err)
		return nil, err
	}
	if err := p.makeDirs(); err != nil {
		return nil, err
	}

	agg, err := p.openTelemetry(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := agg.Close()
		summary = newSummary(p.runID, agg, p.cfg.ReportPath, time.Since(start))
		if closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to write report: %w", closeErr))
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	submit := func(rec telemetry.Record) {
		agg.Submit(rec)
		if rec.Err != nil && fatal(rec) {
			p.logger.Error("Pool-fatal job failure, cancelling run",
				"kind", string(rec.Kind), "pair", rec.Pair.String(), "error", rec.Err)
			cancel(rec.Err)
		}
	}

	phases := []struct {
		name string
		run  func(context.Context, func(telemetry.Record)) error
	}{
		{"database", p.databasePhase},
		{"complete", p.completePhase},
		{"essential", p.essentialPhase},
		{"orthology", p.orthologyPhase},
	}
	for _, phase := range phases {
		phaseStart := time.Now()
		p.logger.Info("Phase started", "phase", phase.name)
		if err := phase.run(ctx, submit); err != nil {
			p.logger.Error("Phase aborted", "phase", phase.name, "error", err)
			return nil, err
		}
		p.logger.Info("Phase finished", "phase", phase.name, "duration", time.Since(phaseStart))
	}

	if open := p.breakers.OpenKeys(); len(open) > 0 {
		p.logger.Warn("Run finished with open circuit breakers", "ops", open)
	}
	p.logger.Info("Run finished", "duration", time.Since(start))
	return nil, nil
}

// preflight checks the aligner and every input FASTA before any worker starts.
func (p *Pipeline) preflight(ctx context.Context) error {
	checker := health.NewChecker(p.cfg.PreflightTimeout)
	checker.Add("aligner", health.CheckFunc(p.raw.Ready))
	checker.Add("inputs", health.CheckFunc(func(ctx context.Context) error {
		var errs []error
		for _, pr := range p.plan.Proteomes {
			if !aligner.Exists(pr.Fasta) {
				errs = append(errs, apperrors.MissingInput(pr.Fasta))
			}
		}
		return errors.Join(errs...)
	}))

	resp := checker.Run(ctx)
	for name, res := range resp.Checks {
		p.logger.Debug("Preflight check", "check", name, "status", string(res.Status), "duration", res.Duration)
	}
	return resp.Err()
}

func (p *Pipeline) makeDirs() error {
	for _, dir := range []string{p.dirs.Databases, p.dirs.Alignments, p.dirs.Essential, p.dirs.Orthologs, p.dirs.Tmp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func (p *Pipeline) openTelemetry(ctx context.Context) (*telemetry.Aggregator, error) {
	report, err := telemetry.NewTSVReport(p.cfg.ReportPath)
	if err != nil {
		return nil, err
	}
	sinks := []telemetry.Sink{report}
	if p.cfg.ReportDB != "" {
		db, err := telemetry.OpenSQLite(ctx, p.cfg.ReportDB, p.runID)
		if err != nil {
			report.Close()
			return nil, err
		}
		sinks = append(sinks, db)
	}
	return telemetry.NewAggregator(sinks...), nil
}

func (p *Pipeline) queueConfig(name string) queue.Config {
	return queue.Config{Name: name, Workers: p.cfg.Workers}
}

func (p *Pipeline) newWithinTable() *within.Table[*within.Stats] {
	return within.NewTable[*within.Stats](p.plan.WithinRefcounts(),
		within.StatsLoader{Dir: p.dirs.Alignments},
		within.WithRecorder(p.metrics),
		within.WithOnFree(func(id plan.ProteomeID) {
			p.logger.Debug("Within entry freed", "proteome", string(id))
			if p.onFree != nil {
				p.onFree(id)
			}
		}),
	)
}

// fatal reports whether a failed record aborts the whole run. Missing inputs
// always do; a missing alignment only does for orthology jobs, since an
// essential job without its reference is job-local.
func fatal(rec telemetry.Record) bool {
	switch {
	case errors.Is(rec.Err, apperrors.ErrMissingInputFile):
		return true
	case errors.Is(rec.Err, apperrors.ErrMissingReferenceAlignment):
		return rec.Kind == telemetry.KindOrthology
	default:
		return false
	}
}

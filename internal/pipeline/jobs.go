package pipeline

import (
	"context"
	"fmt"
	"orthorun/internal/aligner"
	"orthorun/internal/alignment"
	"orthorun/internal/essential"
	"orthorun/internal/ortholog"
	"orthorun/internal/plan"
	"orthorun/internal/queue"
	"orthorun/internal/telemetry"
	"time"
)

// Job kinds used as metric labels.
const (
	jobDatabase  = "database"
	jobAlignment = "alignment"
	jobEssential = "essential"
	jobOrthology = "orthology"
)

func (p *Pipeline) databasePhase(ctx context.Context, submit func(telemetry.Record)) error {
	_, err := queue.Run(ctx, p.plan.Proteomes, p.queueConfig("database"),
		func(ctx context.Context, pr plan.Proteome) []telemetry.Record {
			self := plan.PairKey{A: pr.ID, B: pr.ID}
			done := p.track(ctx, jobDatabase)
			h, err := p.builder.EnsureDatabase(ctx, pr, p.dirs.Databases, p.cfg.BuildIndex, p.cfg.Threads)
			if err != nil {
				p.logger.Warn("Database job failed", "proteome", string(pr.ID), "error", err)
				rec := telemetry.Failed(telemetry.KindDatabase, self, err)
				done(rec.Status)
				return []telemetry.Record{rec}
			}
			p.logger.Info("Database ready", "proteome", string(pr.ID), "existed", h.Existed, "duration", h.Duration)
			done(telemetry.StatusOK)
			return []telemetry.Record{{Kind: telemetry.KindDatabase, Pair: self, Status: telemetry.StatusOK}}
		}, submit,
		queue.WithOnPanic(func(pr plan.Proteome, recovered any) []telemetry.Record {
			self := plan.PairKey{A: pr.ID, B: pr.ID}
			return []telemetry.Record{telemetry.Failed(telemetry.KindDatabase, self, panicError(recovered))}
		}))
	return err
}

// completePhase runs every job whose first direction is exhaustive, followed by
// the self alignments the orthology phase reads within data from.
func (p *Pipeline) completePhase(ctx context.Context, submit func(telemetry.Record)) error {
	var jobs []plan.Job
	for _, j := range p.plan.Jobs {
		if !j.Type.DependsOnPriorArtifact() {
			jobs = append(jobs, j)
		}
	}
	for id, refs := range p.plan.WithinRefcounts() {
		if refs > 0 {
			jobs = append(jobs, plan.Job{Pair: plan.PairKey{A: id, B: id}, Type: plan.ForwardComplete})
		}
	}
	_, err := queue.Run(ctx, jobs, p.queueConfig("complete"), p.alignJob, submit,
		queue.WithOnPanic(alignPanicked))
	return err
}

func (p *Pipeline) essentialPhase(ctx context.Context, submit func(telemetry.Record)) error {
	var jobs []plan.Job
	for _, j := range p.plan.Jobs {
		if j.Type.DependsOnPriorArtifact() {
			jobs = append(jobs, j)
		}
	}
	_, err := queue.Run(ctx, jobs, p.queueConfig("essential"), p.alignJob, submit,
		queue.WithOnPanic(alignPanicked))
	return err
}

func (p *Pipeline) orthologyPhase(ctx context.Context, submit func(telemetry.Record)) error {
	if len(p.plan.Orthology) == 0 {
		return nil
	}
	table := p.newWithinTable()
	defer func() {
		if pending := table.Pending(); len(pending) > 0 {
			p.logger.Warn("Within entries still referenced at end of phase", "proteomes", pending)
		}
		table.Close()
	}()

	coord := ortholog.NewCoordinator(p.engine, table, p.dirs.Alignments, p.dirs.Orthologs)
	_, err := queue.Run(ctx, p.plan.Orthology, p.queueConfig("orthology"),
		func(ctx context.Context, pair plan.PairKey) []telemetry.Record {
			done := p.track(ctx, jobOrthology)
			_, rec, err := coord.InferOrthologs(ctx, pair)
			if err != nil {
				p.logger.Warn("Orthology job failed", "pair", pair.String(), "error", err)
			}
			done(rec.Status)
			return []telemetry.Record{rec}
		}, submit,
		queue.WithOnPanic(func(pair plan.PairKey, recovered any) []telemetry.Record {
			return []telemetry.Record{telemetry.Failed(telemetry.KindOrthology, pair, panicError(recovered))}
		}))
	return err
}

// alignJob produces every direction of one job in order. Once a direction
// fails, the remaining ones are reported as skipped.
func (p *Pipeline) alignJob(ctx context.Context, job plan.Job) []telemetry.Record {
	var out []telemetry.Record
	var failed bool
	for _, d := range job.Type.Directions(job.Pair) {
		if failed {
			out = append(out, telemetry.Record{Kind: telemetry.KindAlignment, Pair: d.Pair, Status: telemetry.StatusSkipped})
			if d.Essential {
				out = append(out, telemetry.Record{Kind: telemetry.KindReduction, Pair: d.Pair, Status: telemetry.StatusSkipped})
			}
			continue
		}

		var recs []telemetry.Record
		if d.Essential {
			recs = p.essentialDirection(ctx, job, d.Pair)
		} else {
			recs = p.completeDirection(ctx, job, d.Pair)
		}
		for _, rec := range recs {
			if !rec.OK() && rec.Status != telemetry.StatusSkipped {
				failed = true
			}
		}
		out = append(out, recs...)
	}
	return out
}

// alignPanicked reports every direction of a panicked job as failed.
func alignPanicked(job plan.Job, recovered any) []telemetry.Record {
	err := panicError(recovered)
	var out []telemetry.Record
	for _, d := range job.Type.Directions(job.Pair) {
		out = append(out, telemetry.Failed(telemetry.KindAlignment, d.Pair, err))
		if d.Essential {
			out = append(out, telemetry.Failed(telemetry.KindReduction, d.Pair, err))
		}
	}
	return out
}

func panicError(recovered any) error {
	return fmt.Errorf("job panicked: %v", recovered)
}

func (p *Pipeline) completeDirection(ctx context.Context, job plan.Job, pair plan.PairKey) []telemetry.Record {
	logger := p.logger.With("pair", pair.String(), "job", job.String())
	if pair.IsSelf() && aligner.Exists(alignment.Path(p.dirs.Alignments, pair)) {
		logger.Info("Self alignment present, skipping")
		return []telemetry.Record{{Kind: telemetry.KindAlignment, Pair: pair, Status: telemetry.StatusSkipped}}
	}

	query, target := p.proteomes(pair)
	done := p.track(ctx, jobAlignment)
	art, err := p.executor.RunAlignment(ctx, alignment.Request{
		Query:            query,
		Target:           target,
		Threads:          p.threads(job),
		Sensitivity:      p.cfg.Sensitivity,
		BuildIndex:       p.cfg.BuildIndex,
		DBDir:            p.dirs.Databases,
		OutDir:           p.dirs.Alignments,
		TmpDir:           p.dirs.Tmp,
		KeepIntermediate: p.cfg.KeepIntermediate,
	})
	if err != nil {
		logger.Warn("Alignment failed", "error", err)
		rec := telemetry.Failed(telemetry.KindAlignment, pair, err)
		done(rec.Status)
		return []telemetry.Record{rec}
	}
	done(telemetry.StatusOK)
	return []telemetry.Record{alignmentRecord(art)}
}

func (p *Pipeline) essentialDirection(ctx context.Context, job plan.Job, pair plan.PairKey) []telemetry.Record {
	logger := p.logger.With("pair", pair.String(), "job", job.String())
	query, target := p.proteomes(pair)
	querySize, targetSize := job.SizeA, job.SizeB
	if pair != job.Pair {
		querySize, targetSize = job.SizeB, job.SizeA
	}
	if querySize == 0 {
		querySize = query.Size
	}
	if targetSize == 0 {
		targetSize = target.Size
	}

	done := p.track(ctx, jobEssential)
	res, art, err := p.reducer.ReduceAndAlign(ctx, essential.Request{
		Query:            query,
		Target:           target,
		QuerySize:        querySize,
		TargetSize:       targetSize,
		Threads:          p.threads(job),
		Sensitivity:      p.cfg.Sensitivity,
		BuildIndex:       p.cfg.BuildIndex,
		AlignmentsDir:    p.dirs.Alignments,
		EssentialDir:     p.dirs.Essential,
		TmpDir:           p.dirs.Tmp,
		KeepIntermediate: p.cfg.KeepIntermediate,
	})
	if err != nil {
		logger.Warn("Essential alignment failed", "error", err)
		rec := telemetry.Failed(telemetry.KindAlignment, pair, err)
		red := telemetry.Failed(telemetry.KindReduction, pair, err)
		if res.Reduction > 0 {
			red = reductionRecord(res)
		}
		done(rec.Status)
		return []telemetry.Record{rec, red}
	}

	p.metrics.RecordRetained(ctx, res.Query.Retained())
	p.metrics.RecordRetained(ctx, res.Target.Retained())
	done(telemetry.StatusOK)
	return []telemetry.Record{alignmentRecord(art), reductionRecord(res)}
}

// track records a job start and returns the function recording its end.
func (p *Pipeline) track(ctx context.Context, kind string) func(status string) {
	start := time.Now()
	p.metrics.RecordJobStarted(ctx, kind)
	return func(status string) {
		p.metrics.RecordJobFinished(ctx, kind, status, time.Since(start).Seconds())
	}
}

func (p *Pipeline) proteomes(pair plan.PairKey) (query, target plan.Proteome) {
	query, _ = p.plan.Proteome(pair.A)
	target, _ = p.plan.Proteome(pair.B)
	return query, target
}

func (p *Pipeline) threads(job plan.Job) int {
	if job.Threads > 0 {
		return job.Threads
	}
	return p.cfg.Threads
}

func alignmentRecord(art alignment.Artifact) telemetry.Record {
	return telemetry.Record{
		Kind:    telemetry.KindAlignment,
		Pair:    art.Pair,
		Search:  art.Timing.Search,
		Convert: art.Timing.Convert,
		Parse:   art.Timing.Parse,
		Status:  telemetry.StatusOK,
	}
}

func reductionRecord(res essential.Result) telemetry.Record {
	return telemetry.Record{
		Kind:      telemetry.KindReduction,
		Pair:      res.Pair,
		RetainedA: res.Query.Retained(),
		RetainedB: res.Target.Retained(),
		Reduction: res.Reduction,
		Status:    telemetry.StatusOK,
	}
}

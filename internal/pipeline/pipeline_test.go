package pipeline

import (
	"context"
	"errors"
	"orthorun/internal/aligner/alignertest"
	"orthorun/internal/alignment"
	"orthorun/internal/apperrors"
	"orthorun/internal/config"
	"orthorun/internal/ortholog"
	"orthorun/internal/plan"
	"orthorun/internal/telemetry"
	"orthorun/internal/testutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtureProteomes = map[plan.ProteomeID]string{
	"A": ">a1\nMKVLAAGIVGLL\n>a2\nPPPPQQQQRRRR\n>a3\nCCCCDDDDEEEE\n",
	"B": ">b1\nMKVLAAGIVGKK\n>b2\nWWWWYYYYWWWW\n>b3\nPPPPQQQQRRSS\n",
	"C": ">c1\nMKVLAAGIVGHH\n>c2\nCCCCDDDDEEFF\n>c3\nNNNNTTTTNNNN\n",
}

type fixture struct {
	dir     string
	backend *alignertest.Backend
	plan    *plan.Plan
	cfg     config.RunConfig
}

func newFixture(t *testing.T, jobs []plan.Job, orthology []plan.PairKey) *fixture {
	t.Helper()
	dir := t.TempDir()
	p := &plan.Plan{Jobs: jobs, Orthology: orthology}
	for _, id := range []plan.ProteomeID{"A", "B", "C"} {
		p.Proteomes = append(p.Proteomes, testutil.WriteProteome(t, filepath.Join(dir, "input"), id, fixtureProteomes[id]))
	}
	return &fixture{
		dir:     dir,
		backend: alignertest.New(),
		plan:    p,
		cfg: config.RunConfig{
			WorkDir:     filepath.Join(dir, "work"),
			Workers:     2,
			Sensitivity: 4,
		},
	}
}

func (f *fixture) run(t *testing.T, opts Options) (*Summary, error) {
	t.Helper()
	opts.Config = f.cfg
	opts.Plan = f.plan
	opts.Backend = f.backend
	p, err := New(opts)
	require.NoError(t, err)
	return p.Run(context.Background())
}

func (f *fixture) alignment(pair string) string {
	k, _ := plan.ParsePairKey(pair)
	return alignment.Path(filepath.Join(f.cfg.WorkDir, "alignments"), k)
}

func pair(s string) plan.PairKey {
	k, err := plan.ParsePairKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// reportRows returns the report rows keyed by kind, without the header.
func reportRows(t *testing.T, path string) map[string][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)
	assert.Equal(t, strings.Join(telemetry.Columns, "\t"), lines[0])

	rows := make(map[string][]string)
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		require.Len(t, fields, len(telemetry.Columns))
		rows[fields[0]] = append(rows[fields[0]], fields[1]+" "+fields[9])
	}
	return rows
}

func scenarioJobs() []plan.Job {
	return []plan.Job{
		{Pair: pair("A-B"), Type: plan.BothComplete},
		{Pair: pair("A-C"), Type: plan.ForwardComplete},
		{Pair: pair("A-C"), Type: plan.ReverseEssential},
		{Pair: pair("B-C"), Type: plan.ForwardThenReverse},
	}
}

func TestRun_Scenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scenarioJobs(), nil)

	summary, err := f.run(t, Options{RunID: "run-1"})
	require.NoError(t, err)
	require.NotNil(t, summary)

	for _, p := range []string{"A-B", "B-A", "A-C", "C-A", "B-C", "C-B"} {
		assert.FileExists(t, f.alignment(p))
	}
	assert.NoFileExists(t, f.alignment("A-A"), "no self alignments without orthology")

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 6, summary.OK(telemetry.KindAlignment))
	assert.Equal(t, 6, summary.Total(telemetry.KindAlignment))
	assert.Equal(t, 2, summary.OK(telemetry.KindReduction))
	assert.Equal(t, 3, summary.OK(telemetry.KindDatabase))
	assert.Empty(t, summary.Failures)

	rows := reportRows(t, summary.Report)
	assert.ElementsMatch(t, []string{"A-B ok", "B-A ok", "A-C ok", "C-A ok", "B-C ok", "C-B ok"}, rows["alignment"])
	assert.ElementsMatch(t, []string{"C-A ok", "C-B ok"}, rows["reduction"])
	assert.Empty(t, rows["database"], "database jobs are not reported")
}

func TestRun_Orthology(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scenarioJobs(), []plan.PairKey{pair("A-B"), pair("A-C"), pair("B-C")})

	var mu sync.Mutex
	freed := make(map[plan.ProteomeID]int)
	summary, err := f.run(t, Options{OnWithinFree: func(id plan.ProteomeID) {
		mu.Lock()
		freed[id]++
		mu.Unlock()
	}})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.OK(telemetry.KindOrthology))
	assert.Equal(t, 9, summary.OK(telemetry.KindAlignment), "six directed plus three self alignments")
	assert.Equal(t, map[plan.ProteomeID]int{"A": 1, "B": 1, "C": 1}, freed)

	orthologs := filepath.Join(f.cfg.WorkDir, "orthologs")
	for _, p := range []string{"A-B", "A-C", "B-C"} {
		assert.FileExists(t, ortholog.TablePath(orthologs, pair(p)))
	}
	data, err := os.ReadFile(ortholog.TablePath(orthologs, pair("A-B")))
	require.NoError(t, err)
	assert.Contains(t, string(data), "a1\tb1\t")
}

func TestRun_SelfAlignmentReused(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []plan.Job{{Pair: pair("A-B"), Type: plan.BothComplete}}, []plan.PairKey{pair("A-B")})

	_, err := f.run(t, Options{})
	require.NoError(t, err)
	searches := f.backend.Calls("search")

	summary, err := f.run(t, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Counts[telemetry.KindAlignment][telemetry.StatusSkipped])
	assert.Equal(t, searches+2, f.backend.Calls("search"), "only the cross alignments run again")
}

func TestRun_EssentialWithoutReferenceIsJobLocal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []plan.Job{
		{Pair: pair("A-B"), Type: plan.ReverseEssential},
		{Pair: pair("A-C"), Type: plan.ForwardComplete},
	}, nil)

	summary, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OK(telemetry.KindAlignment))
	assert.Equal(t, 1, summary.Counts[telemetry.KindAlignment]["missing-dependency"])
	assert.Equal(t, 1, summary.Counts[telemetry.KindReduction]["missing-dependency"])
	assert.Len(t, summary.Failures, 2)
	assert.FileExists(t, f.alignment("A-C"))
	assert.NoFileExists(t, f.alignment("B-A"))
}

func TestRun_MissingOrthologyInputIsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []plan.Job{{Pair: pair("A-B"), Type: plan.ForwardComplete}}, []plan.PairKey{pair("A-B")})

	summary, err := f.run(t, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingReferenceAlignment)
	assert.Equal(t, apperrors.ExitMissingInput, apperrors.ExitCode(err))
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Counts[telemetry.KindOrthology]["missing-dependency"])
}

func TestRun_ToolFailureOpensBreaker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []plan.Job{
		{Pair: pair("A-B"), Type: plan.ForwardComplete},
		{Pair: pair("A-C"), Type: plan.ForwardComplete},
		{Pair: pair("B-C"), Type: plan.ForwardComplete},
	}, nil)
	f.cfg.Workers = 1
	f.cfg.BreakerThreshold = 2
	f.backend.Fail["search"] = errors.New("segfault")

	summary, err := f.run(t, Options{})
	require.NoError(t, err, "tool failures are job-local")

	assert.Equal(t, 2, f.backend.Calls("search"))
	assert.Equal(t, 3, summary.Counts[telemetry.KindAlignment]["tool-failure"])
}

func TestRun_TypeTwoSkipsReverseAfterForwardFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []plan.Job{{Pair: pair("B-C"), Type: plan.ForwardThenReverse}}, nil)
	f.backend.Fail["convertalis"] = errors.New("disk full")

	summary, err := f.run(t, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts[telemetry.KindAlignment]["tool-failure"])
	assert.Equal(t, 1, summary.Counts[telemetry.KindAlignment][telemetry.StatusSkipped])
	assert.Equal(t, 1, summary.Counts[telemetry.KindReduction][telemetry.StatusSkipped])
}

func TestRun_PreflightFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing fasta", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scenarioJobs(), nil)
		require.NoError(t, os.Remove(f.plan.Proteomes[1].Fasta))

		summary, err := f.run(t, Options{})
		assert.Nil(t, summary)
		assert.ErrorIs(t, err, apperrors.ErrMissingInputFile)
		assert.Equal(t, apperrors.ExitMissingInput, apperrors.ExitCode(err))
		assert.NoDirExists(t, f.cfg.WorkDir, "nothing is written before preflight passes")
	})

	t.Run("missing tool", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, scenarioJobs(), nil)
		f.backend.ReadyErr = apperrors.ToolNotFound("mmseqs", errors.New("not in PATH"))

		_, err := f.run(t, Options{})
		assert.ErrorIs(t, err, apperrors.ErrToolNotFound)
		assert.Equal(t, apperrors.ExitToolMissing, apperrors.ExitCode(err))
		assert.Zero(t, f.backend.Calls("createdb"))
	})
}

func TestNew_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scenarioJobs(), nil)

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"sensitivity", func(o *Options) { o.Config.Sensitivity = 9 }},
		{"plan", func(o *Options) { o.Plan = nil }},
		{"backend", func(o *Options) { o.Backend = nil }},
		{"self job", func(o *Options) {
			o.Plan = &plan.Plan{Proteomes: f.plan.Proteomes, Jobs: []plan.Job{{Pair: pair("A-A")}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{Config: f.cfg, Plan: f.plan, Backend: f.backend}
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Equal(t, apperrors.ExitConfiguration, apperrors.ExitCode(err))
		})
	}
}

func TestNew_GeneratesRunID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scenarioJobs(), nil)
	p, err := New(Options{Config: f.cfg, Plan: f.plan, Backend: f.backend})
	require.NoError(t, err)
	assert.Len(t, p.RunID(), 36)
}

func (f *fixture) loadPlan(t *testing.T, doc string) {
	t.Helper()
	path := filepath.Join(f.dir, "input", "plan.yaml")
	testutil.WriteFile(t, path, doc)
	p, err := plan.LoadFile(path)
	require.NoError(t, err)
	f.plan = p
}

const planProteomes = `
proteomes:
  - {id: A, fasta: A.fa}
  - {id: B, fasta: B.fa}
  - {id: C, fasta: C.fa}
`

func TestRun_PlanFileScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.loadPlan(t, planProteomes+`
jobs:
  - {pair: A-B, type: 4}
  - {pair: A-C, type: 0}
  - {pair: A-C, type: 1}
  - {pair: B-C, type: 2}
`)
	assert.Equal(t, filepath.Join(f.dir, "input", "A.fa"), f.plan.Proteomes[0].Fasta)

	summary, err := f.run(t, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.OK(telemetry.KindOrthology))
	assert.Equal(t, 9, summary.OK(telemetry.KindAlignment))
	assert.Equal(t, 2, summary.OK(telemetry.KindReduction))
	assert.Empty(t, summary.Failures)
}

func TestRun_PlanFileDefaultOrthologySkipsOneWayPairs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, nil)
	f.loadPlan(t, planProteomes+`
jobs:
  - {pair: A-B, type: 4}
  - {pair: A-C, type: 0}
  - {pair: B-C, type: 1}
`)
	require.Equal(t, []plan.PairKey{pair("A-B")}, f.plan.Orthology)

	summary, err := f.run(t, Options{})
	require.NoError(t, err, "a missing essential reference stays job-local")
	assert.Equal(t, 1, summary.OK(telemetry.KindOrthology))
	assert.Equal(t, 5, summary.OK(telemetry.KindAlignment), "A-B, B-A, A-C and two self alignments")
	assert.Equal(t, 1, summary.Counts[telemetry.KindAlignment]["missing-dependency"])
	assert.Equal(t, 1, summary.Counts[telemetry.KindReduction]["missing-dependency"])
	assert.NoFileExists(t, f.alignment("C-B"))
}

type panickingEngine struct {
	on plan.PairKey
}

func (e panickingEngine) Infer(ctx context.Context, in ortholog.Input) ([]ortholog.Ortholog, error) {
	if in.Pair == e.on {
		panic("index out of range")
	}
	return ortholog.BestHitEngine{}.Infer(ctx, in)
}

func TestRun_PanickingOrthologyJobIsReported(t *testing.T) {
	t.Parallel()
	f := newFixture(t, scenarioJobs(), []plan.PairKey{pair("A-B"), pair("A-C")})

	var mu sync.Mutex
	freed := make(map[plan.ProteomeID]int)
	summary, err := f.run(t, Options{
		Engine: panickingEngine{on: pair("A-B")},
		OnWithinFree: func(id plan.ProteomeID) {
			mu.Lock()
			freed[id]++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OK(telemetry.KindOrthology))
	assert.Equal(t, 2, summary.Total(telemetry.KindOrthology))
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, pair("A-B"), summary.Failures[0].Pair)
	assert.ErrorContains(t, summary.Failures[0].Err, "job panicked: index out of range")
	assert.Equal(t, map[plan.ProteomeID]int{"A": 1, "B": 1, "C": 1}, freed)

	rows := reportRows(t, summary.Report)
	assert.ElementsMatch(t, []string{"A-B error", "A-C ok"}, rows["orthology"])
}

func TestAlignPanicked(t *testing.T) {
	t.Parallel()
	recs := alignPanicked(plan.Job{Pair: pair("A-B"), Type: plan.ForwardThenReverse}, "boom")

	require.Len(t, recs, 3)
	assert.Equal(t, telemetry.KindAlignment, recs[0].Kind)
	assert.Equal(t, pair("A-B"), recs[0].Pair)
	assert.Equal(t, telemetry.KindAlignment, recs[1].Kind)
	assert.Equal(t, pair("B-A"), recs[1].Pair)
	assert.Equal(t, telemetry.KindReduction, recs[2].Kind)
	for _, rec := range recs {
		assert.Equal(t, "error", rec.Status)
		assert.ErrorContains(t, rec.Err, "boom")
	}
}

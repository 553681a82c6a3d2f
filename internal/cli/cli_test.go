package cli

import (
	"bytes"
	"context"
	"errors"
	"orthorun/internal/aligner"
	"orthorun/internal/aligner/alignertest"
	"orthorun/internal/apperrors"
	"orthorun/internal/config"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlan = `proteomes:
  - id: A
    fasta: A.fa
  - id: B
    fasta: B.fa
jobs:
  - pair: A-B
    type: 2
orthology: []
`

func writePlan(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.fa"), []byte(">a1\nMKVLAAGIVGLL\n>a2\nPPPPQQQQRRRR\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.fa"), []byte(">b1\nMKVLAAGIVGKK\n>b2\nWWWWYYYYWWWW\n"), 0o644))
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--log-format", "text"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "orthorun "))
}

func TestPlanValidate(t *testing.T) {
	path := writePlan(t, testPlan)

	out, err := execute(t, "plan", "validate", "--check-files", "-v", path)
	require.NoError(t, err)
	assert.Contains(t, out, "plan ok: 2 proteomes, 1 jobs, 0 orthology pairs")
	assert.Contains(t, out, "A-B\tcomplete")
	assert.Contains(t, out, "B-A\tessential")
}

func TestPlanValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad type", strings.Replace(testPlan, "type: 2", "type: 7", 1), apperrors.ExitConfiguration},
		{"unknown field", testPlan + "extra: 1\n", apperrors.ExitConfiguration},
		{"missing fasta", strings.Replace(testPlan, "B.fa", "missing.fa", 1), apperrors.ExitMissingInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "plan", "validate", "--check-files", writePlan(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.code, ExitCode(err))
		})
	}
}

func TestInvalidLogFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--log-format", "xml", "version"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func fakeBackend(b *alignertest.Backend) func(config.RunConfig, *plan.Plan) (aligner.Backend, func() error, error) {
	return func(config.RunConfig, *plan.Plan) (aligner.Backend, func() error, error) {
		return b, func() error { return nil }, nil
	}
}

func TestRunPipeline(t *testing.T) {
	planPath := writePlan(t, testPlan)
	workDir := filepath.Join(t.TempDir(), "work")
	opts := &RunOptions{
		RootOptions: &RootOptions{LogFormat: "text"},
		PlanPath:    planPath,
		Config:      config.RunConfig{WorkDir: workDir, Workers: 2, Sensitivity: 4, Backend: config.BackendLocal},
		NewBackend:  fakeBackend(alignertest.New()),
	}

	var out bytes.Buffer
	require.NoError(t, runPipeline(context.Background(), opts, &out))
	assert.Contains(t, out.String(), "alignment  ok=2")
	assert.Contains(t, out.String(), "reduction  ok=1")
	assert.FileExists(t, filepath.Join(workDir, "report.tsv"))
	assert.FileExists(t, filepath.Join(workDir, "alignments", "B-A"))
}

func TestRunPipeline_ExitCodes(t *testing.T) {
	planPath := writePlan(t, testPlan)
	base := func() *RunOptions {
		return &RunOptions{
			RootOptions: &RootOptions{LogFormat: "text"},
			PlanPath:    planPath,
			Config:      config.RunConfig{WorkDir: filepath.Join(t.TempDir(), "work"), Sensitivity: 4},
			NewBackend:  fakeBackend(alignertest.New()),
		}
	}

	t.Run("no plan", func(t *testing.T) {
		opts := base()
		opts.PlanPath = ""
		assert.Equal(t, ExitUsage, ExitCode(runPipeline(context.Background(), opts, &bytes.Buffer{})))
	})
	t.Run("bad sensitivity", func(t *testing.T) {
		opts := base()
		opts.Config.Sensitivity = 10
		assert.Equal(t, apperrors.ExitConfiguration, ExitCode(runPipeline(context.Background(), opts, &bytes.Buffer{})))
	})
	t.Run("tool missing", func(t *testing.T) {
		opts := base()
		b := alignertest.New()
		b.ReadyErr = apperrors.ToolNotFound("mmseqs", errors.New("not found"))
		opts.NewBackend = fakeBackend(b)
		assert.Equal(t, apperrors.ExitToolMissing, ExitCode(runPipeline(context.Background(), opts, &bytes.Buffer{})))
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 7, ExitCode(NewExitError(7, "custom")))
	assert.Equal(t, apperrors.ExitToolFailure, ExitCode(WrapExitError("run failed", apperrors.ToolExit("search", errors.New("boom")))))
	assert.Equal(t, apperrors.ExitFailure, ExitCode(errors.New("plain")))
}

package within

import (
	"context"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsLoader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rows := "a1\ta1\t100\t10\t1e-20\t50\t1\t10\t1\t10\n" +
		"a1\ta1\t100\t10\t1e-25\t55\t1\t10\t1\t10\n" +
		"a1\ta2\t40\t10\t1e-3\t20\t1\t10\t1\t10\n" +
		"a2\ta2\t100\t8\t1e-15\t30\t1\t8\t1\t8\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A-A"), []byte(rows), 0o644))

	stats, err := StatsLoader{Dir: dir}.Load(context.Background(), "A")
	require.NoError(t, err)

	assert.Equal(t, plan.ProteomeID("A"), stats.Proteome)
	assert.Equal(t, map[string]float64{"a1": 55, "a2": 30}, stats.SelfScore)
	assert.Equal(t, 55.0, stats.Score("a1"))
	assert.Equal(t, 0.0, stats.Score("a9"))
}

func TestStatsLoader_MissingSelfAlignment(t *testing.T) {
	t.Parallel()
	_, err := StatsLoader{Dir: t.TempDir()}.Load(context.Background(), "A")
	assert.ErrorIs(t, err, apperrors.ErrMissingReferenceAlignment)
}

func TestStats_NilScore(t *testing.T) {
	t.Parallel()
	var s *Stats
	assert.Equal(t, 0.0, s.Score("a1"))
}

func TestTable_WithStatsLoader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B-B"), []byte("b1\tb1\t100\t5\t1e-9\t12\t1\t5\t1\t5\n"), 0o644))

	table := NewTable[*Stats](map[plan.ProteomeID]int{"B": 1}, StatsLoader{Dir: dir})
	defer table.Close()

	stats, err := table.Acquire(context.Background(), "B")
	require.NoError(t, err)
	assert.Equal(t, 12.0, stats.Score("b1"))
}

package alignment

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabularParser_KeepsBestHitPerPair(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	table := filepath.Join(dir, "hits.m8")
	rows := strings.Join([]string{
		"q1\tt1\t50\t100\t1e-5\t40\t1\t100\t1\t100",
		"q1\tt2\t60\t100\t1e-6\t45\t1\t100\t1\t100",
		"q1\tt1\t70\t90\t1e-9\t60\t5\t95\t5\t95",
		"q2\tt1\t80\t80\t1e-7\t50\t1\t80\t1\t80",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(table, []byte(rows), 0o644))

	out := filepath.Join(dir, "final", "A-B")
	stats, err := TabularParser{}.Parse(context.Background(), table, out)
	require.NoError(t, err)
	assert.Equal(t, ParseStats{Rows: 4, Hits: 3}, stats)

	var hits []Hit
	require.NoError(t, ReadHits(context.Background(), out, func(h Hit) error {
		hits = append(hits, h)
		return nil
	}))
	require.Len(t, hits, 3)
	assert.Equal(t, "t1", hits[0].Target)
	assert.Equal(t, 60.0, hits[0].Bitscore, "best q1/t1 row wins")
	assert.Equal(t, "t2", hits[1].Target)
	assert.Equal(t, "q2", hits[2].Query)
}

func TestTabularParser_EmptyTable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	table := filepath.Join(dir, "hits.m8")
	require.NoError(t, os.WriteFile(table, nil, 0o644))

	out := filepath.Join(dir, "A-B")
	stats, err := TabularParser{}.Parse(context.Background(), table, out)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Hits)
	assert.FileExists(t, out, "an empty alignment is still an artifact")
}

func TestTabularParser_MalformedTableLeavesNoOutput(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	table := filepath.Join(dir, "hits.m8")
	require.NoError(t, os.WriteFile(table, []byte("only-one-column\n"), 0o644))

	out := filepath.Join(dir, "A-B")
	_, err := TabularParser{}.Parse(context.Background(), table, out)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}

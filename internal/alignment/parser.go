package alignment

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ParseStats describes one table-parsing step.
type ParseStats struct {
	Rows int // rows read from the tool's table
	Hits int // rows written to the final file
}

// Parser turns the tool's tabular output into the final directed alignment file.
type Parser interface {
	Parse(ctx context.Context, tablePath, outPath string) (ParseStats, error)
}

// TabularParser keeps the best-scoring row per (query, target) pair, in order
// of first appearance. The output replaces outPath atomically.
type TabularParser struct{}

// Parse implements Parser.
func (TabularParser) Parse(ctx context.Context, tablePath, outPath string) (ParseStats, error) {
	var stats ParseStats

	type key struct{ q, t string }
	index := make(map[key]int)
	var best []Hit

	err := ReadHits(ctx, tablePath, func(h Hit) error {
		stats.Rows++
		k := key{h.Query, h.Target}
		if i, ok := index[k]; ok {
			if h.Better(best[i]) {
				best[i] = h
			}
			return nil
		}
		index[k] = len(best)
		best = append(best, h)
		return nil
	})
	if err != nil {
		return stats, err
	}

	if err := writeHits(outPath, best); err != nil {
		return stats, err
	}
	stats.Hits = len(best)
	return stats, nil
}

func writeHits(path string, hits []Hit) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".parse-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, h := range hits {
		if _, err := fmt.Fprintln(w, h.String()); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package testutil

import (
	"fmt"
	"orthorun/internal/plan"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile writes body to path, creating parent directories.
func WriteFile(tb testing.TB, path, body string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// WriteProteome writes fasta to dir/<id>.fa and returns the proteome.
func WriteProteome(tb testing.TB, dir string, id plan.ProteomeID, fasta string) plan.Proteome {
	tb.Helper()
	path := filepath.Join(dir, string(id)+".fa")
	WriteFile(tb, path, fasta)
	return plan.Proteome{ID: id, Fasta: path}
}

// HitLine formats a ten-column tabular hit with the given bit score.
func HitLine(query, target string, bits float64) string {
	return fmt.Sprintf("%s\t%s\t90.0\t100\t1e-10\t%g\t1\t100\t1\t100", query, target, bits)
}

// WriteHits writes one hit line per entry to path.
func WriteHits(tb testing.TB, path string, lines ...string) {
	tb.Helper()
	body := strings.Join(lines, "\n")
	if body != "" {
		body += "\n"
	}
	WriteFile(tb, path, body)
}

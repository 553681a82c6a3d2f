// Package fasta reads protein FASTA files and writes sequence subsets.
package fasta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// lineWidth is the residue count per line when writing FASTA.
const lineWidth = 60

// Record is one parsed FASTA entry.
type Record struct {
	ID     string // first whitespace-delimited token of the header
	Header string // full header line without '>'
	Seq    []byte
}

// Each parses FASTA from r and calls emit for every record, in file order.
// Returns promptly with ctx.Err() when ctx is done.
func Each(ctx context.Context, r io.Reader, emit func(Record) error) error {
	sc := bufio.NewScanner(r)
	const maxLine = 64 * 1024 * 1024 // allow very long single-line sequences (64 MiB)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var (
		cur   Record
		open  bool
		count int
	)
	flush := func() error {
		if !open {
			return nil
		}
		rec := cur
		rec.Seq = bytes.Clone(cur.Seq)
		return emit(rec)
	}

	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if err := flush(); err != nil {
				return err
			}
			header := strings.TrimSpace(string(line[1:]))
			fields := strings.Fields(header)
			if len(fields) == 0 {
				return fmt.Errorf("fasta: empty header at record %d", count+1)
			}
			cur = Record{ID: fields[0], Header: header, Seq: cur.Seq[:0]}
			open = true
			count++
			if count%1024 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			continue
		}
		if !open {
			return fmt.Errorf("fasta: sequence data before first header")
		}
		cur.Seq = append(cur.Seq, line...)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("fasta: %w", err)
	}
	return flush()
}

// EachFile is Each over a plain or gzip-compressed file.
func EachFile(ctx context.Context, path string, emit func(Record) error) error {
	rc, err := openReader(path)
	if err != nil {
		return err
	}
	defer rc.Close()
	return Each(ctx, rc, emit)
}

// Count returns the number of records in a FASTA file.
func Count(ctx context.Context, path string) (int, error) {
	n := 0
	err := EachFile(ctx, path, func(Record) error {
		n++
		return nil
	})
	return n, err
}

// IDs returns the record ids of a FASTA file, in file order.
func IDs(ctx context.Context, path string) ([]string, error) {
	var ids []string
	err := EachFile(ctx, path, func(r Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	return ids, err
}

// Write writes rec to w, wrapping the sequence at lineWidth residues.
func Write(w io.Writer, rec Record) error {
	header := rec.Header
	if header == "" {
		header = rec.ID
	}
	if _, err := fmt.Fprintf(w, ">%s\n", header); err != nil {
		return err
	}
	for off := 0; off < len(rec.Seq); off += lineWidth {
		end := min(off+lineWidth, len(rec.Seq))
		if _, err := w.Write(rec.Seq[off:end]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// ExtractStats describes the outcome of Extract.
type ExtractStats struct {
	Kept  int // records written to dst
	Total int // records read from src
}

// Extract copies the records of src whose id satisfies keep into dst.
// Duplicate ids in src are written once. dst is replaced atomically.
func Extract(ctx context.Context, src, dst string, keep func(id string) bool) (ExtractStats, error) {
	var stats ExtractStats
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return stats, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".extract-*")
	if err != nil {
		return stats, err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	written := make(map[string]bool)
	err = EachFile(ctx, src, func(r Record) error {
		stats.Total++
		if !keep(r.ID) || written[r.ID] {
			return nil
		}
		written[r.ID] = true
		stats.Kept++
		return Write(bw, r)
	})
	if err == nil {
		err = bw.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return stats, err
	}
	return stats, os.Rename(tmp.Name(), dst)
}

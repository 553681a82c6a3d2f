// Package alignertest provides an in-process aligner.Backend for tests.
//
// The fake stores databases as FASTA copies and scores every query/target pair
// by the number of distinct shared k-mers, so hit tables are deterministic and
// identical sequences always score highest.
package alignertest

import (
	"bufio"
	"context"
	"fmt"
	"orthorun/internal/aligner"
	"orthorun/internal/fasta"
	"os"
	"sync"
)

// K is the k-mer length used for scoring.
const K = 3

// Backend is a deterministic aligner.Backend.
type Backend struct {
	// Fail maps an operation name to the error it returns.
	Fail map[string]error
	// NoOutput lists operations that succeed without writing their output.
	NoOutput map[string]bool
	// ReadyErr is returned by Ready.
	ReadyErr error
	// MinShared is the minimum shared k-mer count reported as a hit (default: 1).
	MinShared int

	mu    sync.Mutex
	calls map[string]int
	args  map[string][]string
}

// New creates a fake backend.
func New() *Backend {
	return &Backend{
		Fail:     make(map[string]error),
		NoOutput: make(map[string]bool),
	}
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Outputs returns the output paths passed to op, in call order.
func (b *Backend) Outputs(op string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.args[op]...)
}

func (b *Backend) begin(op, output string) (skip bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls == nil {
		b.calls = make(map[string]int)
		b.args = make(map[string][]string)
	}
	b.calls[op]++
	b.args[op] = append(b.args[op], output)
	if err := b.Fail[op]; err != nil {
		return true, err
	}
	return b.NoOutput[op], nil
}

// CreateDatabase copies the FASTA records to dbPath.
func (b *Backend) CreateDatabase(ctx context.Context, fastaPath, dbPath string) error {
	if skip, err := b.begin("createdb", dbPath); skip || err != nil {
		return err
	}
	_, err := fasta.Extract(ctx, fastaPath, dbPath, func(string) bool { return true })
	return err
}

// CreateIndex writes an index marker next to dbPath.
func (b *Backend) CreateIndex(ctx context.Context, dbPath, tmpDir string, threads int) error {
	if skip, err := b.begin("createindex", dbPath); skip || err != nil {
		return err
	}
	if _, err := os.Stat(dbPath); err != nil {
		return err
	}
	return os.WriteFile(aligner.IndexPath(dbPath), []byte("index\n"), 0o644)
}

// Search scores every query against every target and writes the hits to ResultDB.
func (b *Backend) Search(ctx context.Context, req aligner.SearchRequest) (string, error) {
	if skip, err := b.begin("search", req.ResultDB); skip || err != nil {
		return req.ResultDB, err
	}

	queries, err := load(ctx, req.QueryDB)
	if err != nil {
		return "", err
	}
	targets, err := load(ctx, req.TargetDB)
	if err != nil {
		return "", err
	}

	f, err := os.Create(req.ResultDB)
	if err != nil {
		return "", err
	}
	defer f.Close()

	minShared := max(b.MinShared, 1)
	w := bufio.NewWriter(f)
	for _, q := range queries {
		for _, t := range targets {
			shared := sharedKmers(q.kmers, t.kmers)
			if shared < minShared {
				continue
			}
			if err := writeHit(w, q, t, shared); err != nil {
				return "", err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return req.ResultDB, nil
}

// ConvertToTable copies the raw hits to TablePath.
func (b *Backend) ConvertToTable(ctx context.Context, req aligner.ConvertRequest) (string, error) {
	if skip, err := b.begin("convertalis", req.TablePath); skip || err != nil {
		return req.TablePath, err
	}
	data, err := os.ReadFile(req.ResultDB)
	if err != nil {
		return "", err
	}
	return req.TablePath, os.WriteFile(req.TablePath, data, 0o644)
}

// Ready returns ReadyErr.
func (b *Backend) Ready(ctx context.Context) error {
	return b.ReadyErr
}

type sequence struct {
	id    string
	len   int
	kmers map[string]struct{}
}

func load(ctx context.Context, path string) ([]sequence, error) {
	var seqs []sequence
	err := fasta.EachFile(ctx, path, func(r fasta.Record) error {
		s := sequence{id: r.ID, len: len(r.Seq), kmers: make(map[string]struct{})}
		for i := 0; i+K <= len(r.Seq); i++ {
			s.kmers[string(r.Seq[i:i+K])] = struct{}{}
		}
		seqs = append(seqs, s)
		return nil
	})
	return seqs, err
}

func sharedKmers(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func writeHit(w *bufio.Writer, q, t sequence, shared int) error {
	length := min(q.len, t.len)
	pident := 100 * float64(shared) / float64(max(len(q.kmers), len(t.kmers), 1))
	evalue := 1 / float64(shared*shared+1)
	bits := float64(shared) * 2
	_, err := fmt.Fprintf(w, "%s\t%s\t%.1f\t%d\t%.3g\t%.1f\t%d\t%d\t%d\t%d\n",
		q.id, t.id, pident, length, evalue, bits, 1, length, 1, length)
	return err
}

// Package ortholog infers orthologous sequence pairs from the two directed
// alignments of a proteome pair.
package ortholog

import (
	"context"
	"orthorun/internal/alignment"
	"orthorun/internal/plan"
	"orthorun/internal/within"
	"sort"
)

// Ortholog is one inferred pair of sequences, A from Pair.A and B from Pair.B.
type Ortholog struct {
	A     string
	B     string
	Score float64
}

// Input is everything an engine may use for one pair.
type Input struct {
	Pair    plan.PairKey
	Forward string // alignment Pair.A → Pair.B
	Reverse string // alignment Pair.B → Pair.A
	WithinA *within.Stats
	WithinB *within.Stats
}

// Engine is an orthology inference engine.
type Engine interface {
	Infer(ctx context.Context, in Input) ([]Ortholog, error)
}

// BestHitEngine reports reciprocal best hits. Bit scores are divided by the
// query's self score when one is known, so long sequences do not dominate.
type BestHitEngine struct {
	MinScore float64 // normalised score below which hits are ignored
}

type bestHit struct {
	target string
	score  float64
}

// Infer implements Engine.
func (e BestHitEngine) Infer(ctx context.Context, in Input) ([]Ortholog, error) {
	fwd, err := e.best(ctx, in.Forward, in.WithinA)
	if err != nil {
		return nil, err
	}
	rev, err := e.best(ctx, in.Reverse, in.WithinB)
	if err != nil {
		return nil, err
	}

	var out []Ortholog
	for a, hit := range fwd {
		back, ok := rev[hit.target]
		if !ok || back.target != a {
			continue
		}
		out = append(out, Ortholog{A: a, B: hit.target, Score: (hit.score + back.score) / 2})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out, nil
}

// best returns the top-scoring target per query of one alignment file.
// Ties go to the lexically smaller target so results are deterministic.
func (e BestHitEngine) best(ctx context.Context, path string, self *within.Stats) (map[string]bestHit, error) {
	best := make(map[string]bestHit)
	err := alignment.ReadHits(ctx, path, func(h alignment.Hit) error {
		score := h.Bitscore
		if s := self.Score(h.Query); s > 0 {
			score /= s
		}
		if score < e.MinScore {
			return nil
		}
		cur, ok := best[h.Query]
		if !ok || score > cur.score || (score == cur.score && h.Target < cur.target) {
			best[h.Query] = bestHit{target: h.Target, score: score}
		}
		return nil
	})
	return best, err
}

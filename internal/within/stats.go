package within

import (
	"context"
	"orthorun/internal/aligner"
	"orthorun/internal/alignment"
	"orthorun/internal/apperrors"
	"orthorun/internal/plan"
)

// Stats is the default payload: the best self-hit bit score of every sequence
// in a proteome, taken from its self alignment.
type Stats struct {
	Proteome  plan.ProteomeID
	SelfScore map[string]float64
}

// Score returns the self score of a sequence, or 0 when it has no self hit.
func (s *Stats) Score(seq string) float64 {
	if s == nil {
		return 0
	}
	return s.SelfScore[seq]
}

// StatsLoader reads Stats from the self alignment "{id}-{id}" in Dir.
type StatsLoader struct {
	Dir string
}

// Load implements Loader.
func (l StatsLoader) Load(ctx context.Context, id plan.ProteomeID) (*Stats, error) {
	self := plan.PairKey{A: id, B: id}
	path := alignment.Path(l.Dir, self)
	if !aligner.Exists(path) {
		return nil, apperrors.MissingReference(self.String(), path)
	}

	stats := &Stats{Proteome: id, SelfScore: make(map[string]float64)}
	err := alignment.ReadHits(ctx, path, func(h alignment.Hit) error {
		if h.Query != h.Target {
			return nil
		}
		if h.Bitscore > stats.SelfScore[h.Query] {
			stats.SelfScore[h.Query] = h.Bitscore
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Package plan defines the static job list handed to the orchestrator by the
// upstream planner: proteomes, pair keys, job types and orthology pairs.
package plan

import (
	"fmt"
	"strings"
)

// ProteomeID identifies one input sequence set.
type ProteomeID string

// PairKey is an ordered proteome pair. (A,B) and (B,A) are distinct directional
// keys that share one unordered pair identity.
type PairKey struct {
	A, B ProteomeID
}

// String returns the canonical external form "A-B".
func (k PairKey) String() string {
	return string(k.A) + "-" + string(k.B)
}

// Reverse returns the opposite direction.
func (k PairKey) Reverse() PairKey {
	return PairKey{A: k.B, B: k.A}
}

// Unordered returns the key with its members sorted, used to compare pair identity.
func (k PairKey) Unordered() PairKey {
	if k.B < k.A {
		return k.Reverse()
	}
	return k
}

// IsSelf reports whether the key pairs a proteome with itself.
func (k PairKey) IsSelf() bool {
	return k.A == k.B
}

// ParsePairKey parses the canonical "A-B" form.
func ParsePairKey(s string) (PairKey, error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok || a == "" || b == "" || strings.Contains(b, "-") {
		return PairKey{}, fmt.Errorf("invalid pair key %q: expected \"A-B\"", s)
	}
	return PairKey{A: ProteomeID(a), B: ProteomeID(b)}, nil
}

// JobType selects which directional alignments a job produces and how.
type JobType int

const (
	ForwardComplete    JobType = iota // A→B complete
	ReverseEssential                  // B→A essential, depends on an existing A→B
	ForwardThenReverse                // A→B complete, then B→A essential from it
	ReverseComplete                   // B→A complete
	BothComplete                      // A→B and B→A complete
)

func (t JobType) String() string {
	switch t {
	case ForwardComplete:
		return "forward-complete"
	case ReverseEssential:
		return "reverse-essential"
	case ForwardThenReverse:
		return "forward-then-reverse-essential"
	case ReverseComplete:
		return "reverse-complete"
	case BothComplete:
		return "both-complete"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is one of the five defined job types.
func (t JobType) Valid() bool {
	return t >= ForwardComplete && t <= BothComplete
}

// Direction is one directional alignment a job must produce.
type Direction struct {
	Pair      PairKey // query-target
	Essential bool    // derived from the opposite direction instead of exhaustive
}

// Directions returns the directional alignments for pair, in execution order.
// Unknown types return nil.
func (t JobType) Directions(pair PairKey) []Direction {
	fwd, rev := pair, pair.Reverse()
	switch t {
	case ForwardComplete:
		return []Direction{{Pair: fwd}}
	case ReverseEssential:
		return []Direction{{Pair: rev, Essential: true}}
	case ForwardThenReverse:
		return []Direction{{Pair: fwd}, {Pair: rev, Essential: true}}
	case ReverseComplete:
		return []Direction{{Pair: rev}}
	case BothComplete:
		return []Direction{{Pair: fwd}, {Pair: rev}}
	default:
		return nil
	}
}

// DependsOnPriorArtifact reports whether the job needs an alignment produced
// outside the job itself.
func (t JobType) DependsOnPriorArtifact() bool {
	return t == ReverseEssential
}

// Proteome is one input FASTA file.
type Proteome struct {
	ID    ProteomeID `yaml:"id"`
	Fasta string     `yaml:"fasta"`
	Size  int        `yaml:"size,omitempty"` // sequence count, 0 if unknown
}

// Job is one planner-assigned unit of alignment work for a pair.
type Job struct {
	Pair    PairKey
	Type    JobType
	Threads int // aligner threads, 0 means the run default
	SizeA   int // sequence count of Pair.A, 0 if unknown
	SizeB   int // sequence count of Pair.B, 0 if unknown
}

// String identifies the job in logs.
func (j Job) String() string {
	return fmt.Sprintf("%s/%d", j.Pair, int(j.Type))
}

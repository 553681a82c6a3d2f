package plan

import (
	"bytes"
	"fmt"
	"orthorun/internal/apperrors"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// proteomeIDPattern excludes '-', which separates the members of a pair key.
var proteomeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// Plan is the full static input of a run.
type Plan struct {
	Proteomes []Proteome
	Jobs      []Job
	Orthology []PairKey // unordered pairs for which ortholog tables are inferred

	byID map[ProteomeID]Proteome
}

type planYAML struct {
	Proteomes []Proteome `yaml:"proteomes"`
	Jobs      []jobYAML  `yaml:"jobs"`
	Orthology []string   `yaml:"orthology"`
}

type jobYAML struct {
	Pair    string `yaml:"pair"`
	Type    *int   `yaml:"type"`
	Threads int    `yaml:"threads,omitempty"`
	SizeA   int    `yaml:"sizeA,omitempty"`
	SizeB   int    `yaml:"sizeB,omitempty"`
}

// LoadFile reads a YAML plan. Relative FASTA paths resolve against the plan's directory.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.MissingInput(path)
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i := range p.Proteomes {
		if p.Proteomes[i].Fasta != "" && !filepath.IsAbs(p.Proteomes[i].Fasta) {
			p.Proteomes[i].Fasta = filepath.Join(base, p.Proteomes[i].Fasta)
		}
	}
	p.index()
	return p, nil
}

// Parse decodes and validates a YAML plan document.
func Parse(data []byte) (*Plan, error) {
	var raw planYAML
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, apperrors.Configuration("plan", fmt.Sprintf("failed to parse plan: %v", err))
	}

	p := &Plan{Proteomes: raw.Proteomes}
	for i, j := range raw.Jobs {
		key, err := ParsePairKey(j.Pair)
		if err != nil {
			return nil, apperrors.Configuration(fmt.Sprintf("jobs[%d].pair", i), err.Error())
		}
		if j.Type == nil {
			return nil, apperrors.Configuration(fmt.Sprintf("jobs[%d].type", i), "job type is required")
		}
		p.Jobs = append(p.Jobs, Job{
			Pair:    key,
			Type:    JobType(*j.Type),
			Threads: j.Threads,
			SizeA:   j.SizeA,
			SizeB:   j.SizeB,
		})
	}
	for i, s := range raw.Orthology {
		key, err := ParsePairKey(s)
		if err != nil {
			return nil, apperrors.Configuration(fmt.Sprintf("orthology[%d]", i), err.Error())
		}
		p.Orthology = append(p.Orthology, key)
	}
	if raw.Orthology == nil {
		p.Orthology = p.defaultOrthology()
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.index()
	return p, nil
}

// defaultOrthology returns every unordered pair whose jobs produce both
// directions, in job order.
func (p *Plan) defaultOrthology() []PairKey {
	produced := p.Produces()
	seen := make(map[PairKey]bool)
	var pairs []PairKey
	for _, j := range p.Jobs {
		u := j.Pair.Unordered()
		if seen[u] {
			continue
		}
		_, fwd := produced[j.Pair]
		_, rev := produced[j.Pair.Reverse()]
		if !fwd || !rev {
			continue
		}
		seen[u] = true
		pairs = append(pairs, j.Pair)
	}
	return pairs
}

func (p *Plan) index() {
	p.byID = make(map[ProteomeID]Proteome, len(p.Proteomes))
	for _, pr := range p.Proteomes {
		p.byID[pr.ID] = pr
	}
}

// Validate checks the plan for structural errors. Does not touch the filesystem.
func (p *Plan) Validate() error {
	ids := make(map[ProteomeID]bool, len(p.Proteomes))
	for i, pr := range p.Proteomes {
		field := fmt.Sprintf("proteomes[%d]", i)
		if !proteomeIDPattern.MatchString(string(pr.ID)) {
			return apperrors.Configuration(field+".id",
				fmt.Sprintf("proteome id %q must be alphanumeric (dots and underscores allowed)", pr.ID))
		}
		if ids[pr.ID] {
			return apperrors.Configuration(field+".id", fmt.Sprintf("duplicate proteome id %q", pr.ID))
		}
		if pr.Fasta == "" {
			return apperrors.Configuration(field+".fasta", fmt.Sprintf("proteome %s has no fasta path", pr.ID))
		}
		if pr.Size < 0 {
			return apperrors.Configuration(field+".size", "size must not be negative")
		}
		ids[pr.ID] = true
	}

	// Each directed artifact is produced by at most one job.
	producer := make(map[PairKey]int)
	for i, j := range p.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if !ids[j.Pair.A] || !ids[j.Pair.B] {
			return apperrors.Configuration(field+".pair", fmt.Sprintf("pair %s references an unknown proteome", j.Pair))
		}
		if j.Pair.IsSelf() {
			return apperrors.Configuration(field+".pair", fmt.Sprintf("pair %s pairs a proteome with itself", j.Pair))
		}
		if !j.Type.Valid() {
			return apperrors.Configuration(field+".type", fmt.Sprintf("job type %d is not in 0..4", int(j.Type)))
		}
		if j.Threads < 0 || j.SizeA < 0 || j.SizeB < 0 {
			return apperrors.Configuration(field, "threads and sizes must not be negative")
		}
		for _, d := range j.Type.Directions(j.Pair) {
			if prev, dup := producer[d.Pair]; dup {
				return apperrors.Configuration(field,
					fmt.Sprintf("alignment %s is already produced by jobs[%d]", d.Pair, prev))
			}
			producer[d.Pair] = i
		}
	}

	seen := make(map[PairKey]bool)
	for i, k := range p.Orthology {
		field := fmt.Sprintf("orthology[%d]", i)
		if !ids[k.A] || !ids[k.B] || k.IsSelf() {
			return apperrors.Configuration(field, fmt.Sprintf("orthology pair %s is invalid", k))
		}
		if seen[k.Unordered()] {
			return apperrors.Configuration(field, fmt.Sprintf("duplicate orthology pair %s", k))
		}
		seen[k.Unordered()] = true
	}
	return nil
}

// Proteome returns the proteome with the given id.
func (p *Plan) Proteome(id ProteomeID) (Proteome, bool) {
	if p.byID == nil {
		for _, pr := range p.Proteomes {
			if pr.ID == id {
				return pr, true
			}
		}
		return Proteome{}, false
	}
	pr, ok := p.byID[id]
	return pr, ok
}

// WithinRefcounts returns, per proteome, the number of orthology jobs that need
// its within-alignment data.
func (p *Plan) WithinRefcounts() map[ProteomeID]int {
	counts := make(map[ProteomeID]int)
	for _, k := range p.Orthology {
		counts[k.A]++
		counts[k.B]++
	}
	return counts
}

// Produces returns every directed alignment the plan's jobs produce.
func (p *Plan) Produces() map[PairKey]Direction {
	out := make(map[PairKey]Direction)
	for _, j := range p.Jobs {
		for _, d := range j.Type.Directions(j.Pair) {
			out[d.Pair] = d
		}
	}
	return out
}

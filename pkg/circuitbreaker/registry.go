package circuitbreaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per key, created lazily on first access.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, exists = r.breakers[key]; exists {
		return b
	}

	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// OpenKeys returns the sorted keys of breakers that are not closed.
func (r *Registry) OpenKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k, b := range r.breakers {
		if b.State() != Closed {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

package pattern

import (
	"asterism/internal/config"
)

// Registry selects the active matching strategy. The brute-force matcher
// is registered by default; production-scale matchers register alongside
// it and take over via config without touching the pipeline.
type Registry struct {
	matchers map[string]Matcher
	order    []string
	config   config.MatcherConfig
}

// NewRegistry registers the built-in strategies based on config.
func NewRegistry(cfg config.MatcherConfig) *Registry {
	r := &Registry{matchers: make(map[string]Matcher), config: cfg}
	r.Register(NewBruteForceMatcher(cfg))
	return r
}

// Register a matcher.
func (r *Registry) Register(m Matcher) {
	if m == nil {
		return
	}
	if _, exists := r.matchers[m.Name()]; !exists {
		r.order = append(r.order, m.Name())
	}
	r.matchers[m.Name()] = m
}

// Matchers exposes the registry in registration order.
func (r *Registry) Matchers() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the configured strategy, falling back to the first
// registered matcher when the configured name is unknown or empty.
func (r *Registry) Select() Matcher {
	if r.config.Strategy != "" {
		if m, ok := r.matchers[r.config.Strategy]; ok {
			return m
		}
	}
	if len(r.order) == 0 {
		return nil
	}
	return r.matchers[r.order[0]]
}

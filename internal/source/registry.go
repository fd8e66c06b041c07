package source

import (
	"github.com/rotisserie/eris"

	"github.com/stockpulse/pipeline-cli/internal/config"
	"github.com/stockpulse/pipeline-cli/internal/resilience"
)

// Registry holds the registered source adapters in registration order.
type Registry struct {
	sources map[string]Source
	order   []string
}

// NewRegistry creates a registry holding the given sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// NewDefaultRegistry wires the five production adapters against their
// configured endpoints and resilience wrappers.
func NewDefaultRegistry(cfg config.SourcesConfig, wrappers *resilience.Wrappers, tempDir string) *Registry {
	return NewRegistry(
		NewBhavcopy(cfg.Bhavcopy, wrappers.Get(SourceBhavcopy), tempDir),
		NewFundsAPI(cfg.FundsAPI, wrappers.Get(SourceFundsAPI)),
		NewWebRatios(cfg.WebRatios, wrappers.Get(SourceWebRatios)),
		NewHoldings(cfg.Holdings, wrappers.Get(SourceHoldings), tempDir),
		NewNewsfeed(cfg.Newsfeed, wrappers.Get(SourceNewsfeed)),
	)
}

// Register adds a source. Registering the same name twice replaces the
// earlier adapter but keeps its position.
func (r *Registry) Register(s Source) {
	if _, ok := r.sources[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.sources[s.Name()] = s
}

// Get returns the named source.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q", name)
	}
	return s, nil
}

// All returns every registered source in registration order.
func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name])
	}
	return out
}

// AllNames returns the registered source IDs in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select resolves names to sources. An empty names list selects all
// sources; an unknown name is an error.
func (r *Registry) Select(names []string) ([]Source, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]Source, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

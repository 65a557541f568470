package backend

import (
	"fmt"
	"sync"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// Registry maps configured provider names to live backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]ports.ModelBackend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]ports.ModelBackend)}
}

// Register adds or replaces the backend for name.
func (r *Registry) Register(name string, b ports.ModelBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
}

// Get returns the backend for name.
func (r *Registry) Get(name string) (ports.ModelBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ports.ErrUnknownProvider, name)
	}
	return b, nil
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	return names
}

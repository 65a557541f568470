// Package extension is the explicit registration table for pluggable pipeline
// capabilities such as moderators and external data providers. Builtins are
// registered at startup and the table is handed to whoever builds pipelines.
package extension

import (
	"fmt"
	"sort"
	"sync"
)

// Factory knows how to build one kind of extension from its configuration.
type Factory[T any] struct {
	// Name is the type identifier used in configuration.
	Name string
	// Position orders listings. Lower comes first.
	Position    int
	Description string
	// Create instantiates the extension.
	Create func(cfg map[string]string) (T, error)
	// Validate checks configuration ahead of Create. Optional.
	Validate func(cfg map[string]string) error
}

// Registry maps names to factories.
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// NewRegistry creates an empty table.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]Factory[T])}
}

// Register adds a factory. Names must be unique.
func (r *Registry[T]) Register(f Factory[T]) error {
	if f.Name == "" {
		return fmt.Errorf("extension name cannot be empty")
	}
	if f.Create == nil {
		return fmt.Errorf("extension %q must have a Create function", f.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.Name]; exists {
		return fmt.Errorf("extension %q already registered", f.Name)
	}
	r.factories[f.Name] = f
	return nil
}

// MustRegister is Register for startup code where a clash is a programming error.
func (r *Registry[T]) MustRegister(f Factory[T]) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory for name.
func (r *Registry[T]) Lookup(name string) (Factory[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Create validates cfg and builds the named extension.
func (r *Registry[T]) Create(name string, cfg map[string]string) (T, error) {
	var zero T
	f, ok := r.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("unknown extension %q", name)
	}
	if f.Validate != nil {
		if err := f.Validate(cfg); err != nil {
			return zero, fmt.Errorf("invalid %s config: %w", name, err)
		}
	}
	ext, err := f.Create(cfg)
	if err != nil {
		return zero, fmt.Errorf("create %s: %w", name, err)
	}
	return ext, nil
}

// List returns factories ordered by position, then name.
func (r *Registry[T]) List() []Factory[T] {
	r.mu.RLock()
	out := make([]Factory[T], 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Name < out[j].Name
	})
	return out
}

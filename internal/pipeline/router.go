package pipeline

import (
	"fmt"
	"maps"
	"slices"
)

// Router maps engine names to one stage's backends. A session names its
// engine in the config; unknown or empty names use the fallback.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	if backends == nil {
		backends = map[string]T{}
	}
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for engine, or the fallback backend.
func (r *Router[T]) Route(engine string) (T, error) {
	if backend, ok := r.backends[engine]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no backend for engine %q (fallback %q)", engine, r.fallback)
}

func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

// Engines returns the registered engine names, sorted.
func (r *Router[T]) Engines() []string {
	return slices.Sorted(maps.Keys(r.backends))
}

// Fallback is the engine used when a session names none.
func (r *Router[T]) Fallback() string {
	return r.fallback
}

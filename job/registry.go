package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is the type-erased form of a handler: it takes the raw
// JSON payload and decodes it itself. Typed definitions are converted
// to this shape at registration time.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Registry maps job names to their type-erased handlers and per-type
// default options. Safe for concurrent use; registration usually
// happens once at startup but nothing prevents adding types later.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	handler HandlerFunc
	opts    Options
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// RegisterDefinition adds a typed definition to the registry, wrapping
// its handler in a closure that unmarshals the payload into T first.
// An empty payload decodes to the zero value of T.
//
// Package-level because Go does not allow generic methods.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	erased := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for job %q: %w", def.Name, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = registryEntry{handler: erased, opts: def.Opts}
}

// Get returns the handler registered under name, or false when the
// name is unknown.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.handler, ok
}

// Defaults returns the default options registered for name, falling
// back to DefaultOptions when the name is unknown.
func (r *Registry) Defaults(name string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.opts
	}
	return DefaultOptions()
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

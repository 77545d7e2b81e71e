package module

import (
	"sort"
	"sync"

	"github.com/zeusync/ecsnet/internal/core/failure"
)

// Factory builds a fresh artifact. Reload calls it again, so it must not
// hand out shared lifecycle state.
type Factory func() (*Artifact, error)

// Registry holds in-process artifacts by name. The loader consults it before
// the search paths.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return failure.New(failure.KindInvalidInput, "module.registry.register", "name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return failure.Newf(failure.KindAlreadyExists, "module.registry.register", "module %q", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

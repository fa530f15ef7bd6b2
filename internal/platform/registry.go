package platform

import (
	"fmt"
	"sort"
)

// Registry maps platform identifiers to their adapters. It is built once
// at startup and injected into the scheduler, webhook handlers, and API
// layer; nothing resolves adapters through globals.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry from the given adapters. Duplicate
// platform names are an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		name := a.Platform()
		if name == "" {
			return nil, fmt.Errorf("platform: adapter with empty platform name")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("platform: duplicate adapter for %q", name)
		}
		m[name] = a
	}
	return &Registry{adapters: m}, nil
}

// Get returns the adapter for the named platform.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("platform: no adapter registered for %q", name)
	}
	return a, nil
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

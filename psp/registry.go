package psp

import (
	"fmt"
	"sort"
)

// Registry resolves adapters by name. Payment orders store the name of the
// PSP that created them so later calls reach the same adapter.
type Registry struct {
	adapters    map[string]Adapter
	defaultName string
}

func NewRegistry(defaultName string, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), defaultName: defaultName}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the named adapter, or the default one when name is empty.
func (r *Registry) Get(name string) (Adapter, error) {
	if name == "" {
		name = r.defaultName
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

func (r *Registry) Default() string {
	return r.defaultName
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

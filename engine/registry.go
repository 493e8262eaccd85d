package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	iface "DetCurator/interface"
)

var ErrRegistryFrozen = errors.New("registry is frozen")

// Registry maps logical model names to loaded models. It is filled during
// startup and frozen before serving; after Freeze it is read-only and safe
// to share between requests.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

func (r *Registry) Register(name string, m Model) error {
	if name == "" {
		return errors.New("model name cannot be empty")
	}
	if m == nil {
		return fmt.Errorf("model %s: nil model", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.models[name]; exists {
		return fmt.Errorf("model %s already registered", name)
	}
	r.models[name] = m
	return nil
}

func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the model or an error wrapping iface.ErrModelNotFound.
func (r *Registry) Get(name string) (Model, error) {
	r.mu.RLock()
	m, ok := r.models[name]
	r.mu.RUnlock()
	if !ok {
		return nil, iface.NotFound(name)
	}
	return m, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Close releases every model. Errors are joined.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, m := range r.models {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

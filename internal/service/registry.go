package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
)

// Definition declares a service type: its kind, configuration schema and
// constructor. Modules contribute definitions by calling Register at load
// time, typically from the standalone entry's manifest.
type Definition struct {
	Type   string
	Kind   Kind
	Schema config.Schema
	New    func(rt Runtime) (any, error)
}

// Registry is the explicit service-type registry. It replaces import-time
// side effects with a populated map; the loader consults it by type tag.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Duplicate types and unknown kinds are
// rejected.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("definition has no type")
	}
	switch def.Kind {
	case KindPermanent, KindBlocking, KindSingleShot:
	default:
		return fmt.Errorf("service %s: unknown kind %q", def.Type, def.Kind)
	}
	if def.New == nil {
		return fmt.Errorf("service %s: nil constructor", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("service %s: already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// MustRegister is Register that panics; for use in entry-point manifests
// where a broken definition is a programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for a service type.
func (r *Registry) Lookup(serviceType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[serviceType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrDiscovery, serviceType)
	}
	return def, nil
}

// Types lists the registered service types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Instantiate constructs a service instance and wraps it in the driver
// matching its declared kind. The structural invariants of each kind are
// verified here: a blocking or single-shot implementation that carries its
// own Start/Stop is rejected, since the framework owns that lifecycle.
func (r *Registry) Instantiate(def Definition, rt Runtime) (Service, error) {
	instance, err := def.New(rt)
	if err != nil {
		return nil, fmt.Errorf("constructing %s: %w", def.Type, err)
	}

	switch def.Kind {
	case KindPermanent:
		svc, ok := instance.(Service)
		if !ok {
			return nil, fmt.Errorf("service %s: permanent kind must implement Start and Stop", def.Type)
		}
		return svc, nil

	case KindBlocking:
		impl, ok := instance.(Blocking)
		if !ok {
			return nil, fmt.Errorf("service %s: blocking kind must implement Run", def.Type)
		}
		if _, owns := instance.(Service); owns {
			return nil, fmt.Errorf("service %s: blocking kind must not implement Start/Stop, use OnStart/OnStop hooks", def.Type)
		}
		return newBlockingDriver(impl), nil

	case KindSingleShot:
		impl, ok := instance.(SingleShot)
		if !ok {
			return nil, fmt.Errorf("service %s: single-shot kind must implement Execute", def.Type)
		}
		if _, owns := instance.(Service); owns {
			return nil, fmt.Errorf("service %s: single-shot kind must not implement Start/Stop", def.Type)
		}
		return newSingleShotDriver(impl), nil
	}
	return nil, fmt.Errorf("service %s: unknown kind %q", def.Type, def.Kind)
}

package cb

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// Registry maps backend type names to the factories creating them, so new
// backend types can be plugged in without modifying the pool.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│            Registry                 │
//	├─────────────────────────────────────┤
//	│  factories: map[type]→Factory       │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  "type=mysql;host=db1" → Factory    │
//	│        → Backend                    │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Register and Unregister take the exclusive lock
//   - Create and Types share the read lock
//   - Factories run while the read lock is held, so a type cannot be
//     unregistered in the middle of its own construction
//
// A type name maps to at most one factory. Registering an already
// registered type replaces its factory; this is what tests rely on to
// re-register types between cases.
type Registry struct {
	// factories maps case-sensitive type names to factories.
	factories map[string]Factory

	// mu protects factories.
	mu sync.RWMutex
}

// NewRegistry creates an empty registry.
//
// Example:
//
//	reg := cb.NewRegistry()
//	memfile.Register(reg)
//	pool := cb.NewPool(reg)
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry. Backend packages do
// not register into it implicitly: binaries register the types they
// support during start-up, before creating pools, and pass the registry to
// the pools they create.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register installs factory for typ, replacing any previous factory.
// It always succeeds.
//
// Parameters:
//   - typ: Backend type name used in access strings (case-sensitive)
//   - factory: Function creating a live backend
//
// Thread Safety:
// Safe for concurrent use with every other Registry method.
func (r *Registry) Register(typ string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[typ] = factory
}

// Unregister removes the factory for typ. Removing an unknown type is a
// no-op.
func (r *Registry) Unregister(typ string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, typ)
}

// IsRegistered reports whether a factory is installed for typ.
func (r *Registry) IsRegistered(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[typ]
	return ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	slices.Sort(types)
	return types
}

// Create looks up the factory for params.Type() and invokes it. ctx bounds
// the connection attempt of the factory.
//
// Returns:
//   - Backend on success
//   - *UnknownBackendTypeError if the type is not registered
//   - *MalformedAccessStringError or *ValidationError from the factory,
//     unchanged, when a backend-specific parameter is invalid
//   - *ConnectionError wrapping any other factory failure, e.g. connection
//     refused
func (r *Registry) Create(ctx context.Context, params Parameters) (Backend, error) {
	typ := params.Type()

	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[typ]
	if !ok {
		return nil, &UnknownBackendTypeError{Type: typ}
	}

	backend, err := factory(ctx, params.Clone())
	if err != nil {
		var malformed *MalformedAccessStringError
		var invalid *ValidationError
		if errors.As(err, &malformed) || errors.As(err, &invalid) || IsConnectionError(err) {
			return nil, err
		}
		return nil, &ConnectionError{Backend: typ, Err: err}
	}
	return backend, nil
}

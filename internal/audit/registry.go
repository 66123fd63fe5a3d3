package audit

import (
	"context"
	"sync"
)

// ResolverFunc captures the current state of the object an operation is about
// to mutate. Called before the operation runs (before-state) and again after
// it completes (after-state). Returning nil is valid: the object does not
// exist yet (creation) or no longer exists (deletion).
type ResolverFunc func(ctx context.Context, operation any) (any, error)

// Registry maps operation types to before-state resolvers. Feature modules
// register their resolvers once at startup; the pipeline stays decoupled from
// every specific operation and entity shape. Absence of a resolver is not an
// error, it just means no diff is produced for that operation type.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]ResolverFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]ResolverFunc)}
}

// Register adds a resolver for an operation type. Additive; the last
// registration for a type wins.
func (r *Registry) Register(operationType string, fn ResolverFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[operationType] = fn
}

// Resolve runs the resolver for the operation type, if one is registered.
// The second return reports whether a resolver exists; the snapshot itself
// may be nil even when one does.
func (r *Registry) Resolve(ctx context.Context, operationType string, operation any) (any, bool, error) {
	r.mu.RLock()
	fn, ok := r.resolvers[operationType]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	snapshot, err := fn(ctx, operation)
	if err != nil {
		return nil, true, err
	}
	return snapshot, true, nil
}

// Registered reports whether a resolver exists for the operation type.
func (r *Registry) Registered(operationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolvers[operationType]
	return ok
}

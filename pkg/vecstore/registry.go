package vecstore

import (
	"fmt"
	"sync"

	"github.com/evermem/evermem/pkg/tenant"
)

// Factory builds the backing index for one tenant and record family.
// The registry calls it once per collection; implementations choose the
// engine (memory, HNSW, Qdrant) and its parameters.
type Factory func(t tenant.Tenant, family string) (Index, error)

// Registry hands out one Index per (tenant, family) collection, created
// lazily through its factory and cached for the process lifetime. The
// sync service and the retrieval engine share a registry so both sides
// see the same collections.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	indexes map[string]regEntry
}

type regEntry struct {
	t      tenant.Tenant
	family string
	index  Index
}

// NewRegistry creates a Registry around the given factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		indexes: make(map[string]regEntry),
	}
}

// Index returns the index for the tenant and family, opening it through
// the factory on first use.
func (r *Registry) Index(t tenant.Tenant, family string) (Index, error) {
	name := t.Collection(family)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.indexes[name]; ok {
		return e.index, nil
	}
	ix, err := r.factory(t, family)
	if err != nil {
		return nil, fmt.Errorf("vecstore: open collection %s: %w", name, err)
	}
	r.indexes[name] = regEntry{t: t, family: family, index: ix}
	return ix, nil
}

// Range calls fn for every open index and stops at the first error.
// Used for snapshotting and shutdown passes.
func (r *Registry) Range(fn func(t tenant.Tenant, family string, ix Index) error) error {
	r.mu.Lock()
	entries := make([]regEntry, 0, len(r.indexes))
	for _, e := range r.indexes {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if err := fn(e.t, e.family, e.index); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes every open index.
func (r *Registry) Flush() error {
	return r.Range(func(_ tenant.Tenant, _ string, ix Index) error {
		return ix.Flush()
	})
}

// Close closes every open index and empties the registry. The first
// close error is returned; all indexes are closed regardless.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.indexes
	r.indexes = make(map[string]regEntry)
	r.mu.Unlock()

	var first error
	for name, e := range entries {
		if err := e.index.Close(); err != nil && first == nil {
			first = fmt.Errorf("vecstore: close collection %s: %w", name, err)
		}
	}
	return first
}

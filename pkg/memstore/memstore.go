// Package memstore provides the durable record store for extracted memories.
//
// Four record families are kept per tenant in a shared [kv.Store]:
//
//   - memory cells: one summarized episode per closed conversation window
//   - event logs: atomic facts extracted from an episode
//   - foresights: forward-looking inferences with a validity date range
//   - profiles: rolling per-user summaries, versioned on every update
//
// plus conversation metadata (scene, timezone, participant names) keyed by
// conversation group. Records are msgpack-encoded under the tenant's key
// prefix, so isolation between tenants is purely prefix isolation.
//
// # Scope filtering
//
// Find and delete operations take a [Filter] whose user and group fields
// follow a three-valued contract: nil (or [ScopeAll]) matches everything,
// an empty string matches records whose field is empty, and any other value
// matches exactly. A filter with both fields set to ScopeAll is rejected
// with [ErrScopeTooBroad].
//
// # Deletion
//
// Deletes are soft by default: matching cells and their event logs and
// foresights are stamped with a timestamp, an actor and a monotonically
// increasing deletion ID, and every normal find skips stamped records.
// Stamps are written once and never refreshed; deleting an already-deleted
// record is a no-op. The Hard* variants see through the stamps and are
// meant for operators and the background sync reconciler.
package memstore

import (
	"sync"

	"github.com/evermem/evermem/pkg/kv"
)

// Store provides tenant-scoped CRUD over the memory collections of one KV
// store. All methods are safe for concurrent use.
type Store struct {
	kv kv.Store

	mu sync.Mutex // serializes deletion-counter updates
}

// New creates a Store on top of the given KV store.
func New(store kv.Store) *Store {
	return &Store{kv: store}
}

// Package tenant defines the namespace every memory operation runs in.
//
// A Tenant is an (organization, space) pair. All durable state (message
// buffers, memory cells, keyword postings, vector collections) is keyed
// under the tenant prefix, so isolation between tenants reduces to key
// prefix isolation.
package tenant

import (
	"errors"
	"strings"
)

// ErrUnresolved is returned when the tenant envelope is missing or
// incomplete.
var ErrUnresolved = errors.New("tenant: organization and space are required")

// Tenant identifies one isolated memory namespace.
type Tenant struct {
	// Org is the organization identifier. Required.
	Org string `json:"organization_id" msgpack:"org"`

	// Space partitions data within an organization. Required.
	Space string `json:"space_id" msgpack:"space"`

	// HashKey is an opaque routing hint forwarded by the transport.
	// Optional; not part of the namespace.
	HashKey string `json:"hash_key,omitempty" msgpack:"hash_key,omitempty"`
}

// Validate reports whether the tenant envelope is complete.
func (t Tenant) Validate() error {
	if t.Org == "" || t.Space == "" {
		return ErrUnresolved
	}
	return nil
}

// Prefix returns the key segments under which all of the tenant's
// state lives.
func (t Tenant) Prefix() []string {
	return []string{"t", t.Org, t.Space}
}

// Collection derives the index or collection name for one entity
// family, e.g. "acme.prod.memcell". Used for vector collections and
// keyword index names, which are flat namespaces.
func (t Tenant) Collection(family string) string {
	return strings.Join([]string{t.Org, t.Space, family}, ".")
}

// Equal reports whether two tenants name the same namespace. HashKey
// is ignored.
func (t Tenant) Equal(o Tenant) bool {
	return t.Org == o.Org && t.Space == o.Space
}

func (t Tenant) String() string {
	return t.Org + "/" + t.Space
}

package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// UpsertConversationMeta stores conversation metadata. Fields left empty
// in the update keep their stored values, and user details merge by sender
// ID, so callers can patch the scene, timezone or a single participant
// without resending the rest.
func (s *Store) UpsertConversationMeta(ctx context.Context, t tenant.Tenant, m *ConversationMeta) error {
	if m.GroupID == "" {
		return fmt.Errorf("memstore: conversation meta missing group id")
	}
	cur, err := s.GetConversationMeta(ctx, t, m.GroupID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if cur != nil {
		if m.Scene == "" {
			m.Scene = cur.Scene
		}
		if m.Timezone == "" {
			m.Timezone = cur.Timezone
		}
		if len(cur.UserDetails) > 0 {
			merged := maps.Clone(cur.UserDetails)
			maps.Copy(merged, m.UserDetails)
			m.UserDetails = merged
		}
	}
	m.Updated = nowNano()
	b, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("memstore: marshal conversation meta %s: %w", m.GroupID, err)
	}
	return s.kv.Set(ctx, convMetaKey(t, m.GroupID), b)
}

// GetConversationMeta loads the metadata for one conversation group.
// Returns kv.ErrNotFound when none has been stored.
func (s *Store) GetConversationMeta(ctx context.Context, t tenant.Tenant, groupID string) (*ConversationMeta, error) {
	b, err := s.kv.Get(ctx, convMetaKey(t, groupID))
	if err != nil {
		return nil, err
	}
	var m ConversationMeta
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal conversation meta %s: %w", groupID, err)
	}
	return &m, nil
}

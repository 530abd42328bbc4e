package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// UpsertProfile stores a profile as the next version of any existing one
// for the same (user, group) pair. The previous content is replaced; only
// the latest version is kept.
func (s *Store) UpsertProfile(ctx context.Context, t tenant.Tenant, p *UserProfile) error {
	entry, err := s.profileEntry(ctx, t, p)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, entry.Key, entry.Value)
}

// profileEntry bumps the version against the stored profile and builds the
// KV entry. Shared by UpsertProfile and CommitEpisode.
func (s *Store) profileEntry(ctx context.Context, t tenant.Tenant, p *UserProfile) (kv.Entry, error) {
	if p.UserID == "" {
		return kv.Entry{}, fmt.Errorf("memstore: profile missing user id")
	}
	cur, err := s.GetProfile(ctx, t, p.UserID, p.GroupID)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return kv.Entry{}, err
	}
	if cur != nil {
		p.Version = cur.Version + 1
	} else {
		p.Version = 1
	}
	p.Timestamp = nowNano()
	b, err := msgpack.Marshal(p)
	if err != nil {
		return kv.Entry{}, fmt.Errorf("memstore: marshal profile %s/%s: %w", p.UserID, p.GroupID, err)
	}
	return kv.Entry{Key: profileKey(t, p.UserID, p.GroupID), Value: b}, nil
}

// GetProfile loads the latest profile version for a (user, group) pair.
// An empty groupID addresses the user's personal profile.
func (s *Store) GetProfile(ctx context.Context, t tenant.Tenant, userID, groupID string) (*UserProfile, error) {
	b, err := s.kv.Get(ctx, profileKey(t, userID, groupID))
	if err != nil {
		return nil, err
	}
	var p UserProfile
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal profile %s/%s: %w", userID, groupID, err)
	}
	return &p, nil
}

// FindProfiles returns the latest profile versions matching the filter,
// most recently updated first unless f.SortAsc is set.
func (s *Store) FindProfiles(ctx context.Context, t tenant.Tenant, f *Filter) ([]*UserProfile, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []*UserProfile
	for entry, err := range s.kv.List(ctx, profilePrefix(t)) {
		if err != nil {
			return nil, err
		}
		var p UserProfile
		if err := msgpack.Unmarshal(entry.Value, &p); err != nil {
			continue
		}
		if !f.Matches("", p.UserID, p.GroupID, p.Timestamp) {
			continue
		}
		out = append(out, &p)
	}
	sortByTime(out, func(p *UserProfile) int64 { return p.Timestamp }, f)
	return pageSlice(out, filterOffset(f), filterLimit(f)), nil
}

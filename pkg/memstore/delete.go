package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// SoftDelete stamps matching live memory cells, and the event logs and
// foresights extracted from them, as deleted. All records touched by one
// call share a single deletion ID drawn from the tenant's counter.
//
// It returns the number of cells newly deleted and the deletion ID, which
// is zero when nothing matched. Records that were already deleted keep
// their original stamp.
func (s *Store) SoftDelete(ctx context.Context, t tenant.Tenant, f *Filter, by string) (int, uint64, error) {
	cells, err := s.findMemCells(ctx, t, f, false)
	if err != nil {
		return 0, 0, err
	}
	if len(cells) == 0 {
		return 0, 0, nil
	}
	delID, err := s.nextDeletedID(ctx, t)
	if err != nil {
		return 0, 0, err
	}
	ts := nowNano()

	var entries []kv.Entry
	stamp := func(key kv.Key, rec any) error {
		b, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("memstore: marshal %s: %w", key, err)
		}
		entries = append(entries, kv.Entry{Key: key, Value: b})
		return nil
	}

	for _, c := range cells {
		c.markDeleted(ts, by, delID)
		if err := stamp(memCellKey(t, c.EventID), c); err != nil {
			return 0, 0, err
		}

		logs, err := s.EventLogsByParent(ctx, t, c.EventID)
		if err != nil {
			return 0, 0, err
		}
		for _, l := range logs {
			if !l.markDeleted(ts, by, delID) {
				continue
			}
			if err := stamp(eventLogKey(t, l.ID), l); err != nil {
				return 0, 0, err
			}
		}

		fss, err := s.ForesightsByParent(ctx, t, c.EventID)
		if err != nil {
			return 0, 0, err
		}
		for _, fs := range fss {
			if !fs.markDeleted(ts, by, delID) {
				continue
			}
			if err := stamp(foresightKey(t, fs.ID), fs); err != nil {
				return 0, 0, err
			}
		}
	}

	if err := s.kv.BatchSet(ctx, entries); err != nil {
		return 0, 0, err
	}
	return len(cells), delID, nil
}

// HardDelete physically removes matching cells, soft-deleted included,
// together with their children and parent index entries. It returns the
// number of cells removed.
func (s *Store) HardDelete(ctx context.Context, t tenant.Tenant, f *Filter) (int, error) {
	cells, err := s.findMemCells(ctx, t, f, true)
	if err != nil {
		return 0, err
	}
	if len(cells) == 0 {
		return 0, nil
	}

	var keys []kv.Key
	for _, c := range cells {
		keys = append(keys, memCellKey(t, c.EventID))

		logs, err := s.EventLogsByParent(ctx, t, c.EventID)
		if err != nil {
			return 0, err
		}
		for _, l := range logs {
			keys = append(keys, eventLogKey(t, l.ID), eventLogParentKey(t, c.EventID, l.ID))
		}

		fss, err := s.ForesightsByParent(ctx, t, c.EventID)
		if err != nil {
			return 0, err
		}
		for _, fs := range fss {
			keys = append(keys, foresightKey(t, fs.ID), foresightParentKey(t, c.EventID, fs.ID))
		}
	}

	if err := s.kv.BatchDelete(ctx, keys); err != nil {
		return 0, err
	}
	return len(cells), nil
}

// nextDeletedID increments and persists the tenant's deletion counter.
// The counter only ever grows, so deletion IDs order delete operations
// even across restarts.
func (s *Store) nextDeletedID(ctx context.Context, t tenant.Tenant) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n uint64
	b, err := s.kv.Get(ctx, deletedCounterKey(t))
	switch {
	case err == nil:
		if err := msgpack.Unmarshal(b, &n); err != nil {
			return 0, fmt.Errorf("memstore: unmarshal deletion counter: %w", err)
		}
	case errors.Is(err, kv.ErrNotFound):
	default:
		return 0, err
	}
	n++
	nb, err := msgpack.Marshal(n)
	if err != nil {
		return 0, err
	}
	if err := s.kv.Set(ctx, deletedCounterKey(t), nb); err != nil {
		return 0, err
	}
	return n, nil
}

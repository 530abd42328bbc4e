package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// PutMemCells stores memory cells in one batch, overwriting by event ID.
// Cells without a timestamp are stamped with the current time.
func (s *Store) PutMemCells(ctx context.Context, t tenant.Tenant, cells ...*MemCell) error {
	entries := make([]kv.Entry, 0, len(cells))
	for _, c := range cells {
		if c.EventID == "" {
			return fmt.Errorf("memstore: memcell missing event id")
		}
		if c.Timestamp == 0 {
			c.Timestamp = nowNano()
		}
		b, err := msgpack.Marshal(c)
		if err != nil {
			return fmt.Errorf("memstore: marshal memcell %s: %w", c.EventID, err)
		}
		entries = append(entries, kv.Entry{Key: memCellKey(t, c.EventID), Value: b})
	}
	return s.kv.BatchSet(ctx, entries)
}

// GetMemCell loads one memory cell by event ID. Soft-deleted cells are
// returned as-is; callers that must not see them check Deleted().
// Returns kv.ErrNotFound when the cell does not exist.
func (s *Store) GetMemCell(ctx context.Context, t tenant.Tenant, eventID string) (*MemCell, error) {
	b, err := s.kv.Get(ctx, memCellKey(t, eventID))
	if err != nil {
		return nil, err
	}
	var c MemCell
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal memcell %s: %w", eventID, err)
	}
	return &c, nil
}

// FindMemCells returns live memory cells matching the filter, newest first
// unless f.SortAsc is set.
func (s *Store) FindMemCells(ctx context.Context, t tenant.Tenant, f *Filter) ([]*MemCell, error) {
	return s.findMemCells(ctx, t, f, false)
}

// HardFindMemCells is FindMemCells including soft-deleted cells.
func (s *Store) HardFindMemCells(ctx context.Context, t tenant.Tenant, f *Filter) ([]*MemCell, error) {
	return s.findMemCells(ctx, t, f, true)
}

func (s *Store) findMemCells(ctx context.Context, t tenant.Tenant, f *Filter, includeDeleted bool) ([]*MemCell, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []*MemCell
	for entry, err := range s.kv.List(ctx, memCellPrefix(t)) {
		if err != nil {
			return nil, err
		}
		var c MemCell
		if err := msgpack.Unmarshal(entry.Value, &c); err != nil {
			continue // skip corrupted entries
		}
		if !includeDeleted && c.Deleted() {
			continue
		}
		if !f.Matches(c.EventID, c.UserID, c.GroupID, c.Timestamp) {
			continue
		}
		out = append(out, &c)
	}
	sortByTime(out, func(c *MemCell) int64 { return c.Timestamp }, f)
	return pageSlice(out, filterOffset(f), filterLimit(f)), nil
}

// sortByTime orders records by timestamp, newest first by default.
func sortByTime[T any](recs []T, ts func(T) int64, f *Filter) {
	asc := f != nil && f.SortAsc
	slices.SortStableFunc(recs, func(a, b T) int {
		if asc {
			return cmp.Compare(ts(a), ts(b))
		}
		return cmp.Compare(ts(b), ts(a))
	})
}

func filterOffset(f *Filter) int {
	if f == nil {
		return 0
	}
	return f.Offset
}

func filterLimit(f *Filter) int {
	if f == nil {
		return 0
	}
	return f.Limit
}

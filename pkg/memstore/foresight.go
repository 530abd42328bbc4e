package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// PutForesights stores foresights in one batch together with their parent
// index entries.
func (s *Store) PutForesights(ctx context.Context, t tenant.Tenant, fss ...*Foresight) error {
	entries := make([]kv.Entry, 0, len(fss)*2)
	for _, fs := range fss {
		e, err := foresightEntries(t, fs)
		if err != nil {
			return err
		}
		entries = append(entries, e...)
	}
	return s.kv.BatchSet(ctx, entries)
}

func foresightEntries(t tenant.Tenant, fs *Foresight) ([]kv.Entry, error) {
	if fs.ID == "" {
		return nil, fmt.Errorf("memstore: foresight missing id")
	}
	if fs.Timestamp == 0 {
		fs.Timestamp = nowNano()
	}
	b, err := msgpack.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal foresight %s: %w", fs.ID, err)
	}
	entries := []kv.Entry{{Key: foresightKey(t, fs.ID), Value: b}}
	if fs.EventID != "" {
		entries = append(entries, kv.Entry{Key: foresightParentKey(t, fs.EventID, fs.ID)})
	}
	return entries, nil
}

// GetForesight loads one foresight by ID, soft-deleted included.
func (s *Store) GetForesight(ctx context.Context, t tenant.Tenant, id string) (*Foresight, error) {
	b, err := s.kv.Get(ctx, foresightKey(t, id))
	if err != nil {
		return nil, err
	}
	var fs Foresight
	if err := msgpack.Unmarshal(b, &fs); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal foresight %s: %w", id, err)
	}
	return &fs, nil
}

// FindForesights returns live foresights matching the filter. The
// filter's date range selects by overlap with each record's validity
// range, so a foresight valid across the whole queried window is found
// even when both its bounds fall outside it.
func (s *Store) FindForesights(ctx context.Context, t tenant.Tenant, f *ForesightFilter) ([]*Foresight, error) {
	return s.findForesights(ctx, t, f, false)
}

// HardFindForesights is FindForesights including soft-deleted records.
func (s *Store) HardFindForesights(ctx context.Context, t tenant.Tenant, f *ForesightFilter) ([]*Foresight, error) {
	return s.findForesights(ctx, t, f, true)
}

func (s *Store) findForesights(ctx context.Context, t tenant.Tenant, f *ForesightFilter, includeDeleted bool) ([]*Foresight, error) {
	base := filterOf(f)
	if err := base.Validate(); err != nil {
		return nil, err
	}
	var out []*Foresight
	for entry, err := range s.kv.List(ctx, foresightPrefix(t)) {
		if err != nil {
			return nil, err
		}
		var fs Foresight
		if err := msgpack.Unmarshal(entry.Value, &fs); err != nil {
			continue
		}
		if !includeDeleted && fs.Deleted() {
			continue
		}
		if !base.Matches(fs.EventID, fs.UserID, fs.GroupID, fs.Timestamp) {
			continue
		}
		if !f.overlapsRange(fs.StartTime, fs.EndTime) {
			continue
		}
		out = append(out, &fs)
	}
	sortByTime(out, func(fs *Foresight) int64 { return fs.Timestamp }, base)
	return pageSlice(out, filterOffset(base), filterLimit(base)), nil
}

// filterOf unwraps the embedded Filter, tolerating a nil wrapper.
func filterOf(f *ForesightFilter) *Filter {
	if f == nil {
		return nil
	}
	return &f.Filter
}

// ForesightsByParent returns the foresights derived from one episode via
// the parent index, soft-deleted included.
func (s *Store) ForesightsByParent(ctx context.Context, t tenant.Tenant, eventID string) ([]*Foresight, error) {
	var out []*Foresight
	for entry, err := range s.kv.List(ctx, foresightParentPrefix(t, eventID)) {
		if err != nil {
			return nil, err
		}
		id := entry.Key[len(entry.Key)-1]
		fs, err := s.GetForesight(ctx, t, id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, fs)
	}
	return out, nil
}

package memstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// PutEventLogs stores event logs in one batch together with their parent
// index entries.
func (s *Store) PutEventLogs(ctx context.Context, t tenant.Tenant, logs ...*EventLog) error {
	entries := make([]kv.Entry, 0, len(logs)*2)
	for _, l := range logs {
		e, err := eventLogEntries(t, l)
		if err != nil {
			return err
		}
		entries = append(entries, e...)
	}
	return s.kv.BatchSet(ctx, entries)
}

// eventLogEntries builds the record and parent index entries for one log.
func eventLogEntries(t tenant.Tenant, l *EventLog) ([]kv.Entry, error) {
	if l.ID == "" {
		return nil, fmt.Errorf("memstore: event log missing id")
	}
	if l.Timestamp == 0 {
		l.Timestamp = nowNano()
	}
	b, err := msgpack.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal event log %s: %w", l.ID, err)
	}
	entries := []kv.Entry{{Key: eventLogKey(t, l.ID), Value: b}}
	if l.EventID != "" {
		entries = append(entries, kv.Entry{Key: eventLogParentKey(t, l.EventID, l.ID)})
	}
	return entries, nil
}

// GetEventLog loads one event log by ID, soft-deleted included.
func (s *Store) GetEventLog(ctx context.Context, t tenant.Tenant, id string) (*EventLog, error) {
	b, err := s.kv.Get(ctx, eventLogKey(t, id))
	if err != nil {
		return nil, err
	}
	var l EventLog
	if err := msgpack.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("memstore: unmarshal event log %s: %w", id, err)
	}
	return &l, nil
}

// FindEventLogs returns live event logs matching the filter, newest first
// unless f.SortAsc is set.
func (s *Store) FindEventLogs(ctx context.Context, t tenant.Tenant, f *Filter) ([]*EventLog, error) {
	return s.findEventLogs(ctx, t, f, false)
}

// HardFindEventLogs is FindEventLogs including soft-deleted logs.
func (s *Store) HardFindEventLogs(ctx context.Context, t tenant.Tenant, f *Filter) ([]*EventLog, error) {
	return s.findEventLogs(ctx, t, f, true)
}

func (s *Store) findEventLogs(ctx context.Context, t tenant.Tenant, f *Filter, includeDeleted bool) ([]*EventLog, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []*EventLog
	for entry, err := range s.kv.List(ctx, eventLogPrefix(t)) {
		if err != nil {
			return nil, err
		}
		var l EventLog
		if err := msgpack.Unmarshal(entry.Value, &l); err != nil {
			continue
		}
		if !includeDeleted && l.Deleted() {
			continue
		}
		if !f.Matches(l.EventID, l.UserID, l.GroupID, l.Timestamp) {
			continue
		}
		out = append(out, &l)
	}
	sortByTime(out, func(l *EventLog) int64 { return l.Timestamp }, f)
	return pageSlice(out, filterOffset(f), filterLimit(f)), nil
}

// EventLogsByParent returns the event logs extracted from one episode via
// the parent index, soft-deleted included.
func (s *Store) EventLogsByParent(ctx context.Context, t tenant.Tenant, eventID string) ([]*EventLog, error) {
	var out []*EventLog
	for entry, err := range s.kv.List(ctx, eventLogParentPrefix(t, eventID)) {
		if err != nil {
			return nil, err
		}
		id := entry.Key[len(entry.Key)-1]
		l, err := s.GetEventLog(ctx, t, id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue // dangling index entry
			}
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

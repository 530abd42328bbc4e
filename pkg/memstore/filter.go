package memstore

import "errors"

// ScopeAll is the sentinel scope value meaning "do not filter on this
// field". It is distinct from the empty string, which matches only records
// whose field is empty.
const ScopeAll = "__all__"

// ErrScopeTooBroad rejects filters whose user and group scopes are both
// the sentinel. Such a filter would select the tenant's entire store, so
// it fails closed.
var ErrScopeTooBroad = errors.New("memstore: user_id and group_id cannot both be MAGIC_ALL")

// Filter selects records for find and delete operations.
//
// The scope fields follow the three-valued contract: a nil pointer or the
// [ScopeAll] value matches every record, a pointer to the empty string
// matches records whose field is empty, and any other value matches
// exactly.
type Filter struct {
	UserID  *string
	GroupID *string

	// EventID restricts the selection to one episode: the cell with this
	// event ID, or children extracted from it. Unlike the scope fields it
	// is a plain optional; empty means no restriction.
	EventID string

	// From and To bound the record timestamp in Unix nanoseconds,
	// inclusive. Zero leaves the corresponding side unbounded.
	From int64
	To   int64

	Limit   int
	Offset  int
	SortAsc bool
}

// Validate rejects scope combinations that would select the whole store.
// A nil filter is valid and matches everything.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	if f.UserID != nil && *f.UserID == ScopeAll && f.GroupID != nil && *f.GroupID == ScopeAll {
		return ErrScopeTooBroad
	}
	return nil
}

// Scoped reports whether at least one of event, user or group narrows the
// selection. Delete operations require this.
func (f *Filter) Scoped() bool {
	if f == nil {
		return false
	}
	if f.EventID != "" {
		return true
	}
	if f.UserID != nil && *f.UserID != ScopeAll {
		return true
	}
	if f.GroupID != nil && *f.GroupID != ScopeAll {
		return true
	}
	return false
}

// Matches reports whether a record passes the filter. eventID is the
// record's own event ID for cells, or the parent's for children; pass ""
// for records with no event lineage.
func (f *Filter) Matches(eventID, userID, groupID string, ts int64) bool {
	if f == nil {
		return true
	}
	if f.EventID != "" && f.EventID != eventID {
		return false
	}
	if !scopeMatch(f.UserID, userID) || !scopeMatch(f.GroupID, groupID) {
		return false
	}
	if f.From != 0 && ts < f.From {
		return false
	}
	if f.To != 0 && ts > f.To {
		return false
	}
	return true
}

// scopeMatch applies the three-valued contract to one scope field.
func scopeMatch(want *string, have string) bool {
	if want == nil || *want == ScopeAll {
		return true
	}
	return *want == have
}

// ForesightFilter adds validity-range selection to a Filter. Start and End
// are YYYY-MM-DD dates; a foresight matches when its validity range
// overlaps the queried one. Empty bounds are open on that side.
type ForesightFilter struct {
	Filter

	Start string
	End   string
}

// overlapsRange reports whether a record's [recStart, recEnd] date range
// overlaps the filter's. Ranges are closed; YYYY-MM-DD strings compare
// lexicographically in date order.
func (f *ForesightFilter) overlapsRange(recStart, recEnd string) bool {
	if f == nil {
		return true
	}
	if f.End != "" && recStart != "" && recStart > f.End {
		return false
	}
	if f.Start != "" && recEnd != "" && recEnd < f.Start {
		return false
	}
	return true
}

// pageSlice applies offset and limit to an already-sorted result set.
func pageSlice[T any](recs []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/tenant"
)

// ErrUnscopedDelete rejects delete requests that would select every
// record of the tenant. At least one of event, user or group must narrow
// the selection.
var ErrUnscopedDelete = errors.New("memory: delete requires at least one scoping field")

// FetchRequest reads stored records by filter, without ranking.
//
// The scope fields follow the memstore three-valued contract: nil
// matches everything, a pointer to "" matches records with an empty
// field, and [memstore.ScopeAll] explicitly widens one axis.
type FetchRequest struct {
	// Types limits the fetched record families. Empty means all.
	Types []memstore.MemoryType

	UserID  *string
	GroupID *string

	// EventID restricts the fetch to one episode and its children.
	EventID string

	// From and To bound record timestamps in Unix nanoseconds.
	From int64
	To   int64

	// Start and End select foresights whose validity window overlaps
	// [Start, End], as YYYY-MM-DD dates. Empty bounds are open. Other
	// families ignore them.
	Start string
	End   string

	// Limit and Offset page each family independently.
	Limit   int
	Offset  int
	SortAsc bool
}

// FetchResult groups fetched records by family.
type FetchResult struct {
	MemCells   []*memstore.MemCell     `json:"memcells,omitempty"`
	EventLogs  []*memstore.EventLog    `json:"event_logs,omitempty"`
	Foresights []*memstore.Foresight   `json:"foresights,omitempty"`
	Profiles   []*memstore.UserProfile `json:"profiles,omitempty"`

	Total int `json:"total_count"`
}

// Fetch reads records straight from the store. Soft-deleted records are
// excluded.
func (s *Service) Fetch(ctx context.Context, t tenant.Tenant, req *FetchRequest) (*FetchResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("memory: nil fetch request")
	}
	types := req.Types
	if len(types) == 0 {
		types = memstore.Types
	}
	f := &memstore.Filter{
		UserID:  req.UserID,
		GroupID: req.GroupID,
		EventID: req.EventID,
		From:    req.From,
		To:      req.To,
		Limit:   req.Limit,
		Offset:  req.Offset,
		SortAsc: req.SortAsc,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	res := &FetchResult{}
	for _, mt := range types {
		var err error
		switch mt {
		case memstore.TypeEpisodic:
			res.MemCells, err = s.store.FindMemCells(ctx, t, f)
		case memstore.TypeEventLog:
			res.EventLogs, err = s.store.FindEventLogs(ctx, t, f)
		case memstore.TypeForesight:
			ff := &memstore.ForesightFilter{Filter: *f, Start: req.Start, End: req.End}
			res.Foresights, err = s.store.FindForesights(ctx, t, ff)
		case memstore.TypeProfile:
			res.Profiles, err = s.store.FindProfiles(ctx, t, f)
		default:
			return nil, fmt.Errorf("memory: unknown memory type %q", mt)
		}
		if err != nil {
			return nil, err
		}
	}
	res.Total = len(res.MemCells) + len(res.EventLogs) + len(res.Foresights) + len(res.Profiles)
	return res, nil
}

// Search runs a ranked retrieval query through the recall engine. See
// [recall.Engine.Search] for methods, fusion and degradation semantics.
func (s *Service) Search(ctx context.Context, t tenant.Tenant, q *recall.Query) (*recall.Result, error) {
	return s.recall.Search(ctx, t, q)
}

// DeleteRequest selects records to soft-delete.
type DeleteRequest struct {
	UserID  *string
	GroupID *string
	EventID string
	From    int64
	To      int64

	// By records who requested the deletion.
	By string
}

// DeleteResult reports what a delete touched.
type DeleteResult struct {
	// Deleted counts the memory cells newly marked; their event logs and
	// foresights are cascaded under the same deletion ID.
	Deleted int `json:"deleted_count"`

	// DeletionID is the tenant-monotonic stamp shared by all records of
	// this call. Zero when nothing matched.
	DeletionID uint64 `json:"deletion_id,omitempty"`
}

// Delete soft-deletes the selected memory cells and cascades to the
// records extracted from them. The request must narrow the scope: a
// filter that would select the tenant's whole store is rejected.
func (s *Service) Delete(ctx context.Context, t tenant.Tenant, req *DeleteRequest) (*DeleteResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("memory: nil delete request")
	}
	f := &memstore.Filter{
		UserID:  req.UserID,
		GroupID: req.GroupID,
		EventID: req.EventID,
		From:    req.From,
		To:      req.To,
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if !f.Scoped() {
		return nil, ErrUnscopedDelete
	}
	n, delID, err := s.store.SoftDelete(ctx, t, f, req.By)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{Deleted: n, DeletionID: delID}, nil
}

// UpsertConversationMeta stores per-conversation settings. Empty fields
// keep their stored values; user details merge by sender ID.
func (s *Service) UpsertConversationMeta(ctx context.Context, t tenant.Tenant, meta *memstore.ConversationMeta) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if meta == nil || meta.GroupID == "" {
		return errors.New("memory: conversation meta missing group id")
	}
	switch meta.Scene {
	case "", memstore.SceneAssistant, memstore.SceneCompanion, memstore.SceneGroup:
	default:
		return fmt.Errorf("memory: unknown scene %q", meta.Scene)
	}
	if meta.Timezone != "" {
		if _, err := time.LoadLocation(meta.Timezone); err != nil {
			return fmt.Errorf("memory: invalid timezone %q: %w", meta.Timezone, err)
		}
	}
	return s.store.UpsertConversationMeta(ctx, t, meta)
}

// ConversationMeta loads stored settings for one conversation. Returns
// kv.ErrNotFound when none have been stored.
func (s *Service) ConversationMeta(ctx context.Context, t tenant.Tenant, groupID string) (*memstore.ConversationMeta, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return s.store.GetConversationMeta(ctx, t, groupID)
}

// Pending lists a conversation's buffered, not-yet-extracted messages.
func (s *Service) Pending(ctx context.Context, t tenant.Tenant, groupID string) ([]memstore.Message, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return s.buffer.Peek(ctx, t, groupID)
}

// DeadLetters lists the tenant's failed episodes, oldest first.
func (s *Service) DeadLetters(ctx context.Context, t tenant.Tenant) ([]*extract.DeadLetter, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return s.pool.DeadLetters(ctx, t)
}

// RequeueDeadLetter re-submits one failed episode and returns its request
// ID.
func (s *Service) RequeueDeadLetter(ctx context.Context, t tenant.Tenant, conversationID string, failedAt int64) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	tk, err := s.pool.Requeue(ctx, t, conversationID, failedAt)
	if err != nil {
		return "", err
	}
	return tk.EventID, nil
}

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/storage"
	"github.com/evermem/evermem/pkg/tenant"
)

// DeadLetterQueue stores episodes whose extraction failed terminally.
//
// The KV record is the authoritative copy; when a file store is
// configured, a readable JSON dump is additionally written under
// dlq/{org}/{space}/{conversation}/{ts}.json for operator review.
//
// KV layout:
//
//	{t}:dlq:{conversation}:{failed_at} -> DeadLetter (msgpack)
//
// failed_at is zero-padded so entries list oldest first.
type DeadLetterQueue struct {
	kv    kv.Store
	files storage.FileStore
}

// NewDeadLetterQueue creates a queue on the given KV store. files is
// optional; nil disables the JSON dumps.
func NewDeadLetterQueue(store kv.Store, files storage.FileStore) *DeadLetterQueue {
	return &DeadLetterQueue{kv: store, files: files}
}

// DeadLetter is one terminally failed episode with its source messages
// preserved for requeue.
type DeadLetter struct {
	EventID        string                     `json:"event_id" msgpack:"id"`
	ConversationID string                     `json:"conversation_id" msgpack:"conv"`
	Reason         string                     `json:"reason" msgpack:"reason"`
	Messages       []memstore.Message         `json:"messages" msgpack:"msgs"`
	Meta           *memstore.ConversationMeta `json:"conversation_meta,omitempty" msgpack:"meta,omitempty"`

	// FailedAt is the Unix nanosecond timestamp of the terminal
	// failure. Together with the conversation it identifies the entry.
	FailedAt int64 `json:"failed_at" msgpack:"ts"`
}

// Episode rebuilds the submission that produced this dead letter. The
// original event ID is kept so the requeued episode commits the same
// cell.
func (dl *DeadLetter) Episode(t tenant.Tenant) *Episode {
	return &Episode{
		Tenant:         t,
		ConversationID: dl.ConversationID,
		EventID:        dl.EventID,
		Messages:       dl.Messages,
		Meta:           dl.Meta,
	}
}

// Put records a terminal failure.
func (q *DeadLetterQueue) Put(ctx context.Context, ep *Episode, cause error) error {
	dl := &DeadLetter{
		EventID:        ep.EventID,
		ConversationID: ep.ConversationID,
		Reason:         cause.Error(),
		Messages:       ep.Messages,
		Meta:           ep.Meta,
		FailedAt:       time.Now().UnixNano(),
	}
	b, err := msgpack.Marshal(dl)
	if err != nil {
		return fmt.Errorf("extract: marshal dead letter: %w", err)
	}
	if err := q.kv.Set(ctx, deadLetterKey(ep.Tenant, dl.ConversationID, dl.FailedAt), b); err != nil {
		return fmt.Errorf("extract: store dead letter: %w", err)
	}
	if q.files != nil {
		if err := q.dump(ctx, ep.Tenant, dl); err != nil {
			slog.Warn("extract: dead-letter dump failed", "conversation", dl.ConversationID, "error", err)
		}
	}
	return nil
}

// List returns the tenant's dead letters, oldest first.
func (q *DeadLetterQueue) List(ctx context.Context, t tenant.Tenant) ([]*DeadLetter, error) {
	var out []*DeadLetter
	for entry, err := range q.kv.List(ctx, deadLetterPrefix(t)) {
		if err != nil {
			return nil, err
		}
		var dl DeadLetter
		if err := msgpack.Unmarshal(entry.Value, &dl); err != nil {
			continue // skip corrupted entries
		}
		out = append(out, &dl)
	}
	return out, nil
}

// Get loads one dead letter by conversation and failure timestamp.
func (q *DeadLetterQueue) Get(ctx context.Context, t tenant.Tenant, conversationID string, failedAt int64) (*DeadLetter, error) {
	b, err := q.kv.Get(ctx, deadLetterKey(t, conversationID, failedAt))
	if err != nil {
		return nil, err
	}
	var dl DeadLetter
	if err := msgpack.Unmarshal(b, &dl); err != nil {
		return nil, fmt.Errorf("extract: unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

// Delete removes one dead letter and its JSON dump.
func (q *DeadLetterQueue) Delete(ctx context.Context, t tenant.Tenant, conversationID string, failedAt int64) error {
	if err := q.kv.Delete(ctx, deadLetterKey(t, conversationID, failedAt)); err != nil {
		return err
	}
	if q.files != nil {
		if err := q.files.Delete(ctx, deadLetterPath(t, conversationID, failedAt)); err != nil {
			slog.Warn("extract: dead-letter dump delete failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

func (q *DeadLetterQueue) dump(ctx context.Context, t tenant.Tenant, dl *DeadLetter) error {
	w, err := q.files.Write(ctx, deadLetterPath(t, dl.ConversationID, dl.FailedAt))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dl); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func deadLetterKey(t tenant.Tenant, conv string, failedAt int64) kv.Key {
	return kv.Key(append(t.Prefix(), "dlq", conv, fmt.Sprintf("%020d", failedAt)))
}

func deadLetterPrefix(t tenant.Tenant) kv.Key {
	return kv.Key(append(t.Prefix(), "dlq"))
}

func deadLetterPath(t tenant.Tenant, conv string, failedAt int64) string {
	return path.Join("dlq", t.Org, t.Space, conv, strconv.FormatInt(failedAt, 10)+".json")
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/evermem/evermem/pkg/boundary"
	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/jsontime"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
)

// ErrBusy rejects an ingest whose episode could not be queued because the
// extraction queue is at its hard cap. The message is safely buffered;
// the episode stays in the buffer and the next ingest retries it.
var ErrBusy = errors.New("memory: extraction queue full")

// IngestStatus reports how far an ingested message got.
type IngestStatus string

const (
	// StatusAccumulated means the message joined the buffer and no
	// episode boundary fired.
	StatusAccumulated IngestStatus = "accumulated"

	// StatusProcessing means the message closed an episode which is now
	// queued for extraction.
	StatusProcessing IngestStatus = "processing"

	// StatusExtracted means a sync-mode ingest waited for the closed
	// episode's extraction to finish.
	StatusExtracted IngestStatus = "extracted"
)

// IngestRequest carries one conversation turn.
type IngestRequest struct {
	// GroupID names the conversation. Required.
	GroupID string

	// Message is the turn to append. Content is required; a zero
	// CreateTime is stamped with the current time.
	Message memstore.Message

	// SyncMode blocks until extraction finishes when this message closes
	// an episode. Meant for tests and evaluation runs; production
	// ingests return as soon as the episode is queued.
	SyncMode bool
}

// IngestResult is the ingest response.
type IngestResult struct {
	Status IngestStatus `json:"status"`

	// RequestID identifies the queued extraction and the memory cell it
	// will commit. Set when Status is processing or extracted.
	RequestID string `json:"request_id,omitempty"`

	// Reason names the boundary rule that closed the episode.
	Reason boundary.Reason `json:"reason,omitempty"`

	// Buffered is the conversation's buffer depth after this ingest.
	Buffered int `json:"buffered"`

	// Queued and Depth report extraction backpressure observed at
	// submission.
	Queued bool `json:"queued,omitempty"`
	Depth  int  `json:"depth,omitempty"`
}

// Ingest appends one message to a conversation. When the boundary
// detector decides the buffered messages form a complete episode, the
// episode is drained and submitted for extraction; the probe message
// seeds the next episode unless the detector forced it into this one.
//
// Cancelling ctx after the episode is queued does not cancel the
// extraction; it runs to completion or to its own timeout.
func (s *Service) Ingest(ctx context.Context, t tenant.Tenant, req *IngestRequest) (*IngestResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if req == nil || req.GroupID == "" {
		return nil, errors.New("memory: ingest missing group id")
	}
	if req.Message.Content == "" {
		return nil, errors.New("memory: ingest missing message content")
	}
	msg := req.Message
	if msg.CreateTime.IsZero() {
		msg.CreateTime = jsontime.NowEpoch()
	}

	res, tk, err := s.append(ctx, t, req.GroupID, msg)
	if err != nil {
		return nil, err
	}

	if tk != nil && req.SyncMode {
		if err := tk.Wait(ctx); err != nil {
			return nil, fmt.Errorf("memory: extract episode %s: %w", tk.EventID, err)
		}
		res.Status = StatusExtracted
	}
	return res, nil
}

// append runs the boundary-sensitive buffer update under the
// conversation's lock and returns the extraction ticket when an episode
// was submitted.
func (s *Service) append(ctx context.Context, t tenant.Tenant, conv string, msg memstore.Message) (*IngestResult, *extract.Ticket, error) {
	lock := s.lock(t, conv)
	lock.Lock()
	defer lock.Unlock()

	buffered, err := s.buffer.Peek(ctx, t, conv)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: peek buffer: %w", err)
	}
	meta, err := s.store.GetConversationMeta(ctx, t, conv)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, nil, fmt.Errorf("memory: load conversation meta: %w", err)
	}

	dec := boundary.Detect(s.boundary, meta, buffered, &msg)
	if !dec.Boundary {
		n, err := s.buffer.Append(ctx, t, conv, msg)
		if err != nil {
			return nil, nil, err
		}
		return &IngestResult{Status: StatusAccumulated, Buffered: n}, nil, nil
	}

	// A boundary fired: the buffered messages close an episode. The
	// probe seeds the next one unless the detector forced it in.
	var episode []memstore.Message
	var after int
	if dec.Forced {
		if _, err := s.buffer.Append(ctx, t, conv, msg); err != nil {
			return nil, nil, err
		}
		if episode, err = s.buffer.Drain(ctx, t, conv); err != nil {
			return nil, nil, err
		}
	} else {
		if episode, err = s.buffer.Drain(ctx, t, conv); err != nil {
			return nil, nil, err
		}
		if after, err = s.buffer.Append(ctx, t, conv, msg); err != nil {
			s.restore(ctx, t, conv, episode)
			return nil, nil, err
		}
	}

	tk, err := s.pool.Submit(&extract.Episode{
		Tenant:         t,
		ConversationID: conv,
		Messages:       episode,
		Meta:           meta,
	})
	if err != nil {
		s.restore(ctx, t, conv, episode)
		if errors.Is(err, extract.ErrQueueFull) {
			return nil, nil, fmt.Errorf("%w (depth %d)", ErrBusy, s.pool.Depth())
		}
		return nil, nil, err
	}

	return &IngestResult{
		Status:    StatusProcessing,
		RequestID: tk.EventID,
		Reason:    dec.Reason,
		Buffered:  after,
		Queued:    tk.Queued,
		Depth:     tk.Depth,
	}, tk, nil
}

// restore puts a drained episode back at the head of the buffer so the
// next ingest can retry the boundary. Failure here risks message loss,
// so it logs loudly.
func (s *Service) restore(ctx context.Context, t tenant.Tenant, conv string, episode []memstore.Message) {
	if len(episode) == 0 {
		return
	}
	if err := s.buffer.Requeue(ctx, t, conv, episode); err != nil {
		slog.Error("memory: episode requeue failed, messages dropped from buffer",
			"tenant", t, "conversation", conv, "messages", len(episode), "error", err)
	}
}

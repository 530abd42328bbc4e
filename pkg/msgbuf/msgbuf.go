// Package msgbuf provides the durable per-conversation message buffer.
//
// Messages accumulate in FIFO order under zero-padded sequence keys until
// boundary detection closes the episode and drains them into extraction.
// Appends write the message and the buffer meta in one atomic KV batch, so
// a crash never leaves the sequence counter and the stored messages
// disagreeing. A drain that later fails downstream can hand its messages
// back with [Buffer.Requeue], which restores them at the head so order is
// preserved for the next drain.
//
// In-process mutual exclusion between append, drain and requeue uses a
// mutex striped by (tenant, conversation); different conversations do not
// contend. Backend failures surface as [ErrUnavailable] wrapping the
// cause, which ingest maps to a retryable status.
package msgbuf

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/jsontime"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
)

// ErrUnavailable indicates the backing store failed and the buffer state
// is unknown. The cause is wrapped.
var ErrUnavailable = errors.New("msgbuf: buffer unavailable")

// initialSeq is the first sequence number of a fresh buffer. It leaves
// head room below so requeued messages can be keyed in front of the
// remaining ones without underflowing.
const initialSeq uint64 = 1 << 20

const lockStripes = 64

// Buffer stores per-conversation pending messages on a KV store.
// It is safe for concurrent use.
type Buffer struct {
	kv kv.Store

	locks [lockStripes]sync.Mutex
}

// New creates a Buffer on top of the given KV store.
func New(store kv.Store) *Buffer {
	return &Buffer{kv: store}
}

// bufMeta tracks the live sequence window. Live messages occupy
// [HeadSeq, NextSeq); drains clear the whole window.
type bufMeta struct {
	NextSeq uint64 `msgpack:"next_seq"`
	HeadSeq uint64 `msgpack:"head_seq"`
	Count   int    `msgpack:"count"`
}

// Append stores messages at the tail of the conversation's buffer and
// returns the buffered count after the append. Messages without a create
// time are stamped with the current time.
func (b *Buffer) Append(ctx context.Context, t tenant.Tenant, conv string, msgs ...memstore.Message) (int, error) {
	if len(msgs) == 0 {
		return b.Count(ctx, t, conv)
	}
	mu := b.lock(t, conv)
	mu.Lock()
	defer mu.Unlock()

	meta, err := b.loadMeta(ctx, t, conv)
	if err != nil {
		return 0, unavailable("append", err)
	}

	entries := make([]kv.Entry, 0, len(msgs)+1)
	for i := range msgs {
		m := msgs[i]
		if m.CreateTime.IsZero() {
			m.CreateTime = jsontime.NowEpoch()
		}
		data, err := msgpack.Marshal(&m)
		if err != nil {
			return 0, fmt.Errorf("msgbuf: marshal message: %w", err)
		}
		entries = append(entries, kv.Entry{Key: msgKey(t, conv, meta.NextSeq), Value: data})
		meta.NextSeq++
		meta.Count++
	}
	entries = append(entries, metaEntry(t, conv, meta))

	if err := b.kv.BatchSet(ctx, entries); err != nil {
		return 0, unavailable("append", err)
	}
	return meta.Count, nil
}

// Peek returns a point-in-time snapshot of the buffered messages in FIFO
// order without consuming them.
func (b *Buffer) Peek(ctx context.Context, t tenant.Tenant, conv string) ([]memstore.Message, error) {
	msgs, _, err := b.snapshot(ctx, t, conv)
	if err != nil {
		return nil, unavailable("peek", err)
	}
	return msgs, nil
}

// Count returns the number of buffered messages.
func (b *Buffer) Count(ctx context.Context, t tenant.Tenant, conv string) (int, error) {
	meta, err := b.loadMeta(ctx, t, conv)
	if err != nil {
		return 0, unavailable("count", err)
	}
	return meta.Count, nil
}

// Drain atomically removes and returns all buffered messages in FIFO
// order and resets the buffer meta. Draining an empty buffer returns nil.
func (b *Buffer) Drain(ctx context.Context, t tenant.Tenant, conv string) ([]memstore.Message, error) {
	mu := b.lock(t, conv)
	mu.Lock()
	defer mu.Unlock()

	msgs, keys, err := b.snapshot(ctx, t, conv)
	if err != nil {
		return nil, unavailable("drain", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	keys = append(keys, metaKey(t, conv))
	if err := b.kv.BatchDelete(ctx, keys); err != nil {
		return nil, unavailable("drain", err)
	}
	return msgs, nil
}

// Requeue restores messages at the head of the buffer, in front of
// anything appended since they were drained. Used when a drained episode
// could not be submitted for extraction.
func (b *Buffer) Requeue(ctx context.Context, t tenant.Tenant, conv string, msgs []memstore.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	mu := b.lock(t, conv)
	mu.Lock()
	defer mu.Unlock()

	meta, err := b.loadMeta(ctx, t, conv)
	if err != nil {
		return unavailable("requeue", err)
	}
	if uint64(len(msgs)) > meta.HeadSeq {
		return fmt.Errorf("msgbuf: requeue of %d messages exceeds head room", len(msgs))
	}

	seq := meta.HeadSeq - uint64(len(msgs))
	entries := make([]kv.Entry, 0, len(msgs)+1)
	for i := range msgs {
		data, err := msgpack.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("msgbuf: marshal message: %w", err)
		}
		entries = append(entries, kv.Entry{Key: msgKey(t, conv, seq+uint64(i)), Value: data})
	}
	meta.HeadSeq = seq
	meta.Count += len(msgs)
	entries = append(entries, metaEntry(t, conv, meta))

	if err := b.kv.BatchSet(ctx, entries); err != nil {
		return unavailable("requeue", err)
	}
	return nil
}

// snapshot lists the buffered messages and their keys in sequence order.
func (b *Buffer) snapshot(ctx context.Context, t tenant.Tenant, conv string) ([]memstore.Message, []kv.Key, error) {
	var msgs []memstore.Message
	var keys []kv.Key
	for entry, err := range b.kv.List(ctx, msgPrefix(t, conv)) {
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, entry.Key)
		var m memstore.Message
		if err := msgpack.Unmarshal(entry.Value, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, keys, nil
}

func (b *Buffer) loadMeta(ctx context.Context, t tenant.Tenant, conv string) (bufMeta, error) {
	data, err := b.kv.Get(ctx, metaKey(t, conv))
	if errors.Is(err, kv.ErrNotFound) {
		return bufMeta{NextSeq: initialSeq, HeadSeq: initialSeq}, nil
	}
	if err != nil {
		return bufMeta{}, err
	}
	var m bufMeta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return bufMeta{}, fmt.Errorf("unmarshal buffer meta: %w", err)
	}
	return m, nil
}

func metaEntry(t tenant.Tenant, conv string, meta bufMeta) kv.Entry {
	data, _ := msgpack.Marshal(meta)
	return kv.Entry{Key: metaKey(t, conv), Value: data}
}

func (b *Buffer) lock(t tenant.Tenant, conv string) *sync.Mutex {
	h := fnv.New32a()
	io.WriteString(h, t.Org)
	io.WriteString(h, "\x00")
	io.WriteString(h, t.Space)
	io.WriteString(h, "\x00")
	io.WriteString(h, conv)
	return &b.locks[h.Sum32()%lockStripes]
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

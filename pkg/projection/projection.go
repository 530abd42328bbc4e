// Package projection keeps the search indexes in step with the memory
// store.
//
// A [Projector] takes committed episode batches and writes each record
// into the keyword index and its vector collection, tracking a per-entity
// sync status on the KV store. Projection is eventually consistent by
// contract: a failed index leg never fails the commit, it parks the
// entity for the [Reconciler], which periodically re-projects incomplete
// entities and purges the projections of deleted ones.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

// Status is the per-entity sync record, keyed {tenant}:sync:{family}:{id}.
type Status struct {
	KeywordOK bool `json:"keyword_ok" msgpack:"kw"`
	VectorOK  bool `json:"vector_ok" msgpack:"vec"`

	// Attempts counts projection tries since the entity last changed.
	Attempts int `json:"attempts" msgpack:"n"`

	// Updated is the Unix nanosecond timestamp of the last try.
	Updated int64 `json:"updated" msgpack:"ts"`
}

// Complete reports whether both index legs have been written.
func (s *Status) Complete() bool {
	return s.KeywordOK && s.VectorOK
}

// Config configures a [Projector]. All fields are required.
type Config struct {
	// KV stores sync statuses and the tenant catalog.
	KV kv.Store

	// Store is the record source reconciliation re-projects from.
	Store *memstore.Store

	// Keyword is the BM25 index.
	Keyword *keyword.Index

	// Vectors resolves the vector collection per tenant and family.
	Vectors *vecstore.Registry
}

// Projector writes committed batches into the search indexes.
// It is safe for concurrent use.
type Projector struct {
	kv      kv.Store
	store   *memstore.Store
	keyword *keyword.Index
	vectors *vecstore.Registry

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a Projector.
func New(cfg Config) (*Projector, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("projection: Config.KV is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("projection: Config.Store is required")
	}
	if cfg.Keyword == nil {
		return nil, fmt.Errorf("projection: Config.Keyword is required")
	}
	if cfg.Vectors == nil {
		return nil, fmt.Errorf("projection: Config.Vectors is required")
	}
	return &Projector{
		kv:      cfg.KV,
		store:   cfg.Store,
		keyword: cfg.Keyword,
		vectors: cfg.Vectors,
		seen:    make(map[string]struct{}),
	}, nil
}

// doc is one record normalized for index writes.
type doc struct {
	family string
	id     string
	text   string
	vector []float32
}

// commitDocs flattens a commit into its projectable documents.
func commitDocs(c *memstore.Commit) []doc {
	var docs []doc
	if c.MemCell != nil {
		docs = append(docs, doc{
			family: memstore.TypeEpisodic.Family(),
			id:     c.MemCell.EventID,
			text:   c.MemCell.SearchContent(),
			vector: c.MemCell.Embedding,
		})
	}
	for _, l := range c.EventLogs {
		docs = append(docs, doc{
			family: memstore.TypeEventLog.Family(),
			id:     l.ID,
			text:   l.SearchContent(),
			vector: l.Embedding,
		})
	}
	for _, f := range c.Foresights {
		docs = append(docs, doc{
			family: memstore.TypeForesight.Family(),
			id:     f.ID,
			text:   f.SearchContent(),
			vector: f.Embedding,
		})
	}
	for _, p := range c.Profiles {
		docs = append(docs, doc{
			family: memstore.TypeProfile.Family(),
			id:     p.DocID(),
			text:   p.SearchContent(),
			vector: p.Embedding,
		})
	}
	return docs
}

// Project writes every record of the commit into both indexes and
// records the per-entity sync status. Index failures are logged and left
// for reconciliation; Project itself never fails the caller.
func (p *Projector) Project(ctx context.Context, t tenant.Tenant, c *memstore.Commit) {
	docs := commitDocs(c)
	if len(docs) == 0 {
		return
	}
	p.rememberTenant(ctx, t)

	sts := p.project(ctx, t, docs)

	now := time.Now().UnixNano()
	entries := make([]kv.Entry, 0, len(docs))
	failed := 0
	for i := range docs {
		st := sts[i]
		st.Attempts = 1
		st.Updated = now
		if !st.Complete() {
			failed++
		}
		b, err := msgpack.Marshal(&st)
		if err != nil {
			slog.Error("projection: marshal status", "error", err)
			return
		}
		entries = append(entries, kv.Entry{Key: statusKey(t, docs[i].family, docs[i].id), Value: b})
	}
	if err := p.kv.BatchSet(ctx, entries); err != nil {
		slog.Error("projection: write sync status", "tenant", t, "error", err)
		return
	}
	if failed > 0 {
		slog.Warn("projection: batch left incomplete entities for reconciliation",
			"tenant", t, "docs", len(docs), "failed", failed)
	}
}

// project runs both index legs for the documents and reports per-document
// leg success. Vector writes batch per family.
func (p *Projector) project(ctx context.Context, t tenant.Tenant, docs []doc) []Status {
	sts := make([]Status, len(docs))

	for i := range docs {
		d := &docs[i]
		if d.text == "" {
			sts[i].KeywordOK = true
			continue
		}
		if err := p.keyword.Put(ctx, t, d.family, d.id, d.text); err != nil {
			slog.Warn("projection: keyword write failed",
				"tenant", t, "family", d.family, "doc", d.id, "error", err)
			continue
		}
		sts[i].KeywordOK = true
	}

	type batch struct {
		ids  []string
		vecs [][]float32
		pos  []int
	}
	batches := make(map[string]*batch)
	for i := range docs {
		d := &docs[i]
		if len(d.vector) == 0 {
			sts[i].VectorOK = true
			continue
		}
		b := batches[d.family]
		if b == nil {
			b = &batch{}
			batches[d.family] = b
		}
		b.ids = append(b.ids, d.id)
		b.vecs = append(b.vecs, d.vector)
		b.pos = append(b.pos, i)
	}
	for family, b := range batches {
		ix, err := p.vectors.Index(t, family)
		if err == nil {
			err = ix.BatchInsert(ctx, b.ids, b.vecs)
		}
		if err != nil {
			slog.Warn("projection: vector write failed",
				"tenant", t, "family", family, "docs", len(b.ids), "error", err)
			continue
		}
		for _, i := range b.pos {
			sts[i].VectorOK = true
		}
	}
	return sts
}

// Status returns the sync status of one entity, or kv.ErrNotFound when
// the entity has never been projected or its projection was purged.
func (p *Projector) Status(ctx context.Context, t tenant.Tenant, family, id string) (*Status, error) {
	b, err := p.kv.Get(ctx, statusKey(t, family, id))
	if err != nil {
		return nil, err
	}
	var st Status
	if err := msgpack.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("projection: unmarshal status %s/%s: %w", family, id, err)
	}
	return &st, nil
}

// Sweep runs one reconciliation pass over the tenant's sync statuses:
// it re-projects entities with an incomplete index leg and purges the
// projections of entities that were deleted since. It returns the number
// of entities repaired or purged.
func (p *Projector) Sweep(ctx context.Context, t tenant.Tenant) (int, error) {
	type pending struct {
		family string
		id     string
		st     Status
	}
	var todo []pending
	for entry, err := range p.kv.List(ctx, statusPrefix(t)) {
		if err != nil {
			return 0, err
		}
		var st Status
		if msgpack.Unmarshal(entry.Value, &st) != nil {
			continue
		}
		k := entry.Key
		if len(k) < 2 {
			continue
		}
		todo = append(todo, pending{family: k[len(k)-2], id: k[len(k)-1], st: st})
	}

	fixed := 0
	for _, pd := range todo {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		d, gone, err := p.loadDoc(ctx, t, pd.family, pd.id)
		if err != nil {
			slog.Warn("projection: reconcile load failed",
				"tenant", t, "family", pd.family, "doc", pd.id, "error", err)
			continue
		}
		if gone {
			if err := p.purge(ctx, t, pd.family, pd.id); err != nil {
				slog.Warn("projection: purge failed",
					"tenant", t, "family", pd.family, "doc", pd.id, "error", err)
				continue
			}
			fixed++
			continue
		}
		if pd.st.Complete() {
			continue
		}

		st := p.project(ctx, t, []doc{*d})[0]
		st.Attempts = pd.st.Attempts + 1
		st.Updated = time.Now().UnixNano()
		b, err := msgpack.Marshal(&st)
		if err != nil {
			continue
		}
		if err := p.kv.Set(ctx, statusKey(t, pd.family, pd.id), b); err != nil {
			slog.Warn("projection: write sync status",
				"tenant", t, "family", pd.family, "doc", pd.id, "error", err)
			continue
		}
		if st.Complete() {
			fixed++
		}
	}
	return fixed, nil
}

// loadDoc re-reads one entity from the store. gone reports that the
// entity is missing or deleted and its projection should be purged.
func (p *Projector) loadDoc(ctx context.Context, t tenant.Tenant, family, id string) (d *doc, gone bool, err error) {
	switch family {
	case memstore.TypeEpisodic.Family():
		c, err := p.store.GetMemCell(ctx, t, id)
		if err != nil || c.Deleted() {
			return nil, true, skipNotFound(err)
		}
		return &doc{family: family, id: id, text: c.SearchContent(), vector: c.Embedding}, false, nil

	case memstore.TypeEventLog.Family():
		l, err := p.store.GetEventLog(ctx, t, id)
		if err != nil || l.Deleted() {
			return nil, true, skipNotFound(err)
		}
		return &doc{family: family, id: id, text: l.SearchContent(), vector: l.Embedding}, false, nil

	case memstore.TypeForesight.Family():
		f, err := p.store.GetForesight(ctx, t, id)
		if err != nil || f.Deleted() {
			return nil, true, skipNotFound(err)
		}
		return &doc{family: family, id: id, text: f.SearchContent(), vector: f.Embedding}, false, nil

	case memstore.TypeProfile.Family():
		uid, gid := memstore.SplitProfileDocID(id)
		pf, err := p.store.GetProfile(ctx, t, uid, gid)
		if err != nil {
			return nil, true, skipNotFound(err)
		}
		return &doc{family: family, id: id, text: pf.SearchContent(), vector: pf.Embedding}, false, nil
	}

	// Unknown family: a stale status from an older layout. Purge it.
	return nil, true, nil
}

// skipNotFound keeps a missing record from reading as a load error;
// missing means the projection must go.
func skipNotFound(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}

// purge removes one entity from both indexes and drops its status.
func (p *Projector) purge(ctx context.Context, t tenant.Tenant, family, id string) error {
	if err := p.keyword.Delete(ctx, t, family, id); err != nil {
		return fmt.Errorf("keyword delete: %w", err)
	}
	ix, err := p.vectors.Index(t, family)
	if err != nil {
		return err
	}
	if err := ix.Delete(ctx, id); err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return p.kv.Delete(ctx, statusKey(t, family, id))
}

// rememberTenant records the tenant in the persistent catalog the
// reconciler sweeps, once per process.
func (p *Projector) rememberTenant(ctx context.Context, t tenant.Tenant) {
	key := t.String()
	p.mu.Lock()
	_, ok := p.seen[key]
	if !ok {
		p.seen[key] = struct{}{}
	}
	p.mu.Unlock()
	if ok {
		return
	}

	b, err := msgpack.Marshal(t)
	if err == nil {
		err = p.kv.Set(ctx, catalogKey(t), b)
	}
	if err != nil {
		slog.Warn("projection: record tenant", "tenant", t, "error", err)
		p.mu.Lock()
		delete(p.seen, key)
		p.mu.Unlock()
	}
}

// Tenants lists every tenant that has ever projected a batch on this
// store. The catalog survives restarts.
func (p *Projector) Tenants(ctx context.Context) ([]tenant.Tenant, error) {
	var out []tenant.Tenant
	for entry, err := range p.kv.List(ctx, catalogPrefix()) {
		if err != nil {
			return nil, err
		}
		var t tenant.Tenant
		if msgpack.Unmarshal(entry.Value, &t) != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func statusKey(t tenant.Tenant, family, id string) kv.Key {
	return kv.Key(append(t.Prefix(), "sync", family, id))
}

func statusPrefix(t tenant.Tenant) kv.Key {
	return kv.Key(append(t.Prefix(), "sync"))
}

func catalogKey(t tenant.Tenant) kv.Key {
	return kv.Key{"tenants", t.Org, t.Space}
}

func catalogPrefix() kv.Key {
	return kv.Key{"tenants"}
}

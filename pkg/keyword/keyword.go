// Package keyword implements a persistent BM25 inverted index on the
// shared KV store.
//
// Postings, per-document stats and corpus totals all live under the
// tenant prefix, one index namespace per record family. Documents are
// (re)indexed by ID, so writes are idempotent and deletes are exact
// without scanning the term space. The sync service feeds it the weighted
// search content of each record; queries come from the retrieval engine.
//
// The tokenizer is shared with boundary detection and retrieval: terms
// are lowercased runs of letters and digits, and CJK runs additionally
// produce character bigrams so unsegmented Chinese and Japanese text is
// searchable.
package keyword

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

// BM25 tuning parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Hit is one scored search result.
type Hit struct {
	ID    string
	Score float64
}

// Index is a BM25 inverted index persisted on a KV store. It is safe for
// concurrent use; writes within one process are serialized.
type Index struct {
	kv kv.Store

	mu sync.Mutex // serializes corpus stat read-modify-write
}

// New creates an Index on top of the given KV store.
func New(store kv.Store) *Index {
	return &Index{kv: store}
}

// posting records one term's frequency in one document.
type posting struct {
	Freq int `msgpack:"f"`
}

// docStat records a document's token count and term list so the document
// can be reindexed or deleted without scanning postings.
type docStat struct {
	Len   int      `msgpack:"l"`
	Terms []string `msgpack:"t"`
}

// corpusStat tracks family-wide totals for BM25 length normalization.
type corpusStat struct {
	Docs   int `msgpack:"d"`
	Tokens int `msgpack:"n"`
}

// Put indexes a document's content under the given family, replacing any
// previous index state for the same docID.
func (ix *Index) Put(ctx context.Context, t tenant.Tenant, family, docID, content string) error {
	if docID == "" {
		return fmt.Errorf("keyword: empty doc id")
	}
	tokens := Tokenize(content)
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old, err := ix.loadDocStat(ctx, t, family, docID)
	if err != nil {
		return err
	}

	// Drop postings for terms the new content no longer has.
	if old != nil {
		var stale []kv.Key
		for _, term := range old.Terms {
			if _, ok := tf[term]; !ok {
				stale = append(stale, postingKey(t, family, term, docID))
			}
		}
		if len(stale) > 0 {
			if err := ix.kv.BatchDelete(ctx, stale); err != nil {
				return err
			}
		}
	}

	stats, err := ix.loadCorpusStat(ctx, t, family)
	if err != nil {
		return err
	}
	if old != nil {
		stats.Tokens += len(tokens) - old.Len
	} else {
		stats.Docs++
		stats.Tokens += len(tokens)
	}

	terms := slices.Sorted(maps.Keys(tf))
	entries := make([]kv.Entry, 0, len(terms)+2)
	for _, term := range terms {
		b, err := msgpack.Marshal(posting{Freq: tf[term]})
		if err != nil {
			return fmt.Errorf("keyword: marshal posting: %w", err)
		}
		entries = append(entries, kv.Entry{Key: postingKey(t, family, term, docID), Value: b})
	}
	db, err := msgpack.Marshal(docStat{Len: len(tokens), Terms: terms})
	if err != nil {
		return fmt.Errorf("keyword: marshal doc stat: %w", err)
	}
	entries = append(entries, kv.Entry{Key: docKey(t, family, docID), Value: db})
	sb, err := msgpack.Marshal(stats)
	if err != nil {
		return fmt.Errorf("keyword: marshal corpus stat: %w", err)
	}
	entries = append(entries, kv.Entry{Key: statsKey(t, family), Value: sb})
	return ix.kv.BatchSet(ctx, entries)
}

// Delete removes a document from the index. Deleting an unknown docID is
// a no-op.
func (ix *Index) Delete(ctx context.Context, t tenant.Tenant, family, docID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	old, err := ix.loadDocStat(ctx, t, family, docID)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}

	keys := make([]kv.Key, 0, len(old.Terms)+1)
	keys = append(keys, docKey(t, family, docID))
	for _, term := range old.Terms {
		keys = append(keys, postingKey(t, family, term, docID))
	}
	if err := ix.kv.BatchDelete(ctx, keys); err != nil {
		return err
	}

	stats, err := ix.loadCorpusStat(ctx, t, family)
	if err != nil {
		return err
	}
	stats.Docs--
	stats.Tokens -= old.Len
	if stats.Docs < 0 {
		stats.Docs = 0
	}
	if stats.Tokens < 0 {
		stats.Tokens = 0
	}
	sb, err := msgpack.Marshal(stats)
	if err != nil {
		return fmt.Errorf("keyword: marshal corpus stat: %w", err)
	}
	return ix.kv.Set(ctx, statsKey(t, family), sb)
}

// Search ranks the family's documents against the query with Okapi BM25
// and returns up to limit hits, best first. Ties break on document ID so
// results are deterministic.
func (ix *Index) Search(ctx context.Context, t tenant.Tenant, family, query string, limit int) ([]Hit, error) {
	terms := dedup(Tokenize(query))
	if len(terms) == 0 {
		return nil, nil
	}

	stats, err := ix.loadCorpusStat(ctx, t, family)
	if err != nil {
		return nil, err
	}
	if stats.Docs == 0 {
		return nil, nil
	}
	n := float64(stats.Docs)
	avgDL := float64(stats.Tokens) / n
	if avgDL <= 0 {
		avgDL = 1
	}

	docLens := make(map[string]float64)
	docLen := func(docID string) float64 {
		if dl, ok := docLens[docID]; ok {
			return dl
		}
		dl := avgDL
		if ds, err := ix.loadDocStat(ctx, t, family, docID); err == nil && ds != nil {
			dl = float64(ds.Len)
		}
		docLens[docID] = dl
		return dl
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		type post struct {
			doc  string
			freq float64
		}
		var posts []post
		for entry, err := range ix.kv.List(ctx, postingPrefix(t, family, term)) {
			if err != nil {
				return nil, err
			}
			var p posting
			if msgpack.Unmarshal(entry.Value, &p) != nil {
				continue
			}
			posts = append(posts, post{doc: entry.Key[len(entry.Key)-1], freq: float64(p.Freq)})
		}
		if len(posts) == 0 {
			continue
		}

		df := float64(len(posts))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
		for _, p := range posts {
			dl := docLen(p.doc)
			tfNorm := (p.freq * (bm25K1 + 1)) / (p.freq + bm25K1*(1-bm25B+bm25B*(dl/avgDL)))
			scores[p.doc] += idf * tfNorm
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, Hit{ID: id, Score: score})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// loadDocStat returns nil without error when the document is not indexed.
func (ix *Index) loadDocStat(ctx context.Context, t tenant.Tenant, family, docID string) (*docStat, error) {
	b, err := ix.kv.Get(ctx, docKey(t, family, docID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ds docStat
	if err := msgpack.Unmarshal(b, &ds); err != nil {
		return nil, fmt.Errorf("keyword: unmarshal doc stat %s: %w", docID, err)
	}
	return &ds, nil
}

// loadCorpusStat returns zero stats when the family has no corpus yet.
func (ix *Index) loadCorpusStat(ctx context.Context, t tenant.Tenant, family string) (*corpusStat, error) {
	var cs corpusStat
	b, err := ix.kv.Get(ctx, statsKey(t, family))
	if errors.Is(err, kv.ErrNotFound) {
		return &cs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(b, &cs); err != nil {
		return nil, fmt.Errorf("keyword: unmarshal corpus stat: %w", err)
	}
	return &cs, nil
}

func dedup(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

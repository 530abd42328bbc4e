package recall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

// searchFamily retrieves, fuses, hydrates and ranks one memory type.
// Warnings report degradations; an error means the family produced
// nothing usable.
func (e *Engine) searchFamily(ctx context.Context, t tenant.Tenant, p searchPlan, mt memstore.MemoryType) (Section, []string, error) {
	family := mt.Family()

	// Fetch more candidates than requested so hydration drops (deleted
	// records, scope misses) do not starve the result.
	fetch := p.topK * overFetchFactor
	if fetch < minOverFetch {
		fetch = minOverFetch
	}

	runKeyword := p.method.usesKeyword()
	runVector := p.method.usesVector() && len(p.vec) > 0

	// Step 1: run the retrieval legs concurrently.
	var (
		wg      sync.WaitGroup
		kwHits  []keyword.Hit
		kwErr   error
		matches []vecstore.Match
		vecErr  error
	)
	if runKeyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kwHits, kwErr = e.keyword.Search(ctx, t, family, p.text, fetch)
		}()
	}
	if runVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ix vecstore.Index
			if ix, vecErr = e.vectors.Index(t, family); vecErr != nil {
				return
			}
			matches, vecErr = ix.Search(ctx, p.vec, fetch)
		}()
	}
	wg.Wait()

	var warnings []string
	if kwErr != nil {
		slog.Warn("recall: keyword leg failed", "family", family, "error", kwErr)
		warnings = append(warnings, fmt.Sprintf("%s keyword search failed: %v", family, kwErr))
	}
	if vecErr != nil {
		slog.Warn("recall: vector leg failed", "family", family, "error", vecErr)
		warnings = append(warnings, fmt.Sprintf("%s vector search failed: %v", family, vecErr))
	}

	// Step 2: fuse the legs. Single-leg methods propagate their leg's
	// error; fused methods fall back to whichever leg survived.
	var fused []scored
	switch p.method {
	case MethodKeyword:
		if kwErr != nil {
			return Section{Type: mt}, warnings, fmt.Errorf("recall: %s keyword search: %w", family, kwErr)
		}
		fused = keywordScored(kwHits)
	case MethodVector:
		if vecErr != nil {
			return Section{Type: mt}, warnings, fmt.Errorf("recall: %s vector search: %w", family, vecErr)
		}
		fused = vectorScored(matches)
	default:
		kwOK := runKeyword && kwErr == nil
		vecOK := runVector && vecErr == nil
		switch {
		case kwOK && vecOK:
			if p.method == MethodRRF {
				fused = fuseRRF(e.rrfK, keywordScored(kwHits), vectorScored(matches))
			} else {
				fused = fuseWeighted(vectorScored(matches), keywordScored(kwHits), e.vectorWeight, e.keywordWeight)
			}
		case kwOK:
			fused = keywordScored(kwHits)
		case vecOK:
			fused = vectorScored(matches)
		default:
			return Section{Type: mt}, warnings, fmt.Errorf("recall: %s search: %w", family, errors.Join(kwErr, vecErr))
		}
	}

	// Step 3: hydrate candidates and apply the scope filter.
	ranked, err := e.hydrate(ctx, t, mt, fused, p.filter)
	if err != nil {
		return Section{Type: mt}, warnings, err
	}

	// Step 4: optionally rerank, then order and cut.
	if e.reranker != nil && len(ranked) > 0 {
		if warn := e.rerank(ctx, p.text, ranked); warn != "" {
			warnings = append(warnings, warn)
		}
	}
	sortRanked(ranked)
	total := len(ranked)
	if len(ranked) > p.topK {
		ranked = ranked[:p.topK]
	}

	groups, scores := bucketize(ranked)
	return Section{Type: mt, Groups: groups, Scores: scores, Total: total}, warnings, nil
}

// hydrate resolves fused candidates into full records, dropping hits
// whose record is gone, soft-deleted, or out of scope.
func (e *Engine) hydrate(ctx context.Context, t tenant.Tenant, mt memstore.MemoryType, fused []scored, f *memstore.Filter) ([]rankedMemory, error) {
	ranked := make([]rankedMemory, 0, len(fused))
	for _, cand := range fused {
		mem, err := e.load(ctx, t, mt, cand.id)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				// Index entry without a backing record. The projection
				// reconciler purges these lazily.
				slog.Debug("recall: dropping stale index hit", "type", mt, "id", cand.id)
				continue
			}
			return nil, fmt.Errorf("recall: hydrate %s %s: %w", mt, cand.id, err)
		}
		if mem == nil {
			continue
		}
		if !f.Matches(mem.eventID(), mem.userID(), mem.GroupID(), mem.Timestamp()) {
			continue
		}
		ranked = append(ranked, rankedMemory{mem: mem, score: cand.score})
	}
	return ranked, nil
}

// load fetches one record by index document ID. Soft-deleted records
// return (nil, nil).
func (e *Engine) load(ctx context.Context, t tenant.Tenant, mt memstore.MemoryType, id string) (*Memory, error) {
	switch mt {
	case memstore.TypeEpisodic:
		c, err := e.store.GetMemCell(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if c.Deleted() {
			return nil, nil
		}
		return &Memory{Type: mt, MemCell: c}, nil
	case memstore.TypeEventLog:
		l, err := e.store.GetEventLog(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if l.Deleted() {
			return nil, nil
		}
		return &Memory{Type: mt, EventLog: l}, nil
	case memstore.TypeForesight:
		fs, err := e.store.GetForesight(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if fs.Deleted() {
			return nil, nil
		}
		return &Memory{Type: mt, Foresight: fs}, nil
	case memstore.TypeProfile:
		userID, groupID := memstore.SplitProfileDocID(id)
		p, err := e.store.GetProfile(ctx, t, userID, groupID)
		if err != nil {
			return nil, err
		}
		return &Memory{Type: mt, Profile: p}, nil
	}
	return nil, fmt.Errorf("recall: unknown memory type %q", mt)
}

// rerank replaces fusion scores in place. On failure the fusion ranking
// stands and the returned warning is non-empty.
func (e *Engine) rerank(ctx context.Context, query string, ranked []rankedMemory) string {
	docs := make([]string, len(ranked))
	for i, r := range ranked {
		docs[i] = r.mem.content()
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil {
		slog.Warn("recall: rerank failed, keeping fusion order", "error", err)
		return "rerank failed: " + err.Error()
	}
	if len(scores) != len(ranked) {
		slog.Warn("recall: reranker returned mismatched scores", "want", len(ranked), "got", len(scores))
		return "rerank returned mismatched scores"
	}
	for i := range ranked {
		ranked[i].score = scores[i]
	}
	return ""
}

// sortRanked orders hits by score descending, breaking ties by recency
// and then by ID for determinism.
func sortRanked(ranked []rankedMemory) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ti, tj := ranked[i].mem.Timestamp(), ranked[j].mem.Timestamp(); ti != tj {
			return ti > tj
		}
		return ranked[i].mem.ID() < ranked[j].mem.ID()
	})
}

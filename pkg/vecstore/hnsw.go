package vecstore

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
)

// HNSWConfig configures a new [HNSW] index.
type HNSWConfig struct {
	// Dim is the vector dimension. Required; must be positive.
	// All inserted vectors must have exactly this many elements.
	Dim int

	// M is the maximum number of links per node per layer (except layer 0,
	// which allows 2*M). Higher values improve recall but increase memory
	// usage and insertion time. Default: 16.
	M int

	// EfConstruction is the size of the dynamic candidate list while
	// building the graph. Higher values produce a higher-quality graph at
	// the cost of slower insertion. Default: 200.
	EfConstruction int

	// EfSearch is the default size of the dynamic candidate list during
	// queries. Higher values improve recall at the cost of latency.
	// Adjustable at runtime via [HNSW.SetEfSearch]. Default: 50.
	EfSearch int
}

func (c *HNSWConfig) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
}

// maxLinks returns the link budget at the given layer.
// Layer 0 allows 2*M; higher layers allow M.
func (c *HNSWConfig) maxLinks(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

// node is a single vector in the HNSW graph.
type node struct {
	id    string     // external string ID
	vec   []float32  // vector data (len == Dim)
	top   int        // highest layer this node appears on (0-based)
	links [][]uint32 // links[layer] = neighbor slot IDs at that layer
}

// cand pairs a slot with its distance to some query vector.
type cand struct {
	slot uint32
	dist float32
}

// closeFirst is a min-heap over cand (closest on top).
type closeFirst []cand

func (h closeFirst) Len() int           { return len(h) }
func (h closeFirst) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h closeFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *closeFirst) Push(x any)        { *h = append(*h, x.(cand)) }
func (h *closeFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// farFirst is a max-heap over cand (farthest on top).
type farFirst []cand

func (h farFirst) Len() int           { return len(h) }
func (h farFirst) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h farFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *farFirst) Push(x any)        { *h = append(*h, x.(cand)) }
func (h *farFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// HNSW is a Hierarchical Navigable Small World index implementing [Index].
//
// It organizes vectors into a multi-layer navigable graph: higher layers
// hold exponentially fewer nodes and act as express lanes for traversal,
// while layer 0 holds every node for precise local search. Queries run in
// roughly logarithmic time in the number of vectors.
//
// The whole graph lives in memory; use [HNSW.Save] and [LoadHNSW] (or the
// snapshot helpers) for persistence across restarts.
//
// All methods are safe for concurrent use.
type HNSW struct {
	mu       sync.RWMutex
	cfg      HNSWConfig
	slots    []*node           // slot ID → node; nil = free slot
	byID     map[string]uint32 // external ID → slot ID
	entry    int32             // entry point slot; -1 if empty
	top      int               // highest occupied layer in the graph
	live     int               // number of active (non-nil) nodes
	free     []uint32          // recycled slot IDs
	levelMul float64           // 1/ln(M), for random level generation
}

var _ Index = (*HNSW)(nil)

// NewHNSW creates an empty HNSW index with the given configuration.
// Panics if cfg.Dim is not positive.
func NewHNSW(cfg HNSWConfig) *HNSW {
	if cfg.Dim <= 0 {
		panic("vecstore: HNSWConfig.Dim must be positive")
	}
	cfg.setDefaults()
	return &HNSW{
		cfg:      cfg,
		byID:     make(map[string]uint32),
		entry:    -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}
}

// SetEfSearch adjusts the search-time candidate list size.
func (h *HNSW) SetEfSearch(ef int) {
	h.mu.Lock()
	h.cfg.EfSearch = ef
	h.mu.Unlock()
}

// Len returns the number of vectors in the index.
func (h *HNSW) Len() int {
	h.mu.RLock()
	n := h.live
	h.mu.RUnlock()
	return n
}

// Flush is a no-op for the in-memory HNSW index.
func (h *HNSW) Flush() error { return nil }

// Close is a no-op. The index should not be used after Close.
func (h *HNSW) Close() error { return nil }

// Insert adds or replaces a vector with the given ID.
// Returns an error if the vector dimension does not match the configured Dim.
func (h *HNSW) Insert(_ context.Context, id string, vector []float32) error {
	if len(vector) != h.cfg.Dim {
		return fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(vector), h.cfg.Dim)
	}

	// Copy to avoid caller mutation.
	vec := make([]float32, len(vector))
	copy(vec, vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	// Re-inserting an ID replaces the old vector entirely.
	if old, ok := h.byID[id]; ok {
		h.unlink(old)
	}

	slot := h.allocSlot()
	level := h.randomLevel()
	nd := &node{
		id:    id,
		vec:   vec,
		top:   level,
		links: make([][]uint32, level+1),
	}
	h.slots[slot] = nd
	h.byID[id] = slot
	h.live++

	// First node becomes the entry point.
	if h.entry < 0 {
		h.entry = int32(slot)
		h.top = level
		return nil
	}

	// Greedy descent from the top of the graph down to just above the new
	// node's level, tracking only the single closest node per layer.
	cur := uint32(h.entry)
	curDist := CosineDistance(vec, h.slots[cur].vec)
	for layer := h.top; layer > level; layer-- {
		cur, curDist = h.descend(vec, cur, curDist, layer)
	}

	// From min(level, top) down to 0: beam search, pick neighbors, and
	// connect bidirectionally with pruning.
	entries := []uint32{cur}
	for layer := min(level, h.top); layer >= 0; layer-- {
		found := h.scanLayer(vec, entries, h.cfg.EfConstruction, layer)

		budget := h.cfg.maxLinks(layer)
		neighbors := h.nearestOf(vec, found, budget)
		nd.links[layer] = neighbors

		for _, nb := range neighbors {
			nn := h.slots[nb]
			if nn == nil || layer >= len(nn.links) {
				continue
			}
			nn.links[layer] = append(nn.links[layer], slot)
			if len(nn.links[layer]) > budget {
				nn.links[layer] = h.nearestOf(nn.vec, nn.links[layer], budget)
			}
		}

		entries = found
	}

	if level > h.top {
		h.entry = int32(slot)
		h.top = level
	}
	return nil
}

// BatchInsert adds or replaces multiple vectors.
// ids and vectors must have the same length.
func (h *HNSW) BatchInsert(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("vecstore: BatchInsert length mismatch: %d ids, %d vectors", len(ids), len(vectors))
	}
	for i, id := range ids {
		if err := h.Insert(ctx, id, vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the top-k nearest vectors to the query, ordered by
// ascending distance (closest first).
func (h *HNSW) Search(_ context.Context, query []float32, topK int) ([]Match, error) {
	if len(query) != h.cfg.Dim {
		return nil, fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(query), h.cfg.Dim)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.live == 0 || topK <= 0 {
		return nil, nil
	}

	// ef must be at least topK to gather enough candidates.
	ef := max(h.cfg.EfSearch, topK)

	cur := uint32(h.entry)
	start := h.slots[cur]
	if start == nil {
		return nil, nil
	}
	curDist := CosineDistance(query, start.vec)
	for layer := h.top; layer > 0; layer-- {
		cur, curDist = h.descend(query, cur, curDist, layer)
	}

	found := h.scanLayer(query, []uint32{cur}, ef, 0)

	results := make([]Match, 0, len(found))
	for _, slot := range found {
		nd := h.slots[slot]
		if nd == nil {
			continue
		}
		results = append(results, Match{ID: nd.id, Distance: CosineDistance(query, nd.vec)})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes a vector by ID. No error if the ID does not exist.
func (h *HNSW) Delete(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.byID[id]
	if !ok {
		return nil
	}
	h.unlink(slot)
	return nil
}

// allocSlot returns a slot ID, reusing a freed one if available.
// Caller must hold h.mu for writing.
func (h *HNSW) allocSlot() uint32 {
	if n := len(h.free); n > 0 {
		slot := h.free[n-1]
		h.free = h.free[:n-1]
		return slot
	}
	h.slots = append(h.slots, nil)
	return uint32(len(h.slots) - 1)
}

// randomLevel draws a layer for a new node from an exponential distribution:
// P(level >= l) = exp(-l * ln(M)). Most nodes land on layer 0.
func (h *HNSW) randomLevel() int {
	// 1-rand would also work; clamp away from 0 to avoid log(0).
	r := max(rand.Float64(), math.SmallestNonzeroFloat64)
	level := int(-math.Log(r) * h.levelMul)
	if level > 31 {
		level = 31 // cap to prevent pathological cases
	}
	return level
}

// descend performs one greedy walk on a single layer, repeatedly moving to
// the closest linked neighbor until no neighbor improves on the current
// distance. Caller must hold h.mu.
func (h *HNSW) descend(query []float32, cur uint32, curDist float32, layer int) (uint32, float32) {
	for {
		nd := h.slots[cur]
		if nd == nil || layer >= len(nd.links) {
			return cur, curDist
		}
		moved := false
		for _, nb := range nd.links[layer] {
			fn := h.slots[nb]
			if fn == nil {
				continue
			}
			if d := CosineDistance(query, fn.vec); d < curDist {
				cur, curDist = nb, d
				moved = true
			}
		}
		if !moved {
			return cur, curDist
		}
	}
}

// scanLayer performs a beam search on a single layer starting from the
// given entry slots, returning up to ef slots closest to the query.
// Caller must hold h.mu.
func (h *HNSW) scanLayer(query []float32, entries []uint32, ef int, layer int) []uint32 {
	visited := make(map[uint32]struct{}, ef*2)
	var frontier closeFirst // expansion queue, closest first
	var results farFirst    // best ef found so far, farthest on top

	for _, slot := range entries {
		nd := h.slots[slot]
		if nd == nil {
			continue
		}
		if _, seen := visited[slot]; seen {
			continue
		}
		visited[slot] = struct{}{}
		d := CosineDistance(query, nd.vec)
		heap.Push(&frontier, cand{slot: slot, dist: d})
		heap.Push(&results, cand{slot: slot, dist: d})
	}

	for frontier.Len() > 0 {
		next := heap.Pop(&frontier).(cand)
		// The frontier only holds nodes farther than everything kept so
		// far once results is full; expanding further cannot help.
		if results.Len() >= ef && next.dist > results[0].dist {
			break
		}

		nd := h.slots[next.slot]
		if nd == nil || layer >= len(nd.links) {
			continue
		}

		for _, nb := range nd.links[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			fn := h.slots[nb]
			if fn == nil {
				continue
			}

			d := CosineDistance(query, fn.vec)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&frontier, cand{slot: nb, dist: d})
				heap.Push(&results, cand{slot: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results[i].slot
	}
	return out
}

// nearestOf returns up to maxN slots from candidates closest to the query.
// Caller must hold h.mu.
func (h *HNSW) nearestOf(query []float32, candidates []uint32, maxN int) []uint32 {
	if len(candidates) <= maxN {
		out := make([]uint32, len(candidates))
		copy(out, candidates)
		return out
	}

	items := make([]cand, 0, len(candidates))
	for _, c := range candidates {
		if h.slots[c] == nil {
			continue
		}
		items = append(items, cand{slot: c, dist: CosineDistance(query, h.slots[c].vec)})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].dist < items[j].dist
	})
	if len(items) > maxN {
		items = items[:maxN]
	}

	out := make([]uint32, len(items))
	for i := range items {
		out[i] = items[i].slot
	}
	return out
}

// unlink removes the node in the given slot. Caller must hold h.mu for
// writing.
func (h *HNSW) unlink(slot uint32) {
	nd := h.slots[slot]
	if nd == nil {
		return
	}

	// Disconnect from all neighbors at every layer.
	for layer := 0; layer <= nd.top && layer < len(nd.links); layer++ {
		for _, nb := range nd.links[layer] {
			fn := h.slots[nb]
			if fn == nil || layer >= len(fn.links) {
				continue
			}
			fn.links[layer] = cutLink(fn.links[layer], slot)
		}
	}

	delete(h.byID, nd.id)
	h.slots[slot] = nil
	h.free = append(h.free, slot)
	h.live--

	if h.entry == int32(slot) {
		h.electEntry()
	}
}

// electEntry scans all nodes for the one on the highest layer and makes it
// the new entry point. Called after the current entry point is deleted.
func (h *HNSW) electEntry() {
	if h.live == 0 {
		h.entry = -1
		h.top = 0
		return
	}
	best := int32(-1)
	bestTop := -1
	for i, nd := range h.slots {
		if nd != nil && nd.top > bestTop {
			best = int32(i)
			bestTop = nd.top
		}
	}
	h.entry = best
	h.top = bestTop
}

// cutLink removes the first occurrence of val from s.
func cutLink(s []uint32, val uint32) []uint32 {
	for i, v := range s {
		if v == val {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

package vecstore

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
)

// newTestHNSW creates an HNSW index with small parameters for fast tests.
func newTestHNSW(dim int) *HNSW {
	return NewHNSW(HNSWConfig{
		Dim:            dim,
		M:              8,
		EfConstruction: 64,
		EfSearch:       32,
	})
}

// randVec generates a random unit vector of the given dimension using rng.
func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := float32(rng.NormFloat64())
		v[i] = x
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] /= float32(norm)
		}
	}
	return v
}

// exactNearest returns the top-k IDs by brute-force cosine distance.
func exactNearest(ids []string, vecs [][]float32, query []float32, topK int) []string {
	type scored struct {
		id   string
		dist float32
	}
	results := make([]scored, len(ids))
	for i, id := range ids {
		results[i] = scored{id: id, dist: CosineDistance(query, vecs[i])}
	}
	for i := 0; i < topK && i < len(results); i++ {
		best := i
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[best].dist {
				best = j
			}
		}
		results[i], results[best] = results[best], results[i]
	}
	n := min(topK, len(results))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = results[i].id
	}
	return out
}

func TestHNSWInsertAndSearch(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(4)

	_ = h.Insert(ctx, "a", []float32{1, 0, 0, 0})
	_ = h.Insert(ctx, "b", []float32{0, 1, 0, 0})
	_ = h.Insert(ctx, "c", []float32{0.9, 0.1, 0, 0})

	matches, err := h.Search(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "a" {
		t.Errorf("top match = %q, want 'a'", matches[0].ID)
	}
	if matches[1].ID != "c" {
		t.Errorf("second match = %q, want 'c'", matches[1].ID)
	}
}

func TestHNSWDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(4)

	if err := h.Insert(ctx, "a", []float32{1, 0, 0}); err == nil {
		t.Error("expected error for wrong dimension on Insert")
	}

	_ = h.Insert(ctx, "b", []float32{1, 0, 0, 0})
	if _, err := h.Search(ctx, []float32{1, 0}, 1); err == nil {
		t.Error("expected error for wrong dimension on Search")
	}
}

func TestHNSWDelete(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(3)

	_ = h.Insert(ctx, "a", []float32{1, 0, 0})
	_ = h.Insert(ctx, "b", []float32{0, 1, 0})
	_ = h.Insert(ctx, "c", []float32{0, 0, 1})

	if h.Len() != 3 {
		t.Fatalf("Len = %d, want 3", h.Len())
	}

	_ = h.Delete(ctx, "b")
	if h.Len() != 2 {
		t.Errorf("Len after delete = %d, want 2", h.Len())
	}

	// Search should not return the deleted vector.
	matches, err := h.Search(ctx, []float32{0, 1, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range matches {
		if m.ID == "b" {
			t.Error("deleted vector 'b' still returned in search")
		}
	}

	// Delete nonexistent, no error.
	if err := h.Delete(ctx, "nonexistent"); err != nil {
		t.Fatal(err)
	}
}

func TestHNSWDeleteEntryPoint(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(3)

	_ = h.Insert(ctx, "a", []float32{1, 0, 0})
	_ = h.Insert(ctx, "b", []float32{0, 1, 0})

	// Delete both and verify the index becomes empty.
	_ = h.Delete(ctx, "a")
	_ = h.Delete(ctx, "b")
	if h.Len() != 0 {
		t.Fatalf("Len = %d, want 0", h.Len())
	}

	// Insert again after emptying.
	_ = h.Insert(ctx, "c", []float32{0, 0, 1})
	matches, err := h.Search(ctx, []float32{0, 0, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "c" {
		t.Errorf("expected match 'c', got %v", matches)
	}
}

func TestHNSWUpdateExisting(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(3)

	_ = h.Insert(ctx, "a", []float32{1, 0, 0})
	_ = h.Insert(ctx, "b", []float32{0, 1, 0})

	// Update "a" to a new vector.
	_ = h.Insert(ctx, "a", []float32{0, 0, 1})

	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (update should not increase count)", h.Len())
	}

	matches, err := h.Search(ctx, []float32{0, 0, 1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Errorf("expected updated 'a', got %v", matches)
	}
}

func TestHNSWSearchEmpty(t *testing.T) {
	h := newTestHNSW(3)
	matches, err := h.Search(context.Background(), []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if matches != nil {
		t.Errorf("expected nil for empty index, got %v", matches)
	}
}

func TestHNSWSingleNode(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(3)

	_ = h.Insert(ctx, "only", []float32{0.5, 0.5, 0.5})
	matches, err := h.Search(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "only" {
		t.Errorf("expected single match 'only', got %v", matches)
	}
}

func TestNewHNSWPanicsOnZeroDim(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for Dim=0")
		}
	}()
	NewHNSW(HNSWConfig{Dim: 0})
}

// TestHNSWRecall builds a few hundred random vectors and checks that ANN
// search finds most of the exact top-10 neighbors.
func TestHNSWRecall(t *testing.T) {
	const (
		n    = 500
		dim  = 16
		topK = 10
	)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))

	h := newTestHNSW(dim)
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("v-%d", i)
		vecs[i] = randVec(rng, dim)
	}
	if err := h.BatchInsert(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}

	var hits, total int
	for q := 0; q < 20; q++ {
		query := randVec(rng, dim)
		want := exactNearest(ids, vecs, query, topK)
		wantSet := make(map[string]bool, len(want))
		for _, id := range want {
			wantSet[id] = true
		}

		got, err := h.Search(ctx, query, topK)
		if err != nil {
			t.Fatal(err)
		}
		for _, m := range got {
			if wantSet[m.ID] {
				hits++
			}
		}
		total += topK
	}

	recall := float64(hits) / float64(total)
	if recall < 0.8 {
		t.Errorf("recall = %.2f, want >= 0.80", recall)
	}
}

func TestHNSWConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(8)
	rng := rand.New(rand.NewPCG(1, 2))

	// Seed some vectors so searches have something to find.
	for i := 0; i < 50; i++ {
		_ = h.Insert(ctx, fmt.Sprintf("seed-%d", i), randVec(rng, 8))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := rand.New(rand.NewPCG(uint64(w), 99))
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := h.Insert(ctx, id, randVec(local, 8)); err != nil {
					t.Error(err)
					return
				}
				if _, err := h.Search(ctx, randVec(local, 8), 5); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if h.Len() != 250 {
		t.Errorf("Len = %d, want 250", h.Len())
	}
}

func TestHNSWSaveLoad(t *testing.T) {
	ctx := context.Background()
	h := newTestHNSW(4)

	_ = h.Insert(ctx, "a", []float32{1, 0, 0, 0})
	_ = h.Insert(ctx, "b", []float32{0, 1, 0, 0})
	_ = h.Insert(ctx, "c", []float32{0, 0, 1, 0})
	_ = h.Delete(ctx, "b")

	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatal(err)
	}

	h2, err := LoadHNSW(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if h2.Len() != h.Len() {
		t.Errorf("loaded Len = %d, want %d", h2.Len(), h.Len())
	}
	if h2.cfg.Dim != h.cfg.Dim {
		t.Errorf("loaded Dim = %d, want %d", h2.cfg.Dim, h.cfg.Dim)
	}

	// Search results must match.
	query := []float32{1, 0, 0, 0}
	m1, _ := h.Search(ctx, query, 2)
	m2, _ := h2.Search(ctx, query, 2)

	if len(m1) != len(m2) {
		t.Fatalf("result count mismatch: original %d, loaded %d", len(m1), len(m2))
	}
	for i := range m1 {
		if m1[i].ID != m2[i].ID {
			t.Errorf("result[%d]: original %q, loaded %q", i, m1[i].ID, m2[i].ID)
		}
	}

	// The loaded index accepts new inserts.
	if err := h2.Insert(ctx, "d", []float32{0, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	if h2.Len() != 3 {
		t.Errorf("Len after insert into loaded = %d, want 3", h2.Len())
	}
}

func TestLoadHNSWBadMagic(t *testing.T) {
	_, err := LoadHNSW(bytes.NewReader([]byte("not a snapshot at all")))
	if err == nil {
		t.Fatal("expected error for invalid magic")
	}
}

var _ Index = (*HNSW)(nil)

func BenchmarkHNSWSearch(b *testing.B) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(3, 5))
	h := newTestHNSW(32)
	for i := 0; i < 2000; i++ {
		_ = h.Insert(ctx, fmt.Sprintf("v-%d", i), randVec(rng, 32))
	}

	query := randVec(rng, 32)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = h.Search(ctx, query, 10)
	}
}

package recall_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/projection"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

var testTenant = tenant.Tenant{Org: "acme", Space: "prod"}

func ptr(s string) *string { return &s }

// axisVec maps text onto a two-axis topic space so cosine rankings are
// predictable: axis 0 is tea, axis 1 is travel. The baseline keeps every
// vector off zero.
func axisVec(text string) []float32 {
	v := []float32{0.1, 0.1}
	lower := strings.ToLower(text)
	for _, w := range []string{"tea", "oolong", "brew"} {
		if strings.Contains(lower, w) {
			v[0]++
		}
	}
	for _, w := range []string{"trip", "travel", "chengdu"} {
		if strings.Contains(lower, w) {
			v[1]++
		}
	}
	return v
}

type axisEmbed struct{}

func (axisEmbed) Embed(_ context.Context, text string) ([]float32, error) {
	return axisVec(text), nil
}

func (axisEmbed) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return axisVec(text), nil
}

func (axisEmbed) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = axisVec(s)
	}
	return out, nil
}

func (axisEmbed) Dimension() int { return 2 }

// failEmbed refuses query embeddings but still serves documents.
type failEmbed struct{ axisEmbed }

func (failEmbed) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedder down")
}

// vectorFault makes the next n vector searches fail.
type vectorFault struct {
	mu sync.Mutex
	n  int
}

func (f *vectorFault) arm(n int) {
	f.mu.Lock()
	f.n = n
	f.mu.Unlock()
}

func (f *vectorFault) take() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n <= 0 {
		return false
	}
	f.n--
	return true
}

type flakyIndex struct {
	vecstore.Index
	fault *vectorFault
}

func (ix *flakyIndex) Search(ctx context.Context, query []float32, topK int) ([]vecstore.Match, error) {
	if ix.fault.take() {
		return nil, errors.New("vector backend down")
	}
	return ix.Index.Search(ctx, query, topK)
}

type env struct {
	store *memstore.Store
	kw    *keyword.Index
	reg   *vecstore.Registry
	buf   *msgbuf.Buffer
	fault *vectorFault
	proj  *projection.Projector
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := kv.NewMemory(nil)
	e := &env{fault: &vectorFault{}}
	e.store = memstore.New(store)
	e.kw = keyword.New(store)
	e.reg = vecstore.NewRegistry(func(tenant.Tenant, string) (vecstore.Index, error) {
		return &flakyIndex{Index: vecstore.NewMemory(), fault: e.fault}, nil
	})
	e.buf = msgbuf.New(store)
	var err error
	e.proj, err = projection.New(projection.Config{KV: store, Store: e.store, Keyword: e.kw, Vectors: e.reg})
	if err != nil {
		t.Fatalf("projection.New: %v", err)
	}
	return e
}

func (e *env) engine(t *testing.T, mutate ...func(*recall.Config)) *recall.Engine {
	t.Helper()
	cfg := recall.Config{
		Store:    e.store,
		Keyword:  e.kw,
		Vectors:  e.reg,
		Embedder: axisEmbed{},
		Buffers:  e.buf,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := recall.New(cfg)
	if err != nil {
		t.Fatalf("recall.New: %v", err)
	}
	return eng
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []*memstore.Commit{teaCommit(), tripCommit()} {
		if err := e.store.CommitEpisode(ctx, testTenant, c); err != nil {
			t.Fatalf("CommitEpisode: %v", err)
		}
		e.proj.Project(ctx, testTenant, c)
	}
}

func teaCommit() *memstore.Commit {
	return &memstore.Commit{
		MemCell: &memstore.MemCell{
			EventID:   "ev-tea",
			UserID:    "u1",
			GroupID:   "g1",
			Subject:   "Morning tea habits",
			Summary:   "小明 talked about brewing oolong tea every morning.",
			Facts:     []string{"小明 likes oolong tea", "小明 brews tea every morning"},
			Embedding: axisVec("oolong tea brew"),
			Timestamp: 100,
		},
		EventLogs: []*memstore.EventLog{
			{ID: "log-tea-1", EventID: "ev-tea", UserID: "u1", GroupID: "g1",
				Content: "小明 likes oolong tea", Embedding: axisVec("oolong tea"), Timestamp: 100},
			{ID: "log-tea-2", EventID: "ev-tea", UserID: "u1", GroupID: "g1",
				Content: "小明 brews tea every morning", Embedding: axisVec("tea brew"), Timestamp: 101},
		},
		Profiles: []*memstore.UserProfile{
			{UserID: "u1", GroupID: "", Content: "Likes: oolong tea",
				Embedding: axisVec("oolong tea"), Timestamp: 102},
		},
	}
}

func tripCommit() *memstore.Commit {
	return &memstore.Commit{
		MemCell: &memstore.MemCell{
			EventID:   "ev-trip",
			UserID:    "u1",
			GroupID:   "g2",
			Subject:   "Chengdu travel plans",
			Summary:   "小明 plans a Chengdu trip in June.",
			Facts:     []string{"小明 plans a Chengdu trip in June"},
			Embedding: axisVec("chengdu trip travel"),
			Timestamp: 200,
		},
		EventLogs: []*memstore.EventLog{
			{ID: "log-trip-1", EventID: "ev-trip", UserID: "u1", GroupID: "g2",
				Content: "小明 plans a Chengdu trip in June", Embedding: axisVec("chengdu trip"), Timestamp: 200},
		},
		Foresights: []*memstore.Foresight{
			{ID: "fs-trip-1", EventID: "ev-trip", UserID: "u1", GroupID: "g2",
				Content: "小明 will travel to Chengdu", Evidence: "小明 plans a Chengdu trip in June",
				StartTime: "2024-06-01", EndTime: "2024-06-07", DurationDays: 6,
				Embedding: axisVec("chengdu travel trip"), Timestamp: 200},
		},
	}
}

// flatten walks a section's buckets in order and returns hit IDs with
// their parallel scores.
func flatten(sec *recall.Section) (ids []string, scores []float64) {
	if sec == nil {
		return nil, nil
	}
	for i, g := range sec.Groups {
		for j, m := range g.Memories {
			ids = append(ids, m.ID())
			scores = append(scores, sec.Scores[i].Scores[j])
		}
	}
	return ids, scores
}

func TestSearchKeyword(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
		Method: recall.MethodKeyword,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	sec := res.Section(memstore.TypeEpisodic)
	if sec == nil {
		t.Fatal("missing episodic section")
	}
	ids, scores := flatten(sec)
	if len(ids) != 1 || ids[0] != "ev-tea" {
		t.Fatalf("hits = %v, want [ev-tea]", ids)
	}
	if scores[0] <= 0 {
		t.Errorf("BM25 score = %v, want > 0", scores[0])
	}
	if sec.Groups[0].GroupID != "g1" {
		t.Errorf("bucket = %q, want g1", sec.Groups[0].GroupID)
	}
	if sec.Total != 1 || res.Total != 1 || res.HasMore {
		t.Errorf("Total = %d/%d HasMore = %v", sec.Total, res.Total, res.HasMore)
	}
	if res.Meta.Degraded {
		t.Errorf("unexpected degradation: %v", res.Meta.Warnings)
	}
}

func TestSearchVectorRanksBySimilarity(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "travel to chengdu",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
		Method: recall.MethodVector,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	ids, scores := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 2 || ids[0] != "ev-trip" || ids[1] != "ev-tea" {
		t.Fatalf("hits = %v, want [ev-trip ev-tea]", ids)
	}
	if scores[0] <= scores[1] {
		t.Errorf("similarity order broken: %v", scores)
	}
	for _, s := range scores {
		if s <= 0 || s > 1 {
			t.Errorf("similarity %v outside (0,1]", s)
		}
	}
}

func TestSearchHybridBlendsLegs(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	// ev-tea tops both legs, so after normalization it scores the full
	// 0.7 + 0.3. ev-trip appears in the vector leg only, at its minimum.
	ids, scores := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 2 || ids[0] != "ev-tea" || ids[1] != "ev-trip" {
		t.Fatalf("hits = %v, want [ev-tea ev-trip]", ids)
	}
	if math.Abs(scores[0]-1.0) > 1e-9 {
		t.Errorf("top score = %v, want 1.0", scores[0])
	}
	if math.Abs(scores[1]) > 1e-9 {
		t.Errorf("bottom score = %v, want 0", scores[1])
	}
	if res.Meta.Degraded {
		t.Errorf("unexpected degradation: %v", res.Meta.Warnings)
	}
}

func TestSearchRRF(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
		Method: recall.MethodRRF,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	// ev-tea ranks first in both legs: 1/61 + 1/61. ev-trip is second in
	// the vector leg only: 1/62.
	ids, scores := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 2 || ids[0] != "ev-tea" || ids[1] != "ev-trip" {
		t.Fatalf("hits = %v, want [ev-tea ev-trip]", ids)
	}
	if math.Abs(scores[0]-2.0/61) > 1e-12 {
		t.Errorf("rrf top score = %v, want %v", scores[0], 2.0/61)
	}
	if math.Abs(scores[1]-1.0/62) > 1e-12 {
		t.Errorf("rrf second score = %v, want %v", scores[1], 1.0/62)
	}
}

func TestSearchAllTypes(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if len(res.Sections) != len(memstore.Types) {
		t.Fatalf("sections = %d, want %d", len(res.Sections), len(memstore.Types))
	}
	for i, mt := range memstore.Types {
		if res.Sections[i].Type != mt {
			t.Errorf("section %d = %s, want %s", i, res.Sections[i].Type, mt)
		}
	}

	// The personal profile has no group scope and lands in the stable
	// personal bucket.
	prof := res.Section(memstore.TypeProfile)
	ids, _ := flatten(prof)
	if len(ids) != 1 || ids[0] != memstore.ProfileDocID("u1", "") {
		t.Fatalf("profile hits = %v", ids)
	}
	if prof.Groups[0].GroupID != recall.PersonalGroup {
		t.Errorf("profile bucket = %q, want %q", prof.Groups[0].GroupID, recall.PersonalGroup)
	}

	sum := 0
	for _, sec := range res.Sections {
		sum += sec.Total
	}
	if res.Total != sum {
		t.Errorf("Total = %d, want %d", res.Total, sum)
	}
}

func TestSearchScopeFiltersHydration(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)
	ctx := context.Background()

	res, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:    "tea trip",
		GroupID: ptr("g1"),
		Types:   []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ids, _ := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 1 || ids[0] != "ev-tea" {
		t.Fatalf("g1 hits = %v, want [ev-tea]", ids)
	}

	res, err = eng.Search(ctx, testTenant, &recall.Query{
		Text:   "tea trip",
		UserID: ptr("u2"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	sec := res.Section(memstore.TypeEpisodic)
	if sec.Total != 0 || len(sec.Groups) != 0 {
		t.Errorf("u2 should match nothing, got %+v", sec)
	}
	if res.Meta.Degraded {
		t.Error("scope filtering is not a degradation")
	}
}

func TestSearchTimeRange(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "tea trip chengdu",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
		From:   150,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ids, _ := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 1 || ids[0] != "ev-trip" {
		t.Fatalf("hits = %v, want [ev-trip]", ids)
	}
}

func TestSearchScopeTooBroad(t *testing.T) {
	e := newEnv(t)
	eng := e.engine(t)

	_, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:    "tea",
		UserID:  ptr(memstore.ScopeAll),
		GroupID: ptr(memstore.ScopeAll),
	})
	if !errors.Is(err, memstore.ErrScopeTooBroad) {
		t.Fatalf("err = %v, want ErrScopeTooBroad", err)
	}
}

func TestSearchValidation(t *testing.T) {
	e := newEnv(t)
	eng := e.engine(t)
	ctx := context.Background()

	if _, err := eng.Search(ctx, testTenant, &recall.Query{Text: "  "}); err == nil {
		t.Error("empty query text should fail")
	}
	if _, err := eng.Search(ctx, testTenant, &recall.Query{Text: "tea", Method: "cosine"}); err == nil {
		t.Error("unknown method should fail")
	}
	if _, err := eng.Search(ctx, testTenant, &recall.Query{Text: "tea", Types: []memstore.MemoryType{"wishes"}}); err == nil {
		t.Error("unknown memory type should fail")
	}
	if _, err := eng.Search(ctx, tenant.Tenant{}, &recall.Query{Text: "tea"}); err == nil {
		t.Error("invalid tenant should fail")
	}
}

func TestSearchDropsSoftDeleted(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)
	ctx := context.Background()

	if _, _, err := e.store.SoftDelete(ctx, testTenant, &memstore.Filter{EventID: "ev-tea"}, "test"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// The indexes still hold the deleted records until the reconciler
	// sweeps; hydration must drop them without flagging degradation.
	res, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic, memstore.TypeEventLog},
		Method: recall.MethodKeyword,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("Total = %d, want 0", res.Total)
	}
	if res.Meta.Degraded {
		t.Errorf("dropping deleted records is not a degradation: %v", res.Meta.Warnings)
	}
}

func TestSearchDegradesWhenVectorLegFails(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)
	ctx := context.Background()

	e.fault.arm(1 << 20)

	res, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("hybrid search should degrade, not fail: %v", err)
	}
	ids, _ := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 1 || ids[0] != "ev-tea" {
		t.Fatalf("keyword fallback hits = %v, want [ev-tea]", ids)
	}
	if !res.Meta.Degraded {
		t.Error("vector leg failure should mark the result degraded")
	}

	if _, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
		Method: recall.MethodVector,
	}); err == nil {
		t.Error("vector-only search should fail when the backend is down")
	}

	e.fault.arm(0)
}

func TestSearchDegradesWhenEmbedderFails(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t, func(cfg *recall.Config) { cfg.Embedder = failEmbed{} })
	ctx := context.Background()

	res, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("hybrid search should fall back to keyword: %v", err)
	}
	ids, _ := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 1 || ids[0] != "ev-tea" {
		t.Fatalf("hits = %v, want [ev-tea]", ids)
	}
	if !res.Meta.Degraded {
		t.Error("embedding failure should mark the result degraded")
	}

	if _, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		Method: recall.MethodVector,
		UserID: ptr("u1"),
	}); err == nil {
		t.Error("vector-only search needs the query embedding")
	}
}

func TestSearchPendingMessages(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)
	ctx := context.Background()

	msgs := []memstore.Message{
		{ID: "m1", SenderID: "u1", Role: memstore.RoleUser, Content: "刚到店里"},
		{ID: "m2", SenderID: "u1", Role: memstore.RoleUser, Content: "一会儿聊"},
	}
	if _, err := e.buf.Append(ctx, testTenant, "g1", msgs...); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res, err := eng.Search(ctx, testTenant, &recall.Query{
		Text:    "oolong tea",
		GroupID: ptr("g1"),
		Types:   []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Pending) != 2 || res.Pending[0].ID != "m1" || res.Pending[1].ID != "m2" {
		t.Fatalf("Pending = %+v, want the two buffered messages", res.Pending)
	}

	res, err = eng.Search(ctx, testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Pending != nil {
		t.Errorf("unscoped query should not report pending messages, got %+v", res.Pending)
	}
}

type stubRerank struct {
	fn func(query string, docs []string) ([]float64, error)
}

func (s stubRerank) Rerank(_ context.Context, query string, docs []string) ([]float64, error) {
	return s.fn(query, docs)
}

func TestSearchReranker(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t, func(cfg *recall.Config) {
		cfg.Reranker = stubRerank{fn: func(_ string, docs []string) ([]float64, error) {
			scores := make([]float64, len(docs))
			for i, d := range docs {
				if strings.Contains(d, "Chengdu") {
					scores[i] = 1
				} else {
					scores[i] = 0.1
				}
			}
			return scores, nil
		}}
	})

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ids, scores := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 2 || ids[0] != "ev-trip" || ids[1] != "ev-tea" {
		t.Fatalf("reranked hits = %v, want [ev-trip ev-tea]", ids)
	}
	if scores[0] != 1 || scores[1] != 0.1 {
		t.Errorf("reranked scores = %v", scores)
	}
	if res.Meta.Degraded {
		t.Errorf("unexpected degradation: %v", res.Meta.Warnings)
	}
}

func TestSearchRerankerFailureKeepsFusionOrder(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t, func(cfg *recall.Config) {
		cfg.Reranker = stubRerank{fn: func(string, []string) ([]float64, error) {
			return nil, errors.New("cross-encoder down")
		}}
	})

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "oolong tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEpisodic},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	ids, _ := flatten(res.Section(memstore.TypeEpisodic))
	if len(ids) != 2 || ids[0] != "ev-tea" {
		t.Fatalf("fusion order should stand, got %v", ids)
	}
	if !res.Meta.Degraded {
		t.Error("rerank failure should mark the result degraded")
	}
}

func TestSearchTopKCut(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	eng := e.engine(t)

	res, err := eng.Search(context.Background(), testTenant, &recall.Query{
		Text:   "tea",
		UserID: ptr("u1"),
		Types:  []memstore.MemoryType{memstore.TypeEventLog},
		TopK:   1,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	sec := res.Section(memstore.TypeEventLog)
	ids, _ := flatten(sec)
	if len(ids) != 1 {
		t.Fatalf("returned = %v, want exactly 1 hit", ids)
	}
	if sec.Total <= 1 {
		t.Errorf("Total = %d, want the pre-cut count", sec.Total)
	}
	if !res.HasMore {
		t.Error("HasMore should be set after the TopK cut")
	}
}

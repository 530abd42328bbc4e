// Package recall answers retrieval queries over extracted memories.
//
// A query fans out per memory type, and within each type runs up to two
// retrieval legs concurrently: BM25 over the keyword index and cosine
// similarity over the vector index. Leg results are fused ([MethodHybrid]
// by weighted sum of normalized scores, [MethodRRF] by reciprocal rank),
// hydrated from the memory store, scope-filtered, optionally reranked,
// and grouped by conversation.
//
// The engine degrades instead of failing where it can: if one leg of a
// fused method errors, the other leg's results are returned and the
// result metadata is marked degraded. Index hits whose backing record is
// missing or soft-deleted are dropped silently; the projection reconciler
// repairs such drift in the background.
package recall

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/evermem/evermem/pkg/embed"
	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

const (
	defaultTopK          = 10
	defaultVectorWeight  = 0.7
	defaultKeywordWeight = 0.3
	defaultRRFK          = 60

	// Legs fetch more candidates than TopK so hydration filtering does
	// not starve the result.
	overFetchFactor = 3
	minOverFetch    = 20
)

// Reranker rescores hydrated candidates against the query text.
// Implementations typically call a cross-encoder model. Scores must be
// returned in input order, one per document, higher meaning more
// relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Config assembles an [Engine].
type Config struct {
	// Store hydrates index hits into full records. Required.
	Store *memstore.Store

	// Keyword is the BM25 index over record text. Required.
	Keyword *keyword.Index

	// Vectors resolves per-tenant vector collections. Required.
	Vectors *vecstore.Registry

	// Embedder embeds query text for the semantic leg. Required.
	Embedder embed.Embedder

	// Buffers, when set, lets results report buffered conversation
	// messages that have not been extracted yet.
	Buffers *msgbuf.Buffer

	// Reranker, when set, rescores hydrated candidates per section.
	// Rerank failures fall back to the fusion order.
	Reranker Reranker

	// VectorWeight and KeywordWeight blend the normalized leg scores for
	// [MethodHybrid]. Defaults are 0.7 and 0.3.
	VectorWeight  float64
	KeywordWeight float64

	// RRFK is the rank offset for [MethodRRF]. Default 60.
	RRFK int
}

// Engine runs retrieval queries. Safe for concurrent use.
type Engine struct {
	store    *memstore.Store
	keyword  *keyword.Index
	vectors  *vecstore.Registry
	embedder embed.Embedder
	buffers  *msgbuf.Buffer
	reranker Reranker

	vectorWeight  float64
	keywordWeight float64
	rrfK          int
}

// New validates cfg and returns a ready engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("recall: Config.Store is required")
	}
	if cfg.Keyword == nil {
		return nil, errors.New("recall: Config.Keyword is required")
	}
	if cfg.Vectors == nil {
		return nil, errors.New("recall: Config.Vectors is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("recall: Config.Embedder is required")
	}
	if cfg.VectorWeight == 0 {
		cfg.VectorWeight = defaultVectorWeight
	}
	if cfg.KeywordWeight == 0 {
		cfg.KeywordWeight = defaultKeywordWeight
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = defaultRRFK
	}
	return &Engine{
		store:         cfg.Store,
		keyword:       cfg.Keyword,
		vectors:       cfg.Vectors,
		embedder:      cfg.Embedder,
		buffers:       cfg.Buffers,
		reranker:      cfg.Reranker,
		vectorWeight:  cfg.VectorWeight,
		keywordWeight: cfg.KeywordWeight,
		rrfK:          cfg.RRFK,
	}, nil
}

// searchPlan is the per-request state shared by all family searches.
type searchPlan struct {
	text   string
	vec    []float32
	method Method
	topK   int
	filter *memstore.Filter
}

// Search runs q for one tenant and returns grouped, scored hits per
// requested memory type.
//
// Scope violations and invalid parameters fail immediately. Backend
// failures degrade where a fused method leaves another leg standing; the
// result's metadata records what was lost.
func (e *Engine) Search(ctx context.Context, t tenant.Tenant, q *Query) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if q == nil || strings.TrimSpace(q.Text) == "" {
		return nil, errors.New("recall: query text is required")
	}
	method := q.Method
	if method == "" {
		method = MethodHybrid
	}
	if !method.Valid() {
		return nil, fmt.Errorf("recall: unknown method %q", q.Method)
	}
	types, err := normalizeTypes(q.Types)
	if err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	filter := &memstore.Filter{UserID: q.UserID, GroupID: q.GroupID, From: q.From, To: q.To}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var warnings []string

	// Embed the query once; every family's semantic leg shares the
	// vector. For fused methods an embedding failure degrades the whole
	// query to its keyword legs.
	var qvec []float32
	if method.usesVector() {
		qvec, err = e.embedder.EmbedQuery(ctx, q.Text)
		if err != nil {
			if method == MethodVector {
				return nil, fmt.Errorf("recall: embed query: %w", err)
			}
			warnings = append(warnings, "query embedding failed: "+err.Error())
			qvec = nil
		}
	}

	plan := searchPlan{text: q.Text, vec: qvec, method: method, topK: topK, filter: filter}

	sections := make([]Section, len(types))
	sectionWarns := make([][]string, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, mt := range types {
		g.Go(func() error {
			sec, warns, err := e.searchFamily(gctx, t, plan, mt)
			if err != nil {
				return err
			}
			sections[i] = sec
			sectionWarns[i] = warns
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Sections: sections}
	for i := range sections {
		res.Total += sections[i].Total
		if sections[i].Total > sections[i].returned() {
			res.HasMore = true
		}
	}
	for _, w := range sectionWarns {
		warnings = append(warnings, w...)
	}

	// Messages still waiting in the conversation buffer have not been
	// extracted, so the caller can tell how fresh the hits are.
	if conv := concreteGroup(q.GroupID); conv != "" && e.buffers != nil {
		msgs, err := e.buffers.Peek(ctx, t, conv)
		if err != nil {
			warnings = append(warnings, "pending messages unavailable: "+err.Error())
		} else {
			res.Pending = msgs
		}
	}

	if len(warnings) > 0 {
		res.Meta = Meta{Degraded: true, Warnings: warnings}
	}
	return res, nil
}

// concreteGroup returns the group ID when the scope names exactly one
// conversation.
func concreteGroup(groupID *string) string {
	if groupID == nil || *groupID == "" || *groupID == memstore.ScopeAll {
		return ""
	}
	return *groupID
}

// Package embed provides a text embedding interface and remote API implementations.
//
// An Embedder converts text into dense vector representations (embeddings)
// used for memory indexing and semantic retrieval.
//
// # Implementations
//
// Three remote API implementations are provided:
//
//   - [OpenAI]: OpenAI text-embedding-3-small / text-embedding-3-large
//   - [DashScope]: Aliyun DashScope text-embedding-v4 (OpenAI-compatible)
//   - [Gemini]: Google Gemini embeddings with retrieval task types
//
// [Batched] wraps any of them to fan large batches out over concurrent
// chunked API calls.
//
// # Quick Start
//
//	e := embed.NewOpenAI("sk-xxx", embed.WithModel("text-embedding-3-small"))
//	vec, err := e.Embed(ctx, "favorite tea is oolong")
//
//	qv, err := e.EmbedQuery(ctx, "what tea does she like")
package embed

import (
	"context"
	"errors"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single document text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedQuery returns the embedding vector for a retrieval query.
	// Query vectors live in the same space as document vectors but may
	// be prepared differently (instruction prefix, task type).
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embedding vectors for multiple document texts.
	// Implementations may split large batches into smaller API calls
	// transparently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the output vectors.
	Dimension() int
}

// Common errors.
var (
	// ErrEmptyInput is returned when the input text is empty.
	ErrEmptyInput = errors.New("embed: empty input")
)

// truncate shortens s to at most max runes, keeping the head.
// A max of zero or less disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

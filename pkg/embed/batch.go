package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 256
	defaultConcurrency = 5
)

// Batched wraps an Embedder and fans large EmbedBatch calls out over
// fixed-size chunks with bounded concurrency. Results keep input
// order. Embed and EmbedQuery pass through unchanged.
type Batched struct {
	Embedder

	batchSize   int
	concurrency int
}

var _ Embedder = (*Batched)(nil)

// NewBatched wraps e. Non-positive batchSize or concurrency select
// the defaults (256 and 5).
func NewBatched(e Embedder, batchSize, concurrency int) *Batched {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Batched{
		Embedder:    e,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

// EmbedBatch splits texts into chunks of at most the configured batch
// size and embeds up to the configured number of chunks concurrently.
// The first chunk error cancels the rest.
func (b *Batched) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) <= b.batchSize {
		return b.Embedder.EmbedBatch(ctx, texts)
	}

	result := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := b.Embedder.EmbedBatch(ctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embed chunk [%d:%d]: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embed chunk [%d:%d]: got %d vectors", start, end, len(vecs))
			}
			copy(result[start:], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

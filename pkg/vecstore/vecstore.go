// Package vecstore provides approximate nearest-neighbor (ANN) search over
// the dense embeddings produced for memory cells.
//
// The [Index] interface defines the contract for vector storage and search.
// Three implementations are provided: a brute-force in-memory index for
// tests and small spaces ([NewMemory]), an HNSW graph for single-node
// production use ([NewHNSW], with snapshot persistence), and a Qdrant-backed
// index for distributed deployments ([NewQdrant]).
//
// All distances are cosine: 0 means identical direction, 2 means opposite.
package vecstore

import "context"

// Index is the interface for approximate nearest-neighbor search over
// dense float32 vectors.
//
// All implementations must be safe for concurrent use.
type Index interface {
	// Insert adds or updates a vector with the given ID.
	Insert(ctx context.Context, id string, vector []float32) error

	// BatchInsert adds or updates multiple vectors at once.
	// ids and vectors must have the same length.
	BatchInsert(ctx context.Context, ids []string, vectors [][]float32) error

	// Search returns the top-k nearest vectors to the query.
	// Results are ordered by ascending distance (closest first).
	Search(ctx context.Context, query []float32, topK int) ([]Match, error)

	// Delete removes a vector by ID. No error if ID does not exist.
	Delete(ctx context.Context, id string) error

	// Len returns the number of vectors in the index. Remote backends may
	// return a best-effort count.
	Len() int

	// Flush ensures all pending writes are visible to subsequent searches.
	// For in-memory implementations this is typically a no-op.
	Flush() error

	// Close releases resources held by the index.
	Close() error
}

// Match is a single result from a vector similarity search.
type Match struct {
	// ID is the identifier of the matched vector.
	ID string

	// Distance is the cosine distance between the query and matched vector.
	// Lower values indicate higher similarity.
	Distance float32
}

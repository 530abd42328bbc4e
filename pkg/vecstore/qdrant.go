package vecstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant is an Index implementation backed by a Qdrant collection, for
// deployments where the vector space outgrows a single process.
//
// Qdrant point IDs must be UUIDs or integers, so external string IDs are
// mapped to deterministic UUIDs and the original ID is kept in the point
// payload for retrieval.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// QdrantConfig configures a Qdrant-backed index.
type QdrantConfig struct {
	// Collection is the Qdrant collection name. Required.
	Collection string

	// Dim is the vector dimension. Required; used when the collection has
	// to be created.
	Dim int
}

var _ Index = (*Qdrant)(nil)

// NewQdrant creates a Qdrant-backed Index on top of an existing client,
// creating the collection (cosine distance) if it does not exist.
//
// The client must be pre-configured (host, port, TLS, API key).
func NewQdrant(ctx context.Context, client *qdrant.Client, cfg QdrantConfig) (*Qdrant, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vecstore: QdrantConfig.Collection is required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("vecstore: QdrantConfig.Dim must be positive")
	}

	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("vecstore: qdrant collection check: %w", err)
	}
	if !exists {
		err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("vecstore: qdrant create collection: %w", err)
		}
	}

	return &Qdrant{
		client:     client,
		collection: cfg.Collection,
		dim:        cfg.Dim,
	}, nil
}

// pointID maps an external string ID to a deterministic Qdrant UUID.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

func (q *Qdrant) point(id string, vector []float32) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      pointID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(map[string]any{"id": id}),
	}
}

func (q *Qdrant) Insert(ctx context.Context, id string, vector []float32) error {
	if len(vector) != q.dim {
		return fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(vector), q.dim)
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{q.point(id, vector)},
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vecstore: qdrant upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) BatchInsert(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("vecstore: BatchInsert length mismatch: %d ids, %d vectors", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != q.dim {
			return fmt.Errorf("vecstore: dimension mismatch at %d: got %d, want %d", i, len(vectors[i]), q.dim)
		}
		points[i] = q.point(id, vectors[i])
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vecstore: qdrant batch upsert: %w", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, query []float32, topK int) ([]Match, error) {
	if len(query) != q.dim {
		return nil, fmt.Errorf("vecstore: dimension mismatch: got %d, want %d", len(query), q.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vecstore: qdrant query: %w", err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		id := p.GetPayload()["id"].GetStringValue()
		if id == "" {
			id = p.GetId().GetUuid()
		}
		// Qdrant returns cosine similarity; convert to cosine distance.
		matches = append(matches, Match{ID: id, Distance: 1 - p.GetScore()})
	}
	return matches, nil
}

func (q *Qdrant) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointID(id)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("vecstore: qdrant delete: %w", err)
	}
	return nil
}

// Len returns the exact point count, or 0 if the count request fails.
func (q *Qdrant) Len() int {
	n, err := q.client.Count(context.Background(), &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0
	}
	return int(n)
}

// Flush is a no-op: upserts are issued with Wait=true.
func (q *Qdrant) Flush() error { return nil }

// Close closes the underlying client connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

// Package memory is the entry point of the memory subsystem. A [Service]
// ties the pieces together behind five tenant-scoped operations:
//
//   - Ingest: append one conversation turn, detect episode boundaries,
//     and hand closed episodes to the extraction pool
//   - Fetch: read stored records by filter, without ranking
//   - Search: ranked retrieval through the recall engine
//   - Delete: soft-delete records by a mandatory narrowed scope
//   - UpsertConversationMeta: store per-conversation settings
//
// The service owns no storage of its own; it validates at the boundary
// and delegates to the packages that do.
package memory

import (
	"errors"
	"hash/fnv"
	"io"
	"sync"

	"github.com/evermem/evermem/pkg/boundary"
	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/tenant"
)

const lockStripes = 64

// Config assembles a [Service].
type Config struct {
	// Store is the memory record store. Required.
	Store *memstore.Store

	// Buffer holds not-yet-extracted conversation messages. Required.
	Buffer *msgbuf.Buffer

	// Pool runs episode extractions. Required. The service takes
	// ownership: Close shuts it down.
	Pool *extract.Pool

	// Recall answers search queries. Required.
	Recall *recall.Engine

	// Boundary tunes episode boundary detection. Zero fields take the
	// package defaults.
	Boundary boundary.Config
}

// Service is the memory subsystem façade. Safe for concurrent use.
type Service struct {
	store    *memstore.Store
	buffer   *msgbuf.Buffer
	pool     *extract.Pool
	recall   *recall.Engine
	boundary boundary.Config

	// locks serialize the peek-detect-drain-append window per
	// conversation so concurrent ingests cannot split an episode.
	locks [lockStripes]sync.Mutex
}

// New validates cfg and returns a ready service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("memory: Config.Store is required")
	}
	if cfg.Buffer == nil {
		return nil, errors.New("memory: Config.Buffer is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("memory: Config.Pool is required")
	}
	if cfg.Recall == nil {
		return nil, errors.New("memory: Config.Recall is required")
	}
	return &Service{
		store:    cfg.Store,
		buffer:   cfg.Buffer,
		pool:     cfg.Pool,
		recall:   cfg.Recall,
		boundary: cfg.Boundary,
	}, nil
}

// Close shuts the extraction pool down, draining queued episodes and
// waiting for in-flight ones. Buffered messages stay in the KV store for
// the next start.
func (s *Service) Close() error {
	return s.pool.Close()
}

func (s *Service) lock(t tenant.Tenant, conv string) *sync.Mutex {
	h := fnv.New32a()
	io.WriteString(h, t.Org)
	io.WriteString(h, "\x00")
	io.WriteString(h, t.Space)
	io.WriteString(h, "\x00")
	io.WriteString(h, conv)
	return &s.locks[h.Sum32()%lockStripes]
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"

	"github.com/evermem/evermem/cmd/evermem/internal/config"
	"github.com/evermem/evermem/pkg/boundary"
	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/cluster"
	"github.com/evermem/evermem/pkg/embed"
	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/llm"
	"github.com/evermem/evermem/pkg/memory"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/projection"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/storage"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

// DashScope's OpenAI-compatible completions endpoint.
const dashScopeChatBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// testEnv short-circuits openService so command tests run against a
// preassembled in-memory stack instead of the configured backends.
var (
	testEnv    *serviceEnv
	testTenant tenant.Tenant
)

// serviceEnv is the assembled runtime behind the data commands and the
// server: KV backend, indexes, model providers and the memory service
// on top.
type serviceEnv struct {
	cfg     *config.Config
	svc     *memory.Service
	records *memstore.Store
	buffer  *msgbuf.Buffer
	files   storage.FileStore
	vectors *vecstore.Registry
	proj    *projection.Projector
	dlq     *extract.DeadLetterQueue
	store   kv.Store

	badger *kv.Badger
	redis  *redis.Client

	keepOpen bool // test stacks survive close()
}

// close drains the extraction pool, persists vector snapshots and
// releases the KV backend.
func (e *serviceEnv) close() {
	if e.keepOpen {
		return
	}
	if e.svc != nil {
		_ = e.svc.Close()
	}
	e.saveSnapshots()
	if e.badger != nil {
		_ = e.badger.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}

// saveSnapshots persists every populated HNSW collection. Other index
// kinds persist on their own side.
func (e *serviceEnv) saveSnapshots() {
	if e.files == nil || e.vectors == nil {
		return
	}
	ctx := context.Background()
	_ = e.vectors.Range(func(t tenant.Tenant, family string, ix vecstore.Index) error {
		h, ok := ix.(*vecstore.HNSW)
		if !ok || h.Len() == 0 {
			return nil
		}
		path := snapshotPath(t, family)
		if err := vecstore.SaveSnapshot(ctx, h, e.files, path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: save snapshot %s: %v\n", path, err)
		}
		return nil
	})
}

func snapshotPath(t tenant.Tenant, family string) string {
	return t.Collection(family) + ".hnsw"
}

// openService assembles the runtime for the active CLI context and
// returns the tenant it is scoped to.
func openService() (*serviceEnv, tenant.Tenant, error) {
	if testEnv != nil {
		return testEnv, testTenant, nil
	}
	cc, err := currentContext()
	if err != nil {
		return nil, tenant.Tenant{}, err
	}
	t := tenant.Tenant{Org: cc.Organization, Space: cc.Space, HashKey: cc.HashKey}
	if t.Org == "" || t.Space == "" {
		return nil, tenant.Tenant{}, fmt.Errorf(
			"context %q has no organization/space (set them with 'evermem context add')", cc.Name)
	}
	cfg, err := contextConfig(cc)
	if err != nil {
		return nil, tenant.Tenant{}, err
	}
	printVerbose("data dir: %s", cfg.DataDir)
	env, err := buildEnv(context.Background(), cfg)
	if err != nil {
		return nil, tenant.Tenant{}, err
	}
	return env, t, nil
}

// contextConfig derives a service configuration from a CLI context:
// badger storage under the context's data dir, providers from its
// credentials.
func contextConfig(cc *cli.Context) (*config.Config, error) {
	cfg := config.Config{DataDir: cc.DataDir}
	if cfg.DataDir == "" {
		p, err := cli.NewPaths()
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.DataDir = p.DataDir()
	}
	if cc.LLM != nil {
		cfg.LLM = config.ProviderConfig{
			Provider: cc.LLM.Provider,
			APIKey:   cc.LLM.APIKey,
			Model:    cc.LLM.Model,
			BaseURL:  cc.LLM.BaseURL,
		}
	}
	if cc.Embedding != nil {
		cfg.Embedding = config.EmbeddingConfig{
			ProviderConfig: config.ProviderConfig{
				Provider: cc.Embedding.Provider,
				APIKey:   cc.Embedding.APIKey,
				Model:    cc.Embedding.Model,
				BaseURL:  cc.Embedding.BaseURL,
			},
			Dimension: cc.Embedding.Dimension,
		}
	}
	if cc.Timeout > 0 {
		cfg.Extract.Timeout = time.Duration(cc.Timeout) * time.Second
	}
	out := cfg.WithDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// buildEnv wires the full stack described by cfg: KV store, model
// providers, snapshot store, vector collections, indexes, extraction
// pool, recall engine and the service façade.
func buildEnv(ctx context.Context, cfg *config.Config) (*serviceEnv, error) {
	env := &serviceEnv{cfg: cfg}

	switch cfg.KV.Backend {
	case config.KVBadger:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		b, err := kv.NewBadger(kv.BadgerOptions{
			Dir:    filepath.Join(cfg.DataDir, "db"),
			Logger: silentLogger{},
		})
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		env.badger = b
		env.store = b
	case config.KVRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.KV.Addr,
			Password: cfg.KV.Password,
			DB:       cfg.KV.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.KV.Addr, err)
		}
		env.redis = client
		env.store = kv.NewRedis(client, kv.RedisOptions{Prefix: cfg.KV.Prefix})
	default:
		env.store = kv.NewMemory(nil)
	}

	emb, err := newEmbedder(ctx, cfg.Embedding)
	if err != nil {
		env.close()
		return nil, err
	}
	gen, err := newGenerator(ctx, cfg.LLM)
	if err != nil {
		env.close()
		return nil, err
	}

	if !cfg.Snapshots.Disabled {
		files, err := newFileStore(cfg)
		if err != nil {
			env.close()
			return nil, err
		}
		env.files = files
	}

	factory, err := vectorFactory(cfg, env.files)
	if err != nil {
		env.close()
		return nil, err
	}
	env.vectors = vecstore.NewRegistry(factory)

	env.records = memstore.New(env.store)
	env.buffer = msgbuf.New(env.store)
	kw := keyword.New(env.store)

	proj, err := projection.New(projection.Config{
		KV:      env.store,
		Store:   env.records,
		Keyword: kw,
		Vectors: env.vectors,
	})
	if err != nil {
		env.close()
		return nil, err
	}
	env.proj = proj

	topics := cluster.New(env.store, cluster.Config{})

	extractor, err := extract.New(extract.Config{
		Generator:     gen,
		Embedder:      emb,
		Profiles:      env.records,
		Topics:        topics,
		MaxForesights: cfg.Extract.MaxForesights,
		Attempts:      cfg.Extract.Attempts,
	})
	if err != nil {
		env.close()
		return nil, err
	}

	env.dlq = extract.NewDeadLetterQueue(env.store, env.files)

	pool, err := extract.NewPool(extract.PoolConfig{
		Extractor: extractor,
		Store:     env.records,
		DLQ:       env.dlq,
		Project:   proj.Project,
		Workers:   cfg.Extract.Workers,
		QueueSize: cfg.Extract.QueueSize,
		Timeout:   cfg.Extract.Timeout,
	})
	if err != nil {
		env.close()
		return nil, err
	}

	engine, err := recall.New(recall.Config{
		Store:         env.records,
		Keyword:       kw,
		Vectors:       env.vectors,
		Embedder:      emb,
		Buffers:       env.buffer,
		VectorWeight:  cfg.Recall.VectorWeight,
		KeywordWeight: cfg.Recall.KeywordWeight,
		RRFK:          cfg.Recall.RRFK,
	})
	if err != nil {
		_ = pool.Close()
		env.close()
		return nil, err
	}

	svc, err := memory.New(memory.Config{
		Store:  env.records,
		Buffer: env.buffer,
		Pool:   pool,
		Recall: engine,
		Boundary: boundary.Config{
			MaxBuffer: cfg.Boundary.MaxBuffer,
			Gap:       cfg.Boundary.Gap,
		},
	})
	if err != nil {
		_ = pool.Close()
		env.close()
		return nil, err
	}
	env.svc = svc
	return env, nil
}

func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (embed.Embedder, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key for embedding provider %s (set %s or the context's embedding credentials)",
			cfg.Provider, apiKeyEnv(cfg.Provider))
	}
	var opts []embed.Option
	if cfg.Model != "" {
		opts = append(opts, embed.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, embed.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Dimension > 0 {
		opts = append(opts, embed.WithDimension(cfg.Dimension))
	}
	switch cfg.Provider {
	case "openai":
		return embed.NewOpenAI(key, opts...), nil
	case "dashscope":
		return embed.NewDashScope(key, opts...), nil
	case "gemini":
		return embed.NewGemini(ctx, key, opts...)
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

func newGenerator(ctx context.Context, cfg config.ProviderConfig) (llm.Generator, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, fmt.Errorf("no API key for provider %s (set %s or the context's llm credentials)",
			cfg.Provider, apiKeyEnv(cfg.Provider))
	}
	var opts []llm.Option
	if cfg.Model != "" {
		opts = append(opts, llm.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, llm.WithBaseURL(cfg.BaseURL))
	}
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAI(key, opts...), nil
	case "dashscope":
		if cfg.BaseURL == "" {
			opts = append(opts, llm.WithBaseURL(dashScopeChatBaseURL))
		}
		if cfg.Model == "" {
			opts = append(opts, llm.WithModel("qwen-plus"))
		}
		return llm.NewOpenAI(key, opts...), nil
	case "gemini":
		return llm.NewGemini(ctx, key, opts...)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func apiKeyEnv(provider string) string {
	switch provider {
	case "dashscope":
		return "DASHSCOPE_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// newFileStore opens the snapshot store: S3-compatible when configured,
// a directory under the data dir otherwise.
func newFileStore(cfg *config.Config) (storage.FileStore, error) {
	if cfg.Snapshots.Backend != config.SnapS3 {
		return storage.NewLocal(filepath.Join(cfg.DataDir, "snapshots"))
	}
	s3cfg := cfg.Snapshots.S3
	return storage.DialS3(storage.S3Options{
		Bucket:    s3cfg.Bucket,
		Prefix:    s3cfg.Prefix,
		Region:    s3cfg.Region,
		Endpoint:  s3cfg.Endpoint,
		PathStyle: s3cfg.PathStyle,
	})
}

// vectorFactory builds the per-collection index factory. Collections
// are created lazily on first use, so restores and Qdrant collection
// creation run with a background context.
func vectorFactory(cfg *config.Config, files storage.FileStore) (vecstore.Factory, error) {
	switch cfg.Vector.Backend {
	case config.VecMemory:
		return func(tenant.Tenant, string) (vecstore.Index, error) {
			return vecstore.NewMemory(), nil
		}, nil
	case config.VecQdrant:
		client, err := qdrant.NewClient(&qdrant.Config{
			Host:   cfg.Vector.Qdrant.Host,
			Port:   cfg.Vector.Qdrant.Port,
			APIKey: cfg.Vector.Qdrant.APIKey,
			UseTLS: cfg.Vector.Qdrant.UseTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		dim := cfg.Embedding.Dimension
		return func(t tenant.Tenant, family string) (vecstore.Index, error) {
			return vecstore.NewQdrant(context.Background(), client, vecstore.QdrantConfig{
				Collection: t.Collection(family),
				Dim:        dim,
			})
		}, nil
	default:
		hcfg := vecstore.HNSWConfig{
			Dim:      cfg.Embedding.Dimension,
			M:        cfg.Vector.M,
			EfSearch: cfg.Vector.EfSearch,
		}
		return func(t tenant.Tenant, family string) (vecstore.Index, error) {
			if files == nil {
				return vecstore.NewHNSW(hcfg), nil
			}
			return vecstore.LoadOrNewHNSW(context.Background(), files, snapshotPath(t, family), hcfg)
		}, nil
	}
}

// silentLogger suppresses badger output in CLI commands.
type silentLogger struct{}

func (silentLogger) Errorf(string, ...any)   {}
func (silentLogger) Warningf(string, ...any) {}
func (silentLogger) Infof(string, ...any)    {}
func (silentLogger) Debugf(string, ...any)   {}

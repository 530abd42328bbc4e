// Package config defines the runtime configuration for the evermem
// command: storage backends, model providers and extraction tuning.
//
// The serve command loads it from a YAML file; data commands derive it
// from the active CLI context. Either way one Config describes the full
// stack, and [Config.WithDefaults] fills whatever the source left out.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Backend names accepted by the kv and vector sections.
const (
	KVBadger = "badger"
	KVRedis  = "redis"
	KVMemory = "memory"

	VecHNSW   = "hnsw"
	VecMemory = "memory"
	VecQdrant = "qdrant"

	SnapLocal = "local"
	SnapS3    = "s3"
)

// Config is the full runtime configuration.
type Config struct {
	// Listen is the HTTP listen address for serve. Default ":8876".
	Listen string `yaml:"listen,omitempty"`

	// DataDir is the root directory for local state (badger data,
	// vector snapshots). Default "~/.evermem/data".
	DataDir string `yaml:"data_dir,omitempty"`

	KV        KVConfig        `yaml:"kv,omitempty"`
	Vector    VectorConfig    `yaml:"vector,omitempty"`
	Snapshots SnapshotConfig  `yaml:"snapshots,omitempty"`
	LLM       ProviderConfig  `yaml:"llm,omitempty"`
	Embedding EmbeddingConfig `yaml:"embedding,omitempty"`
	Extract   ExtractConfig   `yaml:"extraction,omitempty"`
	Boundary  BoundaryConfig  `yaml:"boundary,omitempty"`
	Recall    RecallConfig    `yaml:"recall,omitempty"`
}

// KVConfig selects the key-value backend holding records, buffers and
// keyword postings.
type KVConfig struct {
	// Backend is badger, redis or memory. Default badger.
	Backend string `yaml:"backend,omitempty"`

	// Addr is the redis address. Default "localhost:6379".
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`

	// Prefix namespaces redis keys when the DB is shared.
	Prefix string `yaml:"prefix,omitempty"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	// Backend is hnsw, memory or qdrant. Default hnsw.
	Backend string `yaml:"backend,omitempty"`

	// M and EfSearch tune the HNSW graph. Zero takes the index
	// defaults.
	M        int `yaml:"m,omitempty"`
	EfSearch int `yaml:"ef_search,omitempty"`

	Qdrant QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig locates the Qdrant server.
type QdrantConfig struct {
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// SnapshotConfig selects where HNSW snapshots are stored. Ignored for
// other vector backends.
type SnapshotConfig struct {
	// Backend is local or s3. Default local (under DataDir).
	Backend string `yaml:"backend,omitempty"`

	// Disabled turns snapshot save and restore off.
	Disabled bool `yaml:"disabled,omitempty"`

	S3 S3Config `yaml:"s3,omitempty"`
}

// S3Config locates the snapshot bucket. Credentials come from the
// standard AWS environment variables.
type S3Config struct {
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// PathStyle addresses the bucket in the URL path instead of the
	// host, needed by MinIO and most S3-compatible stores.
	PathStyle bool `yaml:"path_style,omitempty"`
}

// ProviderConfig selects and authenticates a model provider.
type ProviderConfig struct {
	// Provider is openai, dashscope or gemini. Default openai.
	Provider string `yaml:"provider,omitempty"`

	// APIKey authenticates against the provider. Falls back to the
	// provider's conventional environment variable when empty.
	APIKey string `yaml:"api_key,omitempty"`

	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// EmbeddingConfig selects the embedding provider and vector dimension.
type EmbeddingConfig struct {
	ProviderConfig `yaml:",inline"`

	// Dimension is the vector dimension. Default 1536. Must stay fixed
	// once vectors have been written.
	Dimension int `yaml:"dimension,omitempty"`
}

// ExtractConfig tunes the extraction pool.
type ExtractConfig struct {
	Workers   int           `yaml:"workers,omitempty"`
	QueueSize int           `yaml:"queue_size,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`

	// MaxForesights caps generated foresights per episode.
	MaxForesights int `yaml:"max_foresights,omitempty"`

	// Attempts is the retry budget per LLM or embedding step.
	Attempts int `yaml:"attempts,omitempty"`
}

// BoundaryConfig tunes episode boundary detection.
type BoundaryConfig struct {
	// MaxBuffer forces an episode when a conversation's buffer reaches
	// this many messages.
	MaxBuffer int `yaml:"max_buffer,omitempty"`

	// Gap is the minimum silence before a message for the time-gap
	// rule.
	Gap time.Duration `yaml:"gap,omitempty"`
}

// RecallConfig tunes search fusion.
type RecallConfig struct {
	VectorWeight  float64 `yaml:"vector_weight,omitempty"`
	KeywordWeight float64 `yaml:"keyword_weight,omitempty"`
	RRFK          int     `yaml:"rrf_k,omitempty"`
}

// Load reads a Config from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.WithDefaults(), nil
}

// WithDefaults returns a copy of c with zero fields replaced by
// defaults.
func (c Config) WithDefaults() *Config {
	if c.Listen == "" {
		c.Listen = ":8876"
	}
	if c.KV.Backend == "" {
		c.KV.Backend = KVBadger
	}
	if c.KV.Addr == "" {
		c.KV.Addr = "localhost:6379"
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = VecHNSW
	}
	if c.Vector.Qdrant.Host == "" {
		c.Vector.Qdrant.Host = "localhost"
	}
	if c.Vector.Qdrant.Port == 0 {
		c.Vector.Qdrant.Port = 6334
	}
	if c.Snapshots.Backend == "" {
		c.Snapshots.Backend = SnapLocal
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = c.LLM.Provider
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 1536
	}
	return &c
}

// Validate checks backend and provider names.
func (c *Config) Validate() error {
	switch c.KV.Backend {
	case KVBadger, KVRedis, KVMemory:
	default:
		return fmt.Errorf("config: unknown kv backend %q", c.KV.Backend)
	}
	switch c.Vector.Backend {
	case VecHNSW, VecMemory, VecQdrant:
	default:
		return fmt.Errorf("config: unknown vector backend %q", c.Vector.Backend)
	}
	switch c.Snapshots.Backend {
	case SnapLocal, SnapS3:
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Snapshots.Backend)
	}
	if c.Snapshots.Backend == SnapS3 && c.Snapshots.S3.Bucket == "" {
		return fmt.Errorf("config: snapshots.s3.bucket is required for the s3 backend")
	}
	for _, p := range []string{c.LLM.Provider, c.Embedding.Provider} {
		switch p {
		case "openai", "dashscope", "gemini":
		default:
			return fmt.Errorf("config: unknown provider %q", p)
		}
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding.dimension must be positive")
	}
	return nil
}

// ResolveAPIKey returns the configured API key, falling back to the
// provider's conventional environment variable.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	switch p.Provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "dashscope":
		return os.Getenv("DASHSCOPE_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

// Example returns a commented example configuration file.
func Example() string {
	return `# evermem server configuration
listen: ":8876"
# data_dir: /var/lib/evermem

kv:
  backend: badger        # badger | redis | memory
  # addr: localhost:6379 # redis only
  # password: ""
  # db: 0

vector:
  backend: hnsw          # hnsw | memory | qdrant
  # m: 16
  # ef_search: 64
  # qdrant:
  #   host: localhost
  #   port: 6334

snapshots:
  backend: local         # local | s3
  # s3:
  #   bucket: evermem-snapshots
  #   region: us-east-1

llm:
  provider: openai       # openai | dashscope | gemini
  # api_key: ""          # or OPENAI_API_KEY
  # model: gpt-4o-mini

embedding:
  provider: openai
  # model: text-embedding-3-small
  dimension: 1536

extraction:
  workers: 4
  queue_size: 256
  timeout: 3m

boundary:
  max_buffer: 50
  gap: 30m
`
}

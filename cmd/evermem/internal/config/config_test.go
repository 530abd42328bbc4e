package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evermem.yaml")
	doc := `
listen: ":9999"
data_dir: /tmp/evermem-test
kv:
  backend: redis
  addr: redis.internal:6379
  db: 2
vector:
  backend: qdrant
  qdrant:
    host: qdrant.internal
llm:
  provider: dashscope
  model: qwen-plus
embedding:
  provider: dashscope
  dimension: 1024
extraction:
  workers: 8
  timeout: 5m
boundary:
  max_buffer: 30
  gap: 45m
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != ":9999" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.KV.Backend != KVRedis || cfg.KV.Addr != "redis.internal:6379" || cfg.KV.DB != 2 {
		t.Errorf("KV = %+v", cfg.KV)
	}
	if cfg.Vector.Backend != VecQdrant || cfg.Vector.Qdrant.Host != "qdrant.internal" {
		t.Errorf("Vector = %+v", cfg.Vector)
	}
	// Defaults fill what the file left out.
	if cfg.Vector.Qdrant.Port != 6334 {
		t.Errorf("Qdrant.Port = %d, want default 6334", cfg.Vector.Qdrant.Port)
	}
	if cfg.LLM.Provider != "dashscope" || cfg.LLM.Model != "qwen-plus" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.Embedding.Dimension != 1024 {
		t.Errorf("Embedding.Dimension = %d", cfg.Embedding.Dimension)
	}
	if cfg.Extract.Workers != 8 || cfg.Extract.Timeout != 5*time.Minute {
		t.Errorf("Extract = %+v", cfg.Extract)
	}
	if cfg.Boundary.MaxBuffer != 30 || cfg.Boundary.Gap != 45*time.Minute {
		t.Errorf("Boundary = %+v", cfg.Boundary)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()

	if cfg.Listen != ":8876" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.KV.Backend != KVBadger {
		t.Errorf("KV.Backend = %q", cfg.KV.Backend)
	}
	if cfg.Vector.Backend != VecHNSW {
		t.Errorf("Vector.Backend = %q", cfg.Vector.Backend)
	}
	if cfg.Snapshots.Backend != SnapLocal {
		t.Errorf("Snapshots.Backend = %q", cfg.Snapshots.Backend)
	}
	if cfg.LLM.Provider != "openai" || cfg.Embedding.Provider != "openai" {
		t.Errorf("providers = %q/%q", cfg.LLM.Provider, cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimension != 1536 {
		t.Errorf("Embedding.Dimension = %d", cfg.Embedding.Dimension)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEmbeddingProviderFollowsLLM(t *testing.T) {
	cfg := Config{LLM: ProviderConfig{Provider: "gemini"}}.WithDefaults()
	if cfg.Embedding.Provider != "gemini" {
		t.Errorf("Embedding.Provider = %q, want gemini", cfg.Embedding.Provider)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"kv", func(c *Config) { c.KV.Backend = "etcd" }},
		{"vector", func(c *Config) { c.Vector.Backend = "faiss" }},
		{"snapshot", func(c *Config) { c.Snapshots.Backend = "gcs" }},
		{"llm", func(c *Config) { c.LLM.Provider = "llama" }},
		{"embedding", func(c *Config) { c.Embedding.Provider = "cohere" }},
		{"dimension", func(c *Config) { c.Embedding.Dimension = -1 }},
		{"s3-bucket", func(c *Config) { c.Snapshots.Backend = SnapS3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}.WithDefaults()
			tt.mod(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should reject the config")
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	p := ProviderConfig{Provider: "openai", APIKey: "sk-configured"}
	if got := p.ResolveAPIKey(); got != "sk-configured" {
		t.Errorf("ResolveAPIKey = %q", got)
	}

	t.Setenv("OPENAI_API_KEY", "sk-env")
	p.APIKey = ""
	if got := p.ResolveAPIKey(); got != "sk-env" {
		t.Errorf("ResolveAPIKey = %q, want env fallback", got)
	}

	t.Setenv("DASHSCOPE_API_KEY", "ds-env")
	p = ProviderConfig{Provider: "dashscope"}
	if got := p.ResolveAPIKey(); got != "ds-env" {
		t.Errorf("ResolveAPIKey = %q", got)
	}
}

func TestExampleParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")
	if err := os.WriteFile(path, []byte(Example()), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config does not validate: %v", err)
	}
}

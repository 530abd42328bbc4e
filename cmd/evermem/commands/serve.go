package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/cmd/evermem/internal/build"
	"github.com/evermem/evermem/cmd/evermem/internal/config"
	"github.com/evermem/evermem/cmd/evermem/internal/server"
	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/projection"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Run the memory service as an HTTP server.

The stack comes from a YAML config file (-f); without one it is derived
from the active context like the data commands. Routes:

  POST   /v1/memories                      ingest one message or a batch
  GET    /v1/memories/stream               WebSocket ingest stream
  POST   /v1/memories/search               ranked retrieval
  POST   /v1/memories/fetch                filtered reads
  DELETE /v1/memories                      scoped soft-delete
  PUT    /v1/conversations/{group}         conversation settings
  GET    /v1/conversations/{group}         conversation settings
  GET    /v1/conversations/{group}/pending buffered messages
  GET    /v1/dead-letters                  failed extractions
  POST   /v1/dead-letters/requeue          retry one failed extraction
  GET    /healthz

Every /v1 route reads the tenant from the X-Organization-ID and
X-Space-ID headers.

Examples:
  evermem serve -f server.yaml --init   # write an example config
  evermem serve -f server.yaml
  evermem serve --listen :9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveConfigFile string
	serveListen     string
	serveInit       bool
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "file", "f", "", "server config file (YAML)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides the config)")
	serveCmd.Flags().BoolVar(&serveInit, "init", false, "write an example config to the -f path and exit")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveInit {
		return writeExampleConfig()
	}

	cfg, err := serveConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	// Tee logs into a ring buffer so GET /debug/logs can replay the
	// recent ones.
	logs := cli.NewLogWriter(256)
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		io.MultiWriter(os.Stderr, logs),
		&slog.HandlerOptions{Level: level},
	)))

	env, err := buildEnv(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer env.close()

	rec := projection.NewReconciler(env.proj, 0)
	defer rec.Close()

	srv, err := server.New(server.Config{
		Service:    env.svc,
		RecentLogs: logs.Lines,
	})
	if err != nil {
		return err
	}

	fmt.Println(banner(cfg).Render(64))

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

// serveConfig loads the file given with -f, or derives the stack from
// the active context.
func serveConfig() (*config.Config, error) {
	if serveConfigFile != "" {
		cfg, err := config.Load(serveConfigFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.DataDir == "" {
			p, err := cli.NewPaths()
			if err != nil {
				return nil, fmt.Errorf("resolve data dir: %w", err)
			}
			cfg.DataDir = p.DataDir()
		}
		return cfg, nil
	}
	cc, err := currentContext()
	if err != nil {
		return nil, fmt.Errorf("no config file given and %w", err)
	}
	printVerbose("serving from context %q", cc.Name)
	return contextConfig(cc)
}

func writeExampleConfig() error {
	path := serveConfigFile
	if path == "" {
		path = "evermem.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.Example()), 0o644); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	cli.PrintSuccess("Wrote example config to %s", path)
	cli.PrintInfo("Edit it, then run: evermem serve -f %s", path)
	return nil
}

// banner summarizes the effective configuration at startup.
func banner(cfg *config.Config) cli.Panel {
	kvb := cfg.KV.Backend
	if kvb == config.KVRedis {
		kvb += " (" + cfg.KV.Addr + ")"
	}
	vector := cfg.Vector.Backend
	if vector == config.VecQdrant {
		vector = fmt.Sprintf("qdrant (%s:%d)", cfg.Vector.Qdrant.Host, cfg.Vector.Qdrant.Port)
	}
	return cli.Panel{
		Styles: cli.NewStyles(cli.DefaultTheme),
		Title:  "evermem",
		Status: build.Version,
		Rows: [][2]string{
			{"listen", cfg.Listen},
			{"kv", kvb},
			{"vector", vector},
			{"llm", providerLabel(cfg.LLM)},
			{"embedding", fmt.Sprintf("%s (dim %d)", cfg.Embedding.Provider, cfg.Embedding.Dimension)},
			{"data dir", cfg.DataDir},
		},
	}
}

func providerLabel(p config.ProviderConfig) string {
	if p.Model != "" {
		return p.Provider + " (" + p.Model + ")"
	}
	return p.Provider
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
)

var (
	// Global flags
	verbose      bool
	configPath   string
	contextName  string
	outputFormat string
	outputFilter string
	outputFile   string

	// Global CLI configuration (loaded lazily)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "evermem",
	Short: "Long-term memory service for conversational agents",
	Long: `evermem is long-term memory for conversational agents.

Messages are ingested per conversation, cut into episodes, distilled by
an LLM into memory cells, facts, foresights and user profiles, and
indexed for hybrid keyword plus vector retrieval.

Commands:
  context   Manage named contexts (tenant, data dir, providers)
  ingest    Append conversation messages
  search    Ranked retrieval across memory types
  fetch     Read stored records by filter
  delete    Soft-delete records by scope
  meta      Per-conversation settings
  pending   Buffered, not-yet-extracted messages
  dlq       Failed extractions (list, requeue)
  serve     Run the HTTP server
  status    Show the active context and local data
  version   Version information

Examples:
  evermem context add dev --organization acme --space prod
  evermem context use dev
  evermem ingest -g trip-chat --user u1 --name 小明 "周末想去成都玩"
  evermem search "成都" --method hybrid --top-k 5
  evermem serve -f server.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.evermem/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "context name (default: current context)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: yaml, json, raw (default human-readable)")
	rootCmd.PersistentFlags().StringVar(&outputFilter, "filter", "", "jq expression applied to the output")
	rootCmd.PersistentFlags().StringVar(&outputFile, "output-file", "", "write output to file instead of stdout")
}

// getConfig loads the CLI configuration, honoring --config.
func getConfig() (*cli.Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := cli.LoadConfigWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	globalConfig = cfg
	return cfg, nil
}

// currentContext resolves the context named by --context, or the
// current one.
func currentContext() (*cli.Context, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	cc, err := cfg.ResolveContext(contextName)
	if err != nil {
		return nil, fmt.Errorf("%w (create one with 'evermem context add <name>')", err)
	}
	return cc, nil
}

// output renders a command result honoring the global output flags.
// An empty --output falls back to YAML.
func output(v any) error {
	return cli.Output(v, cli.OutputOptions{
		Format: cli.OutputFormat(outputFormat),
		Filter: outputFilter,
		File:   outputFile,
	})
}

// structuredOutput reports whether the user asked for machine-readable
// output; commands skip their human-oriented rendering then.
func structuredOutput() bool {
	return outputFormat != "" || outputFilter != "" || outputFile != ""
}

func printVerbose(format string, args ...any) {
	cli.PrintVerbose(verbose, format, args...)
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func exitError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

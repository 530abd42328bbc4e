// Package cli provides common utilities for the evermem command-line
// tool.
//
// This package includes:
//   - Configuration management (named contexts, kubectl style)
//   - Output formatting (JSON, YAML, raw) with optional jq filtering
//   - Request file loading (YAML/JSON)
//   - Terminal styling and log capture helpers
//
// Configuration is stored in ~/.evermem/config.yaml. A context bundles
// the tenant namespace (organization and space), the local data
// directory and the model provider credentials; switching contexts
// switches all three.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig()
//
//	ctx, err := cfg.GetCurrentContext()
//
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    Filter: ".memories[].group_id",
//	})
package cli

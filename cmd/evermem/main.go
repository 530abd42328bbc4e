// Package main is the entry point for the evermem CLI.
//
// Usage:
//
//	evermem [flags] <command> [subcommand] [args]
//
// Commands:
//
//	context  - Named contexts (tenant, data dir, providers)
//	ingest   - Append conversation messages
//	search   - Ranked retrieval across memory types
//	fetch    - Read stored records by filter
//	delete   - Soft-delete records by scope
//	meta     - Per-conversation settings
//	pending  - Buffered, not-yet-extracted messages
//	dlq      - Failed extractions (list, requeue)
//	serve    - Run the HTTP server
//	status   - Show the active context and local data
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/evermem/evermem/cmd/evermem/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

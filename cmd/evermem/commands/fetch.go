package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/memory"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Read stored records by filter",
	Long: `Read stored memories without ranking.

Records are filtered by scope and time, newest first by default. The
--start/--end dates select foresights whose validity window overlaps
the range; other families ignore them.

Examples:
  evermem fetch -g trip-chat
  evermem fetch --types foresight --start 2026-06-01 --end 2026-06-30
  evermem fetch --user u1 --types profile
  evermem fetch --event 4f2a... -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &memory.FetchRequest{}

		typesStr, _ := cmd.Flags().GetString("types")
		types, err := parseMemoryTypes(typesStr)
		if err != nil {
			return err
		}
		req.Types = types
		req.UserID = scopeFlag(cmd, "user")
		req.GroupID = scopeFlag(cmd, "group")
		req.EventID, _ = cmd.Flags().GetString("event")
		if req.From, err = timeFlag(cmd, "from"); err != nil {
			return err
		}
		if req.To, err = timeFlag(cmd, "to"); err != nil {
			return err
		}
		req.Start, _ = cmd.Flags().GetString("start")
		req.End, _ = cmd.Flags().GetString("end")
		req.Limit, _ = cmd.Flags().GetInt("limit")
		req.Offset, _ = cmd.Flags().GetInt("offset")
		req.SortAsc, _ = cmd.Flags().GetBool("asc")

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		res, err := env.svc.Fetch(cmd.Context(), t, req)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(res)
		}
		renderFetch(res)
		return nil
	},
}

func renderFetch(res *memory.FetchResult) {
	if res.Total == 0 {
		fmt.Println("No records found.")
		return
	}
	fmt.Printf("Found %d record(s):\n", res.Total)
	if len(res.MemCells) > 0 {
		fmt.Printf("\nmemory cells (%d):\n", len(res.MemCells))
		for _, c := range res.MemCells {
			fmt.Printf("  %s  %s  %s\n", shortID(c.EventID), cli.FormatNanos(c.Timestamp),
				cli.TruncateString(c.Subject+": "+c.Summary, 72))
		}
	}
	if len(res.EventLogs) > 0 {
		fmt.Printf("\nevent logs (%d):\n", len(res.EventLogs))
		for _, l := range res.EventLogs {
			fmt.Printf("  %s  %s  %s\n", shortID(l.ID), cli.FormatNanos(l.Timestamp),
				cli.TruncateString(l.Content, 72))
		}
	}
	if len(res.Foresights) > 0 {
		fmt.Printf("\nforesights (%d):\n", len(res.Foresights))
		for _, f := range res.Foresights {
			window := f.StartTime + ".." + f.EndTime
			fmt.Printf("  %s  %-23s %s\n", shortID(f.ID), window, cli.TruncateString(f.Content, 64))
		}
	}
	if len(res.Profiles) > 0 {
		fmt.Printf("\nprofiles (%d):\n", len(res.Profiles))
		for _, p := range res.Profiles {
			fmt.Printf("  %s v%d (%d episodes)\n    %s\n", p.UserID, p.Version,
				p.MemCellCount, cli.TruncateString(p.Content, 76))
		}
	}
}

// shortID abbreviates record IDs for terminal listings.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	fetchCmd.Flags().StringP("group", "g", "", "conversation (group) scope")
	fetchCmd.Flags().String("user", "", "user scope")
	fetchCmd.Flags().String("types", "", "comma-separated memory types")
	fetchCmd.Flags().String("event", "", "restrict to one episode and its children")
	fetchCmd.Flags().String("from", "", "earliest record time (RFC 3339 or YYYY-MM-DD)")
	fetchCmd.Flags().String("to", "", "latest record time (RFC 3339 or YYYY-MM-DD)")
	fetchCmd.Flags().String("start", "", "foresight window start (YYYY-MM-DD)")
	fetchCmd.Flags().String("end", "", "foresight window end (YYYY-MM-DD)")
	fetchCmd.Flags().Int("limit", 0, "max records per family")
	fetchCmd.Flags().Int("offset", 0, "records to skip per family")
	fetchCmd.Flags().Bool("asc", false, "oldest first")

	rootCmd.AddCommand(fetchCmd)
}

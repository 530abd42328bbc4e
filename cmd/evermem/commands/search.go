package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/recall"
)

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Ranked retrieval across memory types",
	Long: `Search stored memories with hybrid keyword and vector retrieval.

Results are grouped per memory type and conversation, ranked by the
fused score. Methods:

  hybrid   weighted blend of both legs (default)
  vector   cosine similarity only
  keyword  BM25 only
  rrf      reciprocal rank fusion

Scopes follow the three-valued contract: an omitted --user/--group
matches everything, an empty value matches records without that scope,
and the literal __all__ widens one axis explicitly.

Examples:
  evermem search "成都"
  evermem search "trip plans" -g trip-chat --method rrf --top-k 5
  evermem search "dinosaurs" --types event_log,foresight --from 2026-06-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := &recall.Query{Text: args[0]}

		method, _ := cmd.Flags().GetString("method")
		q.Method = recall.Method(method)
		if method != "" && !q.Method.Valid() {
			return fmt.Errorf("unknown method %q (hybrid, vector, keyword, rrf)", method)
		}
		q.TopK, _ = cmd.Flags().GetInt("top-k")
		q.UserID = scopeFlag(cmd, "user")
		q.GroupID = scopeFlag(cmd, "group")

		typesStr, _ := cmd.Flags().GetString("types")
		types, err := parseMemoryTypes(typesStr)
		if err != nil {
			return err
		}
		q.Types = types

		if q.From, err = timeFlag(cmd, "from"); err != nil {
			return err
		}
		if q.To, err = timeFlag(cmd, "to"); err != nil {
			return err
		}

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		res, err := env.svc.Search(cmd.Context(), t, q)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(res)
		}
		renderSearch(res)
		return nil
	},
}

func renderSearch(res *recall.Result) {
	if res.Total == 0 && len(res.Pending) == 0 {
		fmt.Println("No results found.")
		return
	}
	fmt.Printf("Found %d result(s):\n", res.Total)
	for _, sec := range res.Sections {
		if sec.Total == 0 {
			continue
		}
		fmt.Printf("\n%s (%d):\n", sec.Type, sec.Total)
		for i, g := range sec.Groups {
			fmt.Printf("  %s:\n", g.GroupID)
			for j, m := range g.Memories {
				score := 0.0
				if i < len(sec.Scores) && j < len(sec.Scores[i].Scores) {
					score = sec.Scores[i].Scores[j]
				}
				ts := time.Unix(0, m.Timestamp()).Format("2006-01-02")
				fmt.Printf("    %d. [%.3f] %s  %s\n", j+1, score, ts,
					cli.TruncateString(displayText(m), 80))
			}
		}
	}
	if res.HasMore {
		fmt.Println("\n(more results available, raise --top-k)")
	}
	if len(res.Pending) > 0 {
		fmt.Printf("\n%d message(s) still buffered, not yet extracted\n", len(res.Pending))
	}
	for _, w := range res.Meta.Warnings {
		cli.PrintWarning("%s", w)
	}
}

// displayText returns the one-line rendering of a hit.
func displayText(m *recall.Memory) string {
	switch {
	case m.MemCell != nil:
		if m.MemCell.Subject != "" && m.MemCell.Summary != "" {
			return m.MemCell.Subject + ": " + m.MemCell.Summary
		}
		if m.MemCell.Subject != "" {
			return m.MemCell.Subject
		}
		return m.MemCell.Summary
	case m.EventLog != nil:
		return m.EventLog.Content
	case m.Foresight != nil:
		f := m.Foresight
		if f.StartTime != "" || f.EndTime != "" {
			return fmt.Sprintf("%s (%s..%s)", f.Content, f.StartTime, f.EndTime)
		}
		return f.Content
	case m.Profile != nil:
		return m.Profile.Content
	}
	return ""
}

// scopeFlag returns nil when the flag was not set, so unset scopes match
// everything.
func scopeFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// parseMemoryTypes parses a comma-separated type list. Family names and
// common aliases are accepted.
func parseMemoryTypes(s string) ([]memstore.MemoryType, error) {
	if s == "" {
		return nil, nil
	}
	var out []memstore.MemoryType
	for _, p := range strings.Split(s, ",") {
		switch strings.TrimSpace(p) {
		case "":
		case "episodic", "memcell", string(memstore.TypeEpisodic):
			out = append(out, memstore.TypeEpisodic)
		case "event", "fact", string(memstore.TypeEventLog):
			out = append(out, memstore.TypeEventLog)
		case string(memstore.TypeForesight):
			out = append(out, memstore.TypeForesight)
		case string(memstore.TypeProfile):
			out = append(out, memstore.TypeProfile)
		default:
			return nil, fmt.Errorf("unknown memory type %q (episodic_memory, event_log, foresight, profile)", p)
		}
	}
	return out, nil
}

// timeFlag parses a time flag into Unix nanoseconds. RFC 3339 and plain
// YYYY-MM-DD dates are accepted; empty means unbounded.
func timeFlag(cmd *cobra.Command, name string) (int64, error) {
	s, _ := cmd.Flags().GetString(name)
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixNano(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t.UnixNano(), nil
	}
	return 0, fmt.Errorf("invalid --%s %q (want RFC 3339 or YYYY-MM-DD)", name, s)
}

func init() {
	searchCmd.Flags().StringP("group", "g", "", "conversation (group) scope")
	searchCmd.Flags().String("user", "", "user scope")
	searchCmd.Flags().String("types", "", "comma-separated memory types")
	searchCmd.Flags().String("method", "", "retrieval method: hybrid, vector, keyword, rrf")
	searchCmd.Flags().Int("top-k", 0, "max hits per memory type (default 10)")
	searchCmd.Flags().String("from", "", "earliest record time (RFC 3339 or YYYY-MM-DD)")
	searchCmd.Flags().String("to", "", "latest record time (RFC 3339 or YYYY-MM-DD)")

	rootCmd.AddCommand(searchCmd)
}

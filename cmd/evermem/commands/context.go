package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage named contexts",
	Long: `Manage contexts.

A context names a tenant (organization and space), a local data
directory and the model provider credentials. All data commands run
against the current context; switch contexts to switch tenants.

Examples:
  evermem context add dev --organization acme --space dev --use
  evermem context set dev --llm-provider openai --llm-api-key sk-...
  evermem context use dev
  evermem context list`,
}

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		name := args[0]
		if _, err := cfg.GetContext(name); err == nil {
			return fmt.Errorf("context %q already exists (use 'context set' to modify it)", name)
		}
		cc := &cli.Context{}
		applyContextFlags(cmd, cc)
		if err := cfg.AddContext(name, cc); err != nil {
			return err
		}
		use, _ := cmd.Flags().GetBool("use")
		if use || cfg.CurrentContext == "" {
			if err := cfg.UseContext(name); err != nil {
				return err
			}
		}
		if structuredOutput() {
			return output(map[string]any{"name": name, "status": "created", "current": cfg.CurrentContext == name})
		}
		cli.PrintSuccess("Context %q created", name)
		if cfg.CurrentContext == name {
			cli.PrintInfo("Now the current context")
		}
		return nil
	},
}

var contextSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Update fields of a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		cc, err := cfg.GetContext(args[0])
		if err != nil {
			return err
		}
		applyContextFlags(cmd, cc)
		if err := cfg.Save(); err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"name": cc.Name, "status": "updated"})
		}
		cli.PrintSuccess("Context %q updated", cc.Name)
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"name": args[0], "status": "active"})
		}
		cli.PrintSuccess("Switched to context %q", args[0])
		return nil
	},
}

var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			return fmt.Errorf("no current context (set one with 'evermem context use <name>')")
		}
		if structuredOutput() {
			return output(map[string]any{"current": cfg.CurrentContext})
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		sort.Strings(names)
		if structuredOutput() {
			type row struct {
				Name         string `json:"name"`
				Organization string `json:"organization,omitempty"`
				Space        string `json:"space,omitempty"`
				Current      bool   `json:"current"`
			}
			rows := make([]row, 0, len(names))
			for _, n := range names {
				cc, _ := cfg.GetContext(n)
				r := row{Name: n, Current: n == cfg.CurrentContext}
				if cc != nil {
					r.Organization = cc.Organization
					r.Space = cc.Space
				}
				rows = append(rows, r)
			}
			return output(rows)
		}
		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("Create one with: evermem context add <name>")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, n := range names {
			marker := " "
			if n == cfg.CurrentContext {
				marker = "*"
			}
			cc, _ := cfg.GetContext(n)
			scope := ""
			if cc != nil && cc.Organization != "" {
				scope = cc.Organization + "/" + cc.Space
			}
			fmt.Fprintf(w, "%s %s\t%s\n", marker, n, scope)
		}
		return w.Flush()
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show context details",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		cc, err := cfg.ResolveContext(name)
		if err != nil {
			return err
		}
		view := redactContext(cc)
		if structuredOutput() {
			return output(view)
		}
		fmt.Printf("Context: %s\n", cc.Name)
		fmt.Printf("  organization: %s\n", valueOrUnset(cc.Organization))
		fmt.Printf("  space:        %s\n", valueOrUnset(cc.Space))
		fmt.Printf("  data dir:     %s\n", valueOrUnset(cc.DataDir))
		if cc.LLM != nil {
			fmt.Printf("  llm:          %s %s (key %s)\n",
				cc.LLM.Provider, valueOrUnset(cc.LLM.Model), cli.MaskAPIKey(cc.LLM.APIKey))
		} else {
			fmt.Printf("  llm:          (not set)\n")
		}
		if cc.Embedding != nil {
			fmt.Printf("  embedding:    %s %s dim=%d (key %s)\n",
				cc.Embedding.Provider, valueOrUnset(cc.Embedding.Model),
				cc.Embedding.Dimension, cli.MaskAPIKey(cc.Embedding.APIKey))
		} else {
			fmt.Printf("  embedding:    (not set)\n")
		}
		return nil
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"name": args[0], "status": "deleted"})
		}
		cli.PrintSuccess("Context %q deleted", args[0])
		return nil
	},
}

// applyContextFlags copies the changed context flags into cc. Credential
// structs are allocated on first use so untouched sections stay nil.
func applyContextFlags(cmd *cobra.Command, cc *cli.Context) {
	f := cmd.Flags()
	if f.Changed("organization") {
		cc.Organization, _ = f.GetString("organization")
	}
	if f.Changed("space") {
		cc.Space, _ = f.GetString("space")
	}
	if f.Changed("hash-key") {
		cc.HashKey, _ = f.GetString("hash-key")
	}
	if f.Changed("data-dir") {
		cc.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("timeout") {
		cc.Timeout, _ = f.GetInt("timeout")
	}
	llmFlags := []string{"llm-provider", "llm-api-key", "llm-model", "llm-base-url"}
	for _, name := range llmFlags {
		if !f.Changed(name) {
			continue
		}
		if cc.LLM == nil {
			cc.LLM = &cli.ProviderCredentials{}
		}
		v, _ := f.GetString(name)
		switch name {
		case "llm-provider":
			cc.LLM.Provider = v
		case "llm-api-key":
			cc.LLM.APIKey = v
		case "llm-model":
			cc.LLM.Model = v
		case "llm-base-url":
			cc.LLM.BaseURL = v
		}
	}
	embedFlags := []string{"embed-provider", "embed-api-key", "embed-model", "embed-base-url", "embed-dimension"}
	for _, name := range embedFlags {
		if !f.Changed(name) {
			continue
		}
		if cc.Embedding == nil {
			cc.Embedding = &cli.EmbeddingCredentials{}
		}
		switch name {
		case "embed-provider":
			cc.Embedding.Provider, _ = f.GetString(name)
		case "embed-api-key":
			cc.Embedding.APIKey, _ = f.GetString(name)
		case "embed-model":
			cc.Embedding.Model, _ = f.GetString(name)
		case "embed-base-url":
			cc.Embedding.BaseURL, _ = f.GetString(name)
		case "embed-dimension":
			cc.Embedding.Dimension, _ = f.GetInt(name)
		}
	}
}

func contextFlags(cmd *cobra.Command) {
	cmd.Flags().String("organization", "", "organization ID for tenant scoping")
	cmd.Flags().String("space", "", "space ID for tenant scoping")
	cmd.Flags().String("hash-key", "", "optional tenant hash key")
	cmd.Flags().String("data-dir", "", "local data directory (default ~/.evermem/data)")
	cmd.Flags().Int("timeout", 0, "extraction timeout in seconds")
	cmd.Flags().String("llm-provider", "", "LLM provider: openai, dashscope, gemini")
	cmd.Flags().String("llm-api-key", "", "LLM API key")
	cmd.Flags().String("llm-model", "", "LLM model name")
	cmd.Flags().String("llm-base-url", "", "LLM base URL override")
	cmd.Flags().String("embed-provider", "", "embedding provider: openai, dashscope, gemini")
	cmd.Flags().String("embed-api-key", "", "embedding API key")
	cmd.Flags().String("embed-model", "", "embedding model name")
	cmd.Flags().String("embed-base-url", "", "embedding base URL override")
	cmd.Flags().Int("embed-dimension", 0, "embedding vector dimension")
}

// redactContext returns a copy safe for display: API keys masked.
func redactContext(cc *cli.Context) *cli.Context {
	out := *cc
	if cc.LLM != nil {
		llm := *cc.LLM
		llm.APIKey = cli.MaskAPIKey(llm.APIKey)
		out.LLM = &llm
	}
	if cc.Embedding != nil {
		emb := *cc.Embedding
		emb.APIKey = cli.MaskAPIKey(emb.APIKey)
		out.Embedding = &emb
	}
	return &out
}

func valueOrUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func init() {
	contextFlags(contextAddCmd)
	contextAddCmd.Flags().Bool("use", false, "make this the current context")
	contextFlags(contextSetCmd)

	contextCmd.AddCommand(contextAddCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextCurrentCmd)
	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextDeleteCmd)

	rootCmd.AddCommand(contextCmd)
}

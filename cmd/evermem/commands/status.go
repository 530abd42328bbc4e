package commands

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active context and local data",
	Long: `Show the active context, its providers and the local data
footprint. Reads only the filesystem, so it is safe to run while the
server holds the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		cc, err := cfg.ResolveContext(contextName)
		if err != nil {
			return err
		}
		svcCfg, err := contextConfig(cc)
		if err != nil {
			return err
		}

		dbSize := dirSize(filepath.Join(svcCfg.DataDir, "db"))
		snapSize := dirSize(filepath.Join(svcCfg.DataDir, "snapshots"))

		if structuredOutput() {
			return output(map[string]any{
				"context":        cc.Name,
				"organization":   cc.Organization,
				"space":          cc.Space,
				"config_path":    cfg.Path(),
				"data_dir":       svcCfg.DataDir,
				"db_bytes":       dbSize,
				"snapshot_bytes": snapSize,
				"llm_provider":   svcCfg.LLM.Provider,
				"embedding": map[string]any{
					"provider":  svcCfg.Embedding.Provider,
					"dimension": svcCfg.Embedding.Dimension,
				},
			})
		}

		fmt.Printf("Context:   %s (%s/%s)\n", cc.Name, valueOrUnset(cc.Organization), valueOrUnset(cc.Space))
		fmt.Printf("Config:    %s\n", cfg.Path())
		fmt.Printf("Data dir:  %s\n", svcCfg.DataDir)
		fmt.Printf("  database:  %s\n", cli.FormatBytes(dbSize))
		fmt.Printf("  snapshots: %s\n", cli.FormatBytes(snapSize))
		fmt.Printf("LLM:       %s %s", svcCfg.LLM.Provider, valueOrUnset(svcCfg.LLM.Model))
		if key := svcCfg.LLM.ResolveAPIKey(); key != "" {
			fmt.Printf(" (key %s)", cli.MaskAPIKey(key))
		} else {
			fmt.Printf(" (no key)")
		}
		fmt.Println()
		fmt.Printf("Embedding: %s %s dim=%d", svcCfg.Embedding.Provider,
			valueOrUnset(svcCfg.Embedding.Model), svcCfg.Embedding.Dimension)
		if key := svcCfg.Embedding.ResolveAPIKey(); key != "" {
			fmt.Printf(" (key %s)", cli.MaskAPIKey(key))
		} else {
			fmt.Printf(" (no key)")
		}
		fmt.Println()
		return nil
	},
}

// dirSize sums file sizes under dir. Missing directories count as zero.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

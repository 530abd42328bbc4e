package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
)

var metaCmd = &cobra.Command{
	Use:   "meta",
	Short: "Per-conversation settings",
	Long: `Manage per-conversation settings.

The scene steers extraction prompts (assistant, companion or group
chat), the timezone anchors episode boundary detection, and user
details name participants in rendered transcripts.

Examples:
  evermem meta set trip-chat --scene group --timezone Asia/Shanghai
  evermem meta set trip-chat --user u1=小明:user --user bot=小助手:assistant
  evermem meta get trip-chat`,
}

var metaSetCmd = &cobra.Command{
	Use:   "set <group>",
	Short: "Store settings for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta := &memstore.ConversationMeta{GroupID: args[0]}
		scene, _ := cmd.Flags().GetString("scene")
		meta.Scene = memstore.Scene(scene)
		meta.Timezone, _ = cmd.Flags().GetString("timezone")

		users, _ := cmd.Flags().GetStringArray("user")
		if len(users) > 0 {
			meta.UserDetails = make(map[string]memstore.UserDetail, len(users))
			for _, u := range users {
				id, detail, err := parseUserDetail(u)
				if err != nil {
					return err
				}
				meta.UserDetails[id] = detail
			}
		}

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		if err := env.svc.UpsertConversationMeta(cmd.Context(), t, meta); err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"group_id": meta.GroupID, "status": "updated"})
		}
		cli.PrintSuccess("Conversation %q updated", meta.GroupID)
		return nil
	},
}

var metaGetCmd = &cobra.Command{
	Use:   "get <group>",
	Short: "Show stored settings for a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		meta, err := env.svc.ConversationMeta(cmd.Context(), t, args[0])
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("no settings stored for conversation %q", args[0])
		}
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(meta)
		}
		fmt.Printf("Conversation: %s\n", meta.GroupID)
		fmt.Printf("  scene:    %s\n", valueOrUnset(string(meta.Scene)))
		fmt.Printf("  timezone: %s\n", valueOrUnset(meta.Timezone))
		if len(meta.UserDetails) > 0 {
			fmt.Printf("  users:\n")
			for id, d := range meta.UserDetails {
				fmt.Printf("    %s: %s (%s)\n", id, d.Name, d.Role)
			}
		}
		return nil
	},
}

// parseUserDetail parses one --user value: id=name or id=name:role.
func parseUserDetail(s string) (string, memstore.UserDetail, error) {
	id, rest, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return "", memstore.UserDetail{}, fmt.Errorf("invalid --user %q (want id=name or id=name:role)", s)
	}
	name, role, _ := strings.Cut(rest, ":")
	return id, memstore.UserDetail{Name: name, Role: memstore.Role(role)}, nil
}

func init() {
	metaSetCmd.Flags().String("scene", "", "conversation scene: assistant, companion, group")
	metaSetCmd.Flags().String("timezone", "", "IANA timezone (e.g. Asia/Shanghai)")
	metaSetCmd.Flags().StringArray("user", nil, "participant as id=name:role (repeatable)")

	metaCmd.AddCommand(metaSetCmd)
	metaCmd.AddCommand(metaGetCmd)
	rootCmd.AddCommand(metaCmd)
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
)

var pendingCmd = &cobra.Command{
	Use:   "pending <group>",
	Short: "List buffered, not-yet-extracted messages",
	Long: `List a conversation's buffered messages.

Messages sit in the buffer until an episode boundary closes them and
extraction turns them into memories. An empty list means everything
said so far has been extracted or the conversation is unknown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		msgs, err := env.svc.Pending(cmd.Context(), t, args[0])
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"group_id": args[0], "messages": msgs})
		}
		if len(msgs) == 0 {
			fmt.Println("No buffered messages.")
			return nil
		}
		fmt.Printf("%d buffered message(s) in %q:\n", len(msgs), args[0])
		for _, m := range msgs {
			ts := m.CreateTime.Time().Format("15:04:05")
			who := m.SenderName
			if who == "" {
				who = string(m.Role)
			}
			fmt.Printf("  %s  %-12s %s\n", ts, who, cli.TruncateString(m.Content, 64))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

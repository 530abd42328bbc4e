package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/memory"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Soft-delete records by scope",
	Long: `Soft-delete memories and everything extracted from them.

Deleting a memory cell cascades to its event logs and foresights under
one deletion ID. At least one of --user, --group or --event must narrow
the scope; a delete that would select the whole tenant is rejected.

Deleted records drop out of fetch and search immediately. The data is
retained tombstoned for audit.

Examples:
  evermem delete -g trip-chat --yes
  evermem delete --event 4f2a... --by admin
  evermem delete --user u1 --from 2026-01-01 --to 2026-02-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &memory.DeleteRequest{}
		req.UserID = scopeFlag(cmd, "user")
		req.GroupID = scopeFlag(cmd, "group")
		req.EventID, _ = cmd.Flags().GetString("event")
		req.By, _ = cmd.Flags().GetString("by")

		var err error
		if req.From, err = timeFlag(cmd, "from"); err != nil {
			return err
		}
		if req.To, err = timeFlag(cmd, "to"); err != nil {
			return err
		}

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm(describeDeleteScope(req)) {
			fmt.Println("Aborted.")
			return nil
		}

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		res, err := env.svc.Delete(cmd.Context(), t, req)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(res)
		}
		if res.Deleted == 0 {
			fmt.Println("No records matched.")
			return nil
		}
		cli.PrintSuccess("Deleted %d memory cell(s) and their derived records (deletion %d)",
			res.Deleted, res.DeletionID)
		return nil
	},
}

func describeDeleteScope(req *memory.DeleteRequest) string {
	var parts []string
	if req.EventID != "" {
		parts = append(parts, "event "+req.EventID)
	}
	if req.UserID != nil {
		parts = append(parts, "user "+*req.UserID)
	}
	if req.GroupID != nil {
		parts = append(parts, "group "+*req.GroupID)
	}
	if len(parts) == 0 {
		parts = append(parts, "the whole tenant")
	}
	return fmt.Sprintf("Delete memories matching %s?", strings.Join(parts, ", "))
}

// confirm asks on the terminal and accepts y or yes.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func init() {
	deleteCmd.Flags().StringP("group", "g", "", "conversation (group) scope")
	deleteCmd.Flags().String("user", "", "user scope")
	deleteCmd.Flags().String("event", "", "restrict to one episode and its children")
	deleteCmd.Flags().String("from", "", "earliest record time (RFC 3339 or YYYY-MM-DD)")
	deleteCmd.Flags().String("to", "", "latest record time (RFC 3339 or YYYY-MM-DD)")
	deleteCmd.Flags().String("by", "", "who requested the deletion (recorded on the tombstone)")
	deleteCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	rootCmd.AddCommand(deleteCmd)
}

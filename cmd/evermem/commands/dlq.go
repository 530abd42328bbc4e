package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Failed extractions",
	Long: `Inspect and requeue terminally failed extractions.

When an episode exhausts its extraction retries it is parked here with
its source messages intact. Requeue re-submits it under the original
event ID, so a later success commits the same memory cell.

Examples:
  evermem dlq list
  evermem dlq requeue trip-chat 1718012345678901234`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed episodes, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		letters, err := env.svc.DeadLetters(cmd.Context(), t)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(letters)
		}
		if len(letters) == 0 {
			fmt.Println("Dead letter queue is empty.")
			return nil
		}
		fmt.Printf("%d failed episode(s):\n", len(letters))
		for _, dl := range letters {
			ts := time.Unix(0, dl.FailedAt)
			fmt.Printf("  %s (%s)  %s (%d messages)\n", ts.Format(time.RFC3339),
				cli.FormatAgo(ts), dl.ConversationID, len(dl.Messages))
			fmt.Printf("    event:  %s\n", dl.EventID)
			fmt.Printf("    reason: %s\n", cli.TruncateString(dl.Reason, 76))
			fmt.Printf("    requeue: evermem dlq requeue %s %d\n", dl.ConversationID, dl.FailedAt)
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <conversation> <failed-at>",
	Short: "Re-submit one failed episode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		failedAt, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid failed-at timestamp %q: %w", args[1], err)
		}

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		eventID, err := env.svc.RequeueDeadLetter(cmd.Context(), t, args[0], failedAt)
		if err != nil {
			return err
		}
		if structuredOutput() {
			return output(map[string]any{"event_id": eventID, "status": "queued"})
		}
		cli.PrintSuccess("Episode requeued (event %s)", eventID)
		return nil
	},
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/evermem/evermem/pkg/cli"
	"github.com/evermem/evermem/pkg/jsontime"
	"github.com/evermem/evermem/pkg/memory"
	"github.com/evermem/evermem/pkg/memstore"
)

// ingestFile is the request-file shape for batch ingestion.
type ingestFile struct {
	GroupID  string              `yaml:"group_id" json:"group_id"`
	Sync     bool                `yaml:"sync" json:"sync"`
	Messages []ingestFileMessage `yaml:"messages" json:"messages"`
}

type ingestFileMessage struct {
	SenderID   string `yaml:"sender_id" json:"sender_id"`
	SenderName string `yaml:"sender_name" json:"sender_name"`
	Role       string `yaml:"role" json:"role"`
	Content    string `yaml:"content" json:"content"`

	// CreateTime is Unix seconds. Zero means now.
	CreateTime int64 `yaml:"create_time" json:"create_time"`
}

func (m ingestFileMessage) toMessage() memstore.Message {
	msg := memstore.Message{
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Role:       memstore.Role(m.Role),
		Content:    m.Content,
	}
	if msg.Role == "" {
		msg.Role = memstore.RoleUser
	}
	if m.CreateTime != 0 {
		msg.CreateTime = jsontime.Unix(time.Unix(m.CreateTime, 0))
	}
	return msg
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [text]",
	Short: "Append conversation messages",
	Long: `Append one message, or a file of messages, to a conversation.

Messages buffer per conversation until an episode boundary closes them;
the closed episode is then queued for extraction. With --sync the
command blocks until extraction finishes, so the results are queryable
immediately after.

The request file holds a group ID and a message list:

  group_id: trip-chat
  sync: true
  messages:
    - sender_id: u1
      sender_name: 小明
      role: user
      content: 周末想去成都玩
    - role: assistant
      content: 成都好呀，宽窄巷子和大熊猫基地都值得去

Examples:
  evermem ingest -g trip-chat --user u1 --name 小明 "周末想去成都玩"
  evermem ingest -f conversation.yaml
  evermem ingest -f - < conversation.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		if file == "" && len(args) == 0 {
			return fmt.Errorf("provide message text or --file")
		}
		if file != "" && len(args) > 0 {
			return fmt.Errorf("message text and --file are mutually exclusive")
		}

		env, t, err := openService()
		if err != nil {
			return err
		}
		defer env.close()

		group, _ := cmd.Flags().GetString("group")
		sync, _ := cmd.Flags().GetBool("sync")

		var req ingestFile
		if file != "" {
			if err := cli.LoadRequest(file, &req); err != nil {
				return err
			}
			if group != "" {
				req.GroupID = group
			}
			if sync {
				req.Sync = true
			}
		} else {
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			req = ingestFile{
				GroupID: group,
				Sync:    sync,
				Messages: []ingestFileMessage{{
					SenderID:   user,
					SenderName: name,
					Role:       role,
					Content:    args[0],
				}},
			}
		}
		if req.GroupID == "" {
			return fmt.Errorf("group ID is required (--group or group_id in the file)")
		}
		if len(req.Messages) == 0 {
			return fmt.Errorf("no messages to ingest")
		}

		results := make([]*memory.IngestResult, 0, len(req.Messages))
		for i, m := range req.Messages {
			res, err := env.svc.Ingest(cmd.Context(), t, &memory.IngestRequest{
				GroupID:  req.GroupID,
				Message:  m.toMessage(),
				SyncMode: req.Sync,
			})
			if err != nil {
				return fmt.Errorf("message %d/%d: %w", i+1, len(req.Messages), err)
			}
			results = append(results, res)
			printVerbose("message %d/%d: %s (buffered %d)", i+1, len(req.Messages), res.Status, res.Buffered)
		}

		last := results[len(results)-1]
		if structuredOutput() {
			if len(results) == 1 {
				return output(last)
			}
			return output(map[string]any{
				"group_id": req.GroupID,
				"ingested": len(results),
				"last":     last,
			})
		}

		cli.PrintSuccess("Ingested %d message(s) into %q", len(results), req.GroupID)
		switch last.Status {
		case memory.StatusExtracted:
			fmt.Printf("  episode extracted (event %s)\n", last.RequestID)
		case memory.StatusProcessing:
			fmt.Printf("  episode queued for extraction (event %s, reason %s)\n", last.RequestID, last.Reason)
			if last.Queued {
				fmt.Printf("  queue depth %d, extraction may lag\n", last.Depth)
			}
		default:
			fmt.Printf("  %d message(s) buffered, no episode boundary yet\n", last.Buffered)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringP("group", "g", "", "conversation (group) ID")
	ingestCmd.Flags().StringP("file", "f", "", "request file (YAML or JSON, - for stdin)")
	ingestCmd.Flags().String("user", "", "sender ID")
	ingestCmd.Flags().String("name", "", "sender display name")
	ingestCmd.Flags().String("role", "user", "message role: user or assistant")
	ingestCmd.Flags().Bool("sync", false, "wait for extraction when the message closes an episode")

	rootCmd.AddCommand(ingestCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newControllerCommand groups the operations a human controller runs against
// the store. They work whether or not the daemon is up.
func newControllerCommand(ws func() (string, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Inspect and steer agent conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(
		newControllerStatusCommand(ws),
		newDeliverCommand(ws),
		newSendCommand(ws),
		newBroadcastCommand(ws),
		newDeleteCommand(ws),
		newClearCommand(ws),
		newCleanupCommand(ws),
		newGroupCommand(ws),
	)
	return cmd
}

// withWorkspace runs fn against an opened workspace and closes it afterwards.
func withWorkspace(cmd *cobra.Command, ws func() (string, error), fn func(w *workspace) error) error {
	w, err := openWorkspace(ws, cmd.ErrOrStderr(), "controller")
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(w)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newControllerStatusCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print conversations, pending messages and waiting sessions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				snap, err := w.engine.GetControllerData()
				if err != nil {
					return fmt.Errorf("snapshot: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
}

func newDeliverCommand(ws func() (string, error)) *cobra.Command {
	var (
		conversationID string
		recipients     []string
		messageID      string
	)

	cmd := &cobra.Command{
		Use:     "deliver <text>...",
		Short:   "Deliver text to the waiting sessions of conversation participants",
		Args:    cobra.MinimumNArgs(1),
		Example: `agentflow controller deliver --conversation conv_1700000000_ab12cd34 --to frontend "looks good"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				ok, err := w.engine.DeliverToParticipants(conversationID, recipients, strings.Join(args, " "), messageID)
				if err != nil {
					return fmt.Errorf("deliver: %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "No waiting session matched")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %s\n", strings.Join(recipients, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringArrayVar(&recipients, "to", nil, "recipient agent id (repeatable)")
	cmd.Flags().StringVar(&messageID, "message-id", "", "queued message to mark delivered")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newSendCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "send <session_id> <text>...",
		Short: "Reply to one waiting session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				ok, err := w.engine.DeliverToSession(args[0], strings.Join(args[1:], " "))
				if err != nil {
					return fmt.Errorf("send: %w", err)
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Session %s is not waiting\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %s\n", args[0])
				return nil
			})
		},
	}
}

func newBroadcastCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <text>...",
		Short: "Deliver text to every waiting session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				n, err := w.engine.Broadcast(strings.Join(args, " "))
				if err != nil {
					return fmt.Errorf("broadcast: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %d session(s)\n", n)
				return nil
			})
		},
	}
}

func newDeleteCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <message_id>...",
		Aliases: []string{"rm"},
		Short:   "Delete queued messages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				n, err := w.engine.DeleteMessages(args)
				if err != nil {
					return fmt.Errorf("delete: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d message(s)\n", n)
				return nil
			})
		},
	}
}

func newClearCommand(ws func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all conversations, messages and sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				if err := w.engine.ClearAll(); err != nil {
					return fmt.Errorf("clear: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared")
				return nil
			})
		},
	}
}

func newCleanupCommand(ws func() (string, error)) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune sessions, delivered messages and idle conversations older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				age := maxAge
				if age <= 0 {
					age = time.Duration(w.cfg.Flow.MaxAgeHours) * time.Hour
				}
				res, err := w.engine.CleanupOldData(age)
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d session(s), %d message(s), %d conversation(s)\n",
					res.Sessions, res.Messages, res.Conversations)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "age threshold (default: flow.max_age_hours)")
	return cmd
}

func newGroupCommand(ws func() (string, error)) *cobra.Command {
	var (
		participants []string
		from         string
	)

	cmd := &cobra.Command{
		Use:     "group <text>...",
		Short:   "Start a group conversation seeded with an opening message",
		Args:    cobra.MinimumNArgs(1),
		Example: `agentflow controller group --participant backend --participant frontend "agree on the API"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, ws, func(w *workspace) error {
				res, err := w.engine.StartGroupConversation(from, participants, strings.Join(args, " "))
				if err != nil {
					return fmt.Errorf("group: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started %s (message %s)\n", res.ConversationID, res.MessageID)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&participants, "participant", nil, "agent id (repeatable)")
	cmd.Flags().StringVar(&from, "from", "", "sender recorded on the opening message (default: controller)")
	_ = cmd.MarkFlagRequired("participant")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/agentflow/internal/mcpserver"
)

type mcpOptions struct {
	agentID        string
	tool           string
	participants   []string
	conversationID string
	timeout        time.Duration
}

func newMCPCommand(ws func() (string, error)) *cobra.Command {
	var opts mcpOptions

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent_chat and group_chat tools over stdio for one agent",
		Args:  cobra.NoArgs,
		Example: `agentflow mcp --agent-id backend --participant frontend
agentflow mcp --agent-id reviewer --tool review_chat --conversation conv_1700000000_ab12cd34`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the MCP transport, so everything else goes to stderr.
			w, err := openWorkspace(ws, cmd.ErrOrStderr(), "mcp")
			if err != nil {
				return err
			}
			defer w.Close()

			srv, err := mcpserver.New(w.engine, mcpserver.Options{
				AgentID:        opts.agentID,
				Tool:           opts.tool,
				Participants:   opts.participants,
				ConversationID: opts.conversationID,
				Timeout:        opts.timeout,
				Version:        version,
				Logger:         w.logger,
			})
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.agentID, "agent-id", "", "agent id this server speaks for")
	cmd.Flags().StringVar(&opts.tool, "tool", mcpserver.ToolAgentChat, "tool name recorded on waiting sessions")
	cmd.Flags().StringArrayVar(&opts.participants, "participant", nil, "default participant (repeatable)")
	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "default conversation id")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "bound on one agent_chat wait (0 waits for a reply)")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

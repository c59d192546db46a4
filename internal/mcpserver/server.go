// Package mcpserver exposes the flow engine to coding agents as MCP tools
// over stdio. One server process speaks for one agent id.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/msageha/agentflow/internal/flow"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
)

const (
	ToolAgentChat = "agent_chat"
	ToolGroupChat = "group_chat"
)

// Options binds the server to an agent. Participants and ConversationID are
// defaults that individual tool calls may override.
type Options struct {
	AgentID        string
	Tool           string
	Participants   []string
	ConversationID string
	// Timeout bounds one agent_chat wait; zero waits until a reply arrives.
	Timeout time.Duration
	Version string
	Logger  *logging.Logger
}

type Server struct {
	engine *flow.Engine
	opts   Options
	logger *logging.Logger
	mcp    *mcp.Server
}

type ChatInput struct {
	Message        string   `json:"message" jsonschema:"message for the other participants of the conversation"`
	Participants   []string `json:"participants,omitempty" jsonschema:"agent ids to talk with; defaults to the server's configured participants"`
	ConversationID string   `json:"conversation_id,omitempty" jsonschema:"conversation to continue; resolved from the participants when empty"`
}

type ChatOutput struct {
	ConversationID string   `json:"conversation_id"`
	SessionID      string   `json:"session_id"`
	Participants   []string `json:"participants"`
	Reply          string   `json:"reply"`
}

type GroupInput struct {
	Participants   []string `json:"participants" jsonschema:"agent ids to include in the group"`
	InitialMessage string   `json:"initial_message" jsonschema:"opening message queued for the group"`
}

type GroupOutput struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func New(engine *flow.Engine, opts Options) (*Server, error) {
	if opts.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.Tool == "" {
		opts.Tool = ToolAgentChat
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger.With("mcp"),
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "agentflow-" + opts.AgentID,
			Version: opts.Version,
		}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: ToolAgentChat,
		Description: "Send a message to the other agents of a conversation and wait until the " +
			"controller delivers a reply. Blocks until a reply arrives.",
	}, s.handleChat)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolGroupChat,
		Description: "Create or reuse the conversation among participants and queue an opening message.",
	}, s.handleGroup)

	return s, nil
}

// MCP returns the underlying SDK server, e.g. to connect a custom transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Run serves tools over stdin/stdout until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Infof("serving agent=%s tools=%s,%s over stdio", s.opts.AgentID, ToolAgentChat, ToolGroupChat)
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) handleChat(ctx context.Context, _ *mcp.CallToolRequest, in ChatInput) (*mcp.CallToolResult, ChatOutput, error) {
	participants := in.Participants
	if len(participants) == 0 {
		participants = s.opts.Participants
	}
	convID := in.ConversationID
	if convID == "" {
		convID = s.opts.ConversationID
	}

	message := in.Message
	reply, err := s.engine.Converse(ctx, flow.RegisterRequest{
		Tool:           s.opts.Tool,
		AgentID:        s.opts.AgentID,
		Message:        &message,
		Participants:   participants,
		ConversationID: convID,
	}, s.opts.Timeout)
	if err != nil {
		s.logger.Warnf("agent_chat agent=%s: %v", s.opts.AgentID, err)
		return nil, ChatOutput{}, fmt.Errorf("agent_chat: %w", err)
	}

	out := ChatOutput{
		ConversationID: reply.ConversationID,
		SessionID:      reply.SessionID,
		Participants:   reply.Participants,
		Reply:          reply.Text,
	}
	return textResult(reply.Text), out, nil
}

func (s *Server) handleGroup(_ context.Context, _ *mcp.CallToolRequest, in GroupInput) (*mcp.CallToolResult, GroupOutput, error) {
	start, err := s.engine.StartGroupConversation(s.opts.AgentID, in.Participants, in.InitialMessage)
	if err != nil {
		return nil, GroupOutput{}, fmt.Errorf("group_chat: %w", err)
	}

	members := model.NormalizeParticipants(append([]string{s.opts.AgentID}, in.Participants...))
	text := fmt.Sprintf("Group conversation %s initialized with agents: %s",
		start.ConversationID, strings.Join(members, ", "))
	return textResult(text), GroupOutput{ConversationID: start.ConversationID, MessageID: start.MessageID}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

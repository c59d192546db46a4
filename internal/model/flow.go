package model

import "time"

// Collection names a persisted record in the store.
type Collection string

const (
	CollectionWaitingSessions  Collection = "waiting_sessions"
	CollectionMessageQueue     Collection = "message_queue"
	CollectionConversationFlow Collection = "conversation_flow"
)

// AllCollections is the fixed set of collections owned by the store.
var AllCollections = []Collection{
	CollectionWaitingSessions,
	CollectionMessageQueue,
	CollectionConversationFlow,
}

// ControllerAgentID is the pseudo-participant used when the controller seeds a conversation.
const ControllerAgentID = "controller"

type Conversation struct {
	ConversationID string   `yaml:"conversation_id" json:"conversation_id"`
	Participants   []string `yaml:"participants" json:"participants"`
	CreatedAt      string   `yaml:"created_at" json:"created_at"`
	LastUpdate     string   `yaml:"last_update" json:"last_update"`
}

type ConversationFlow struct {
	SchemaVersion       int            `yaml:"schema_version"`
	FileType            string         `yaml:"file_type"`
	ActiveConversations []Conversation `yaml:"active_conversations"`
}

type WaitingSession struct {
	AgentTool        string        `yaml:"agent_tool" json:"agent_tool"`
	AgentID          string        `yaml:"agent_id" json:"agent_id"`
	ConversationID   string        `yaml:"conversation_id" json:"conversation_id"`
	Participants     []string      `yaml:"participants" json:"participants"`
	Message          *string       `yaml:"message" json:"message"`
	Timestamp        string        `yaml:"timestamp" json:"timestamp"`
	Status           SessionStatus `yaml:"status" json:"status"`
	DeliveredMessage *string       `yaml:"delivered_message,omitempty" json:"delivered_message,omitempty"`
	DeliveredAt      *string       `yaml:"delivered_at,omitempty" json:"delivered_at,omitempty"`
}

type WaitingSessions struct {
	SchemaVersion int                       `yaml:"schema_version"`
	FileType      string                    `yaml:"file_type"`
	Sessions      map[string]WaitingSession `yaml:"sessions"`
}

type QueuedMessage struct {
	ID             string          `yaml:"id" json:"id"`
	ConversationID string          `yaml:"conversation_id" json:"conversation_id"`
	FromAgent      string          `yaml:"from_agent" json:"from_agent"`
	Message        string          `yaml:"message" json:"message"`
	Targets        []string        `yaml:"targets" json:"targets"`
	Delivered      map[string]bool `yaml:"delivered" json:"delivered"`
	DeliveredAll   bool            `yaml:"delivered_all" json:"delivered_all"`
	Timestamp      string          `yaml:"timestamp" json:"timestamp"`
	DeliveredAt    *string         `yaml:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	WaitingID      string          `yaml:"waiting_id,omitempty" json:"waiting_id,omitempty"`
	Source         MessageSource   `yaml:"source,omitempty" json:"source,omitempty"`
	ContinueChat   *bool           `yaml:"continue_chat,omitempty" json:"continue_chat,omitempty"`
}

// RecomputeDeliveredAll derives DeliveredAll from the per-target flags and
// stamps DeliveredAt the first time every target is covered.
func (m *QueuedMessage) RecomputeDeliveredAll(now time.Time) {
	all := true
	for _, ok := range m.Delivered {
		if !ok {
			all = false
			break
		}
	}
	m.DeliveredAll = all
	if all && m.DeliveredAt == nil {
		ts := FormatTime(now)
		m.DeliveredAt = &ts
	}
}

// PendingTargets lists targets that have not yet received the message, in target order.
func (m *QueuedMessage) PendingTargets() []string {
	var out []string
	for _, t := range m.Targets {
		if !m.Delivered[t] {
			out = append(out, t)
		}
	}
	return out
}

type MessageQueue struct {
	SchemaVersion   int             `yaml:"schema_version"`
	FileType        string          `yaml:"file_type"`
	PendingMessages []QueuedMessage `yaml:"pending_messages"`
}

// FormatTime renders timestamps the way every persisted record stores them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime accepts RFC3339 with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

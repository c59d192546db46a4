// Package flow is the coordination surface agents and the controller call:
// it composes the conversation, session and queue registries over one store.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/agentflow/internal/conversation"
	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/queue"
	"github.com/msageha/agentflow/internal/session"
	"github.com/msageha/agentflow/internal/store"
)

// ErrInvalidInput marks caller errors rejected before storage is touched.
var ErrInvalidInput = errors.New("invalid input")

// Re-exported so callers of BlockUntilDelivered need not import session.
var (
	ErrTimeout     = session.ErrTimeout
	ErrSessionGone = session.ErrSessionGone
)

type RegisterRequest struct {
	Tool           string
	AgentID        string
	Message        *string
	Participants   []string
	ConversationID string
	SkipQueue      bool
	Source         model.MessageSource
	ContinueChat   *bool
}

// Registration identifies what RegisterWaitingAgent created. MessageID is
// empty when nothing was queued.
type Registration struct {
	SessionID      string   `json:"session_id"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id,omitempty"`
	Participants   []string `json:"participants"`
}

// Reply is the outcome of one Converse turn.
type Reply struct {
	Registration
	Text string `json:"text"`
}

// Snapshot is the read-only controller view. Values returned by
// GetControllerData may be shared between concurrent callers and must not be mutated.
type Snapshot struct {
	Conversations   []model.Conversation            `json:"conversations"`
	PendingMessages []model.QueuedMessage           `json:"pending_messages"`
	WaitingSessions map[string]model.WaitingSession `json:"waiting_sessions"`
	Timestamp       string                          `json:"timestamp"`
}

type CleanupResult struct {
	Sessions      int `json:"sessions"`
	Messages      int `json:"messages"`
	Conversations int `json:"conversations"`
}

type GroupStart struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type Engine struct {
	store    *store.Store
	sessions *session.Registry
	convs    *conversation.Registry
	queue    *queue.Queue

	bus             *events.Bus
	metrics         *Metrics
	logger          *logging.Logger
	now             func() time.Time
	maxMessageBytes int

	snapshots singleflight.Group
}

type Option func(*config)

type config struct {
	bus             *events.Bus
	metrics         *Metrics
	logger          *logging.Logger
	now             func() time.Time
	pollInterval    time.Duration
	watchFiles      bool
	maxMessageBytes int
}

func WithBus(b *events.Bus) Option            { return func(c *config) { c.bus = b } }
func WithMetrics(m *Metrics) Option           { return func(c *config) { c.metrics = m } }
func WithLogger(l *logging.Logger) Option     { return func(c *config) { c.logger = l } }
func WithClock(now func() time.Time) Option   { return func(c *config) { c.now = now } }
func WithPollInterval(d time.Duration) Option { return func(c *config) { c.pollInterval = d } }
func WithFileWatch(enabled bool) Option       { return func(c *config) { c.watchFiles = enabled } }

// WithMaxMessageBytes rejects longer message bodies with ErrInvalidInput; 0 disables the check.
func WithMaxMessageBytes(n int) Option { return func(c *config) { c.maxMessageBytes = n } }

func New(s *store.Store, opts ...Option) *Engine {
	cfg := config{
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		store: s,
		sessions: session.NewRegistry(s,
			session.WithClock(cfg.now),
			session.WithPollInterval(cfg.pollInterval),
			session.WithFileWatch(cfg.watchFiles),
			session.WithBus(cfg.bus),
			session.WithLogger(cfg.logger),
		),
		convs:           conversation.NewRegistry(s, conversation.WithClock(cfg.now)),
		queue:           queue.New(s, queue.WithClock(cfg.now)),
		bus:             cfg.bus,
		metrics:         cfg.metrics,
		logger:          cfg.logger,
		now:             cfg.now,
		maxMessageBytes: cfg.maxMessageBytes,
	}
}

func (e *Engine) Sessions() *session.Registry           { return e.sessions }
func (e *Engine) Conversations() *conversation.Registry { return e.convs }
func (e *Engine) Queue() *queue.Queue                   { return e.queue }

// RegisterWaitingAgent records one agent turn: it resolves the conversation,
// registers a waiting session and, unless SkipQueue is set, queues the
// agent's message for the other participants. It never blocks.
func (e *Engine) RegisterWaitingAgent(req RegisterRequest) (Registration, error) {
	if req.AgentID == "" {
		return Registration{}, fmt.Errorf("agent id is required: %w", ErrInvalidInput)
	}
	if req.Tool == "" {
		return Registration{}, fmt.Errorf("agent tool is required: %w", ErrInvalidInput)
	}
	if req.Message != nil {
		if err := e.checkMessage(*req.Message); err != nil {
			return Registration{}, err
		}
	}

	participants := model.NormalizeParticipants(append([]string{req.AgentID}, req.Participants...))
	hasMessage := req.Message != nil && *req.Message != ""

	var reg Registration
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.now()

		convID := req.ConversationID
		if convID == "" {
			convID, _ = conversation.Find(tx, participants)
		}
		convID, err := conversation.Upsert(tx, convID, participants, now)
		if err != nil {
			return err
		}
		// the conversation may already know more participants than this request names
		for _, c := range tx.Conversations().ActiveConversations {
			if c.ConversationID == convID {
				participants = append([]string(nil), c.Participants...)
				break
			}
		}

		sessID, err := session.Register(tx, req.Tool, req.AgentID, req.Message, convID, participants, now)
		if err != nil {
			return err
		}

		var msgID string
		if hasMessage && !req.SkipQueue {
			msgID, err = queue.Enqueue(tx, convID, req.AgentID, *req.Message, participants, queue.Meta{
				WaitingID:    sessID,
				Source:       req.Source,
				ContinueChat: req.ContinueChat,
			}, now)
			if err != nil {
				return err
			}
		}

		reg = Registration{
			SessionID:      sessID,
			ConversationID: convID,
			MessageID:      msgID,
			Participants:   participants,
		}
		return nil
	})
	if err != nil {
		return Registration{}, err
	}

	e.publish(events.EventConversationSaved, map[string]interface{}{
		events.KeyConversationID: reg.ConversationID,
		"participants":           reg.Participants,
	})
	e.publish(events.EventSessionRegistered, map[string]interface{}{
		events.KeySessionID:      reg.SessionID,
		events.KeyConversationID: reg.ConversationID,
		events.KeyAgentID:        req.AgentID,
		"tool":                   req.Tool,
	})
	e.metrics.recordRegistered()
	if reg.MessageID != "" {
		e.publish(events.EventMessageQueued, map[string]interface{}{
			events.KeyMessageID:      reg.MessageID,
			events.KeySessionID:      reg.SessionID,
			events.KeyConversationID: reg.ConversationID,
			events.KeyAgentID:        req.AgentID,
		})
		e.metrics.recordQueued(string(req.Source))
	}
	e.logger.Debugf("registered session=%s agent=%s conversation=%s message=%s",
		reg.SessionID, req.AgentID, reg.ConversationID, reg.MessageID)
	return reg, nil
}

// DeliverToParticipants hands text to every session in conversationID that
// belongs to one of recipientIDs and is still waiting, then marks messageID
// delivered for the recipients that were reached. It reports whether any
// session was flipped; false means none of the recipients were waiting.
func (e *Engine) DeliverToParticipants(conversationID string, recipientIDs []string, text, messageID string) (bool, error) {
	if conversationID == "" {
		return false, fmt.Errorf("conversation id is required: %w", ErrInvalidInput)
	}
	if err := e.checkMessage(text); err != nil {
		return false, err
	}

	wanted := make(map[string]bool, len(recipientIDs))
	for _, r := range recipientIDs {
		wanted[r] = true
	}

	var flipped, reached []string
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.now()
		for _, id := range session.Waiting(tx) {
			sess := tx.Sessions().Sessions[id]
			if sess.ConversationID != conversationID || !wanted[sess.AgentID] {
				continue
			}
			if session.MarkDelivered(tx, id, text, now) {
				flipped = append(flipped, id)
				reached = append(reached, sess.AgentID)
			}
		}
		// recipients that were not waiting stay undelivered
		if messageID != "" && len(reached) > 0 {
			queue.MarkDelivered(tx, messageID, model.NormalizeParticipants(reached), now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, id := range flipped {
		e.publish(events.EventSessionDelivered, map[string]interface{}{
			events.KeySessionID:      id,
			events.KeyConversationID: conversationID,
		})
	}
	if messageID != "" && len(reached) > 0 {
		e.publish(events.EventMessageDelivered, map[string]interface{}{
			events.KeyMessageID:      messageID,
			events.KeyConversationID: conversationID,
			events.KeyRecipients:     reached,
		})
	}
	e.metrics.recordDeliveries("participants", len(flipped))
	e.logger.Infof("deliver conversation=%s message=%s recipients=%v sessions=%d",
		conversationID, messageID, recipientIDs, len(flipped))
	return len(flipped) > 0, nil
}

// DeliverToSession hands text to one waiting session. Unknown or already
// delivered sessions report false.
func (e *Engine) DeliverToSession(sessionID, text string) (bool, error) {
	if sessionID == "" {
		return false, fmt.Errorf("session id is required: %w", ErrInvalidInput)
	}
	if err := e.checkMessage(text); err != nil {
		return false, err
	}

	ok, err := e.sessions.MarkDelivered(sessionID, text)
	if err != nil || !ok {
		return false, err
	}
	e.publish(events.EventSessionDelivered, map[string]interface{}{
		events.KeySessionID: sessionID,
	})
	e.metrics.recordDeliveries("session", 1)
	return true, nil
}

// Broadcast hands text to every session still waiting and returns how many
// received it.
func (e *Engine) Broadcast(text string) (int, error) {
	if err := e.checkMessage(text); err != nil {
		return 0, err
	}

	var flipped []string
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.now()
		for _, id := range session.Waiting(tx) {
			if session.MarkDelivered(tx, id, text, now) {
				flipped = append(flipped, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range flipped {
		e.publish(events.EventSessionDelivered, map[string]interface{}{
			events.KeySessionID: id,
		})
	}
	e.metrics.recordDeliveries("broadcast", len(flipped))
	e.logger.Infof("broadcast sessions=%d", len(flipped))
	return len(flipped), nil
}

// DeleteMessages removes queued messages and reports how many existed.
func (e *Engine) DeleteMessages(ids []string) (int, error) {
	n, err := e.queue.Delete(ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.publish(events.EventMessagesDeleted, map[string]interface{}{
			events.KeyCount: n,
			"ids":           ids,
		})
	}
	e.metrics.recordDeleted(n)
	return n, nil
}

// GetControllerData reads all three collections in one locked section.
// Concurrent callers share a single read.
func (e *Engine) GetControllerData() (Snapshot, error) {
	v, err, _ := e.snapshots.Do("snapshot", func() (interface{}, error) {
		var snap Snapshot
		err := e.store.View(func(tx *store.Tx) error {
			snap = Snapshot{
				Conversations:   conversation.List(tx),
				PendingMessages: tx.Queue().PendingMessages,
				WaitingSessions: tx.Sessions().Sessions,
				Timestamp:       model.FormatTime(e.now()),
			}
			return nil
		})
		if err != nil {
			return Snapshot{}, err
		}
		e.metrics.recordSnapshot(snap)
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// CleanupOldData drops sessions older than maxAge whatever their status,
// fully delivered messages older than maxAge, and conversations idle for longer.
func (e *Engine) CleanupOldData(maxAge time.Duration) (CleanupResult, error) {
	return e.cleanup(maxAge, false)
}

// CleanupStale is the unattended form of CleanupOldData: sessions still
// waiting, and the conversations they wait in, are kept whatever their age.
func (e *Engine) CleanupStale(maxAge time.Duration) (CleanupResult, error) {
	return e.cleanup(maxAge, true)
}

func (e *Engine) cleanup(maxAge time.Duration, keepWaiting bool) (CleanupResult, error) {
	if maxAge <= 0 {
		return CleanupResult{}, fmt.Errorf("max age must be positive, got %s: %w", maxAge, ErrInvalidInput)
	}

	var res CleanupResult
	err := e.store.Update(func(tx *store.Tx) error {
		cutoff := e.now().Add(-maxAge)
		if !keepWaiting {
			res.Sessions = session.Prune(tx, cutoff)
			res.Messages = queue.Prune(tx, cutoff)
			res.Conversations = conversation.PruneIdle(tx, cutoff)
			return nil
		}
		busy := make(map[string]bool)
		for _, id := range session.Waiting(tx) {
			busy[tx.Sessions().Sessions[id].ConversationID] = true
		}
		res.Sessions = session.PruneFinished(tx, cutoff)
		res.Messages = queue.Prune(tx, cutoff)
		res.Conversations = conversation.PruneIdleExcept(tx, cutoff, busy)
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}

	e.publish(events.EventCleanup, map[string]interface{}{
		"sessions":      res.Sessions,
		"messages":      res.Messages,
		"conversations": res.Conversations,
	})
	e.metrics.recordCleanup(res)
	if res != (CleanupResult{}) {
		e.logger.Infof("cleanup max_age=%s keep_waiting=%t sessions=%d messages=%d conversations=%d",
			maxAge, keepWaiting, res.Sessions, res.Messages, res.Conversations)
	}
	return res, nil
}

// ClearAll empties every collection. Sessions blocked in a wait observe
// ErrSessionGone.
func (e *Engine) ClearAll() error {
	if err := e.store.Reset(); err != nil {
		return err
	}
	e.publish(events.EventStoreCleared, nil)
	e.metrics.recordClear()
	e.logger.Warnf("all collections cleared")
	return nil
}

// BlockUntilDelivered waits for sessionID to be delivered. A zero timeout waits forever.
func (e *Engine) BlockUntilDelivered(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	start := time.Now()
	text, err := e.sessions.WaitForDelivery(ctx, sessionID, timeout)
	e.metrics.recordWait(waitOutcome(err), time.Since(start))
	return text, err
}

// RemoveSession drops a session record, cancelling the agent's wait.
func (e *Engine) RemoveSession(sessionID string) (bool, error) {
	ok, err := e.sessions.Remove(sessionID)
	if err != nil || !ok {
		return false, err
	}
	e.publish(events.EventSessionRemoved, map[string]interface{}{
		events.KeySessionID: sessionID,
	})
	return true, nil
}

// Converse runs one agent turn end to end: register, wait for the reply,
// then drop the session whatever the outcome.
func (e *Engine) Converse(ctx context.Context, req RegisterRequest, timeout time.Duration) (Reply, error) {
	reg, err := e.RegisterWaitingAgent(req)
	if err != nil {
		return Reply{}, err
	}
	defer func() {
		if _, err := e.RemoveSession(reg.SessionID); err != nil {
			e.logger.Warnf("remove session=%s: %v", reg.SessionID, err)
		}
	}()

	text, err := e.BlockUntilDelivered(ctx, reg.SessionID, timeout)
	if err != nil {
		return Reply{Registration: reg}, err
	}
	return Reply{Registration: reg, Text: text}, nil
}

// StartGroupConversation finds or creates the conversation for participants
// and queues an opening message from `from` (the controller when empty).
func (e *Engine) StartGroupConversation(from string, participants []string, text string) (GroupStart, error) {
	if from == "" {
		from = model.ControllerAgentID
	}
	members := model.NormalizeParticipants(participants)
	if from != model.ControllerAgentID {
		members = model.NormalizeParticipants(append([]string{from}, members...))
	}
	minMembers := 2
	if from == model.ControllerAgentID {
		minMembers = 1
	}
	if len(members) < minMembers {
		return GroupStart{}, fmt.Errorf("a group needs at least two participants: %w", ErrInvalidInput)
	}
	if text == "" {
		return GroupStart{}, fmt.Errorf("initial message is required: %w", ErrInvalidInput)
	}
	if err := e.checkMessage(text); err != nil {
		return GroupStart{}, err
	}

	source := model.SourceAgent
	if from == model.ControllerAgentID {
		source = model.SourceAdmin
	}

	var out GroupStart
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.now()
		convID, _ := conversation.Find(tx, members)
		convID, err := conversation.Upsert(tx, convID, members, now)
		if err != nil {
			return err
		}
		msgID, err := queue.Enqueue(tx, convID, from, text, members, queue.Meta{Source: source}, now)
		if err != nil {
			return err
		}
		out = GroupStart{ConversationID: convID, MessageID: msgID}
		return nil
	})
	if err != nil {
		return GroupStart{}, err
	}

	e.publish(events.EventConversationSaved, map[string]interface{}{
		events.KeyConversationID: out.ConversationID,
		"participants":           members,
	})
	e.publish(events.EventMessageQueued, map[string]interface{}{
		events.KeyMessageID:      out.MessageID,
		events.KeyConversationID: out.ConversationID,
		events.KeyAgentID:        from,
	})
	e.metrics.recordQueued(string(source))
	e.logger.Infof("group conversation=%s participants=%v from=%s", out.ConversationID, members, from)
	return out, nil
}

func (e *Engine) checkMessage(text string) error {
	if e.maxMessageBytes > 0 && len(text) > e.maxMessageBytes {
		return fmt.Errorf("message is %d bytes, limit %d: %w", len(text), e.maxMessageBytes, ErrInvalidInput)
	}
	return nil
}

func (e *Engine) publish(t events.EventType, data map[string]interface{}) {
	e.bus.Publish(t, data)
}

func waitOutcome(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, session.ErrTimeout):
		return "timeout"
	case errors.Is(err, session.ErrSessionGone):
		return "removed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

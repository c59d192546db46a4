// Package conversation maintains the registry of active conversations, each a
// named, growing set of participant agent ids.
package conversation

import (
	"fmt"
	"time"

	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/store"
)

type Registry struct {
	store *store.Store
	now   func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(s *store.Store, opts ...Option) *Registry {
	r := &Registry{store: s, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindByParticipants returns the first conversation whose participant set
// equals ids, ignoring order.
func (r *Registry) FindByParticipants(ids []string) (string, bool, error) {
	var (
		id    string
		found bool
	)
	err := r.store.View(func(tx *store.Tx) error {
		id, found = Find(tx, ids)
		return nil
	})
	return id, found, err
}

// Upsert merges participants into conversation id, or creates it. An empty
// id always creates a new conversation with a generated id.
func (r *Registry) Upsert(id string, participants []string) (string, error) {
	var out string
	err := r.store.Update(func(tx *store.Tx) error {
		var err error
		out, err = Upsert(tx, id, participants, r.now())
		return err
	})
	return out, err
}

func (r *Registry) Get(id string) (model.Conversation, bool, error) {
	var (
		conv  model.Conversation
		found bool
	)
	err := r.store.View(func(tx *store.Tx) error {
		if c := lookup(tx, id); c != nil {
			conv = cloneConversation(*c)
			found = true
		}
		return nil
	})
	return conv, found, err
}

func (r *Registry) List() ([]model.Conversation, error) {
	var out []model.Conversation
	err := r.store.View(func(tx *store.Tx) error {
		out = List(tx)
		return nil
	})
	return out, err
}

// ForAgent lists the conversations agentID participates in.
func (r *Registry) ForAgent(agentID string) ([]model.Conversation, error) {
	var out []model.Conversation
	err := r.store.View(func(tx *store.Tx) error {
		for _, c := range tx.Conversations().ActiveConversations {
			for _, p := range c.Participants {
				if p == agentID {
					out = append(out, cloneConversation(c))
					break
				}
			}
		}
		return nil
	})
	return out, err
}

// PruneIdle drops conversations whose last update is older than maxAge.
// Records with an unparsable last_update are kept.
func (r *Registry) PruneIdle(maxAge time.Duration) (int, error) {
	var n int
	err := r.store.Update(func(tx *store.Tx) error {
		n = PruneIdle(tx, r.now().Add(-maxAge))
		return nil
	})
	return n, err
}

// Find is FindByParticipants inside an open transaction.
func Find(tx *store.Tx, ids []string) (string, bool) {
	want := model.NormalizeParticipants(ids)
	if len(want) == 0 {
		return "", false
	}
	for _, c := range tx.Conversations().ActiveConversations {
		if model.SameParticipants(c.Participants, want) {
			return c.ConversationID, true
		}
	}
	return "", false
}

// Upsert is Registry.Upsert inside an open transaction.
func Upsert(tx *store.Tx, id string, participants []string, now time.Time) (string, error) {
	ts := model.FormatTime(now)
	add := model.NormalizeParticipants(participants)

	if id != "" {
		if c := lookup(tx, id); c != nil {
			c.Participants = model.NormalizeParticipants(append(c.Participants, add...))
			c.LastUpdate = ts
			return id, nil
		}
	} else {
		var err error
		id, err = model.GenerateConversationID(add, now)
		if err != nil {
			return "", fmt.Errorf("new conversation id: %w", err)
		}
	}

	flow := tx.Conversations()
	flow.ActiveConversations = append(flow.ActiveConversations, model.Conversation{
		ConversationID: id,
		Participants:   add,
		CreatedAt:      ts,
		LastUpdate:     ts,
	})
	return id, nil
}

// List returns copies of every conversation in storage order.
func List(tx *store.Tx) []model.Conversation {
	convs := tx.Conversations().ActiveConversations
	out := make([]model.Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, cloneConversation(c))
	}
	return out
}

func PruneIdle(tx *store.Tx, cutoff time.Time) int {
	return PruneIdleExcept(tx, cutoff, nil)
}

// PruneIdleExcept is PruneIdle that never drops a conversation listed in keep.
func PruneIdleExcept(tx *store.Tx, cutoff time.Time, keep map[string]bool) int {
	flow := tx.Conversations()
	kept := flow.ActiveConversations[:0]
	removed := 0
	for _, c := range flow.ActiveConversations {
		if keep[c.ConversationID] {
			kept = append(kept, c)
			continue
		}
		if t, err := model.ParseTime(c.LastUpdate); err == nil && t.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	flow.ActiveConversations = kept
	return removed
}

func lookup(tx *store.Tx, id string) *model.Conversation {
	convs := tx.Conversations().ActiveConversations
	for i := range convs {
		if convs[i].ConversationID == id {
			return &convs[i]
		}
	}
	return nil
}

func cloneConversation(c model.Conversation) model.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	return c
}

// Package queue stores messages awaiting consumption by the other
// participants of a conversation, with delivery tracked per recipient.
package queue

import (
	"fmt"
	"time"

	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/store"
)

// Meta carries the optional structured fields of a queued message.
type Meta struct {
	WaitingID    string
	Source       model.MessageSource
	ContinueChat *bool
}

type Queue struct {
	store *store.Store
	now   func() time.Time
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(s *store.Store, opts ...Option) *Queue {
	q := &Queue{store: s, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a message addressed to every participant except fromAgent.
// A message with no targets is still recorded, already fully delivered.
func (q *Queue) Enqueue(conversationID, fromAgent, message string, participants []string, meta Meta) (string, error) {
	var id string
	err := q.store.Update(func(tx *store.Tx) error {
		var err error
		id, err = Enqueue(tx, conversationID, fromAgent, message, participants, meta, q.now())
		return err
	})
	return id, err
}

// ListPending returns every stored message in insertion order, including
// delivered ones not yet pruned.
func (q *Queue) ListPending() ([]model.QueuedMessage, error) {
	var out []model.QueuedMessage
	err := q.store.View(func(tx *store.Tx) error {
		out = tx.Queue().PendingMessages
		return nil
	})
	return out, err
}

func (q *Queue) Get(id string) (model.QueuedMessage, bool, error) {
	var (
		msg   model.QueuedMessage
		found bool
	)
	err := q.store.View(func(tx *store.Tx) error {
		if m := lookup(tx, id); m != nil {
			msg, found = *m, true
		}
		return nil
	})
	return msg, found, err
}

// MarkDelivered flags recipients of message id as delivered; nil recipients
// means every target. Unknown messages and non-target recipients are ignored.
func (q *Queue) MarkDelivered(id string, recipients []string) (bool, error) {
	var ok bool
	err := q.store.Update(func(tx *store.Tx) error {
		ok = MarkDelivered(tx, id, recipients, q.now())
		return nil
	})
	return ok, err
}

// Delete removes the listed messages and reports how many existed.
func (q *Queue) Delete(ids []string) (int, error) {
	var n int
	err := q.store.Update(func(tx *store.Tx) error {
		n = Delete(tx, ids)
		return nil
	})
	return n, err
}

// PruneOlderThan removes fully delivered messages older than age. Messages
// with any undelivered target are kept regardless of age.
func (q *Queue) PruneOlderThan(age time.Duration) (int, error) {
	var n int
	err := q.store.Update(func(tx *store.Tx) error {
		n = Prune(tx, q.now().Add(-age))
		return nil
	})
	return n, err
}

// Enqueue is Queue.Enqueue inside an open transaction.
func Enqueue(tx *store.Tx, conversationID, fromAgent, message string, participants []string, meta Meta, now time.Time) (string, error) {
	id, err := model.GenerateID(model.IDTypeMessage)
	if err != nil {
		return "", fmt.Errorf("new message id: %w", err)
	}

	targets := []string{}
	delivered := map[string]bool{}
	for _, p := range model.NormalizeParticipants(participants) {
		if p == fromAgent {
			continue
		}
		targets = append(targets, p)
		delivered[p] = false
	}

	msg := model.QueuedMessage{
		ID:             id,
		ConversationID: conversationID,
		FromAgent:      fromAgent,
		Message:        message,
		Targets:        targets,
		Delivered:      delivered,
		Timestamp:      model.FormatTime(now),
		WaitingID:      meta.WaitingID,
		Source:         meta.Source,
		ContinueChat:   meta.ContinueChat,
	}
	msg.RecomputeDeliveredAll(now)

	mq := tx.Queue()
	mq.PendingMessages = append(mq.PendingMessages, msg)
	return id, nil
}

// MarkDelivered reports whether any delivery flag actually changed.
func MarkDelivered(tx *store.Tx, id string, recipients []string, now time.Time) bool {
	m := lookup(tx, id)
	if m == nil {
		return false
	}
	if recipients == nil {
		recipients = m.Targets
	}
	changed := false
	for _, r := range recipients {
		done, isTarget := m.Delivered[r]
		if !isTarget || done {
			continue
		}
		m.Delivered[r] = true
		changed = true
	}
	m.RecomputeDeliveredAll(now)
	return changed
}

func Delete(tx *store.Tx, ids []string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	mq := tx.Queue()
	kept := mq.PendingMessages[:0]
	n := 0
	for _, m := range mq.PendingMessages {
		if drop[m.ID] {
			n++
			continue
		}
		kept = append(kept, m)
	}
	mq.PendingMessages = kept
	return n
}

// Prune removes fully delivered messages enqueued before cutoff.
func Prune(tx *store.Tx, cutoff time.Time) int {
	mq := tx.Queue()
	kept := mq.PendingMessages[:0]
	n := 0
	for _, m := range mq.PendingMessages {
		if m.DeliveredAll {
			if t, err := model.ParseTime(m.Timestamp); err == nil && t.Before(cutoff) {
				n++
				continue
			}
		}
		kept = append(kept, m)
	}
	mq.PendingMessages = kept
	return n
}

// Get is Queue.Get inside an open transaction.
func Get(tx *store.Tx, id string) (model.QueuedMessage, bool) {
	if m := lookup(tx, id); m != nil {
		return *m, true
	}
	return model.QueuedMessage{}, false
}

func lookup(tx *store.Tx, id string) *model.QueuedMessage {
	msgs := tx.Queue().PendingMessages
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}

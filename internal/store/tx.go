package store

import (
	"bytes"
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/agentflow/internal/model"
)

// Tx is the view of the collections inside one View or Update call.
// Collections are loaded on first access; pointers returned by the accessors
// may be mutated in place and are written back when Update commits.
type Tx struct {
	s *Store

	sessions      *model.WaitingSessions
	queue         *model.MessageQueue
	conversations *model.ConversationFlow

	// encoded form as loaded, used to skip writes of unchanged collections
	original map[model.Collection][]byte
	force    map[model.Collection]bool
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:        s,
		original: make(map[model.Collection][]byte),
		force:    make(map[model.Collection]bool),
	}
}

func (tx *Tx) Sessions() *model.WaitingSessions {
	if tx.sessions == nil {
		tx.load(model.CollectionWaitingSessions)
	}
	return tx.sessions
}

func (tx *Tx) Queue() *model.MessageQueue {
	if tx.queue == nil {
		tx.load(model.CollectionMessageQueue)
	}
	return tx.queue
}

func (tx *Tx) Conversations() *model.ConversationFlow {
	if tx.conversations == nil {
		tx.load(model.CollectionConversationFlow)
	}
	return tx.conversations
}

func (tx *Tx) load(c model.Collection) {
	switch c {
	case model.CollectionWaitingSessions:
		v := emptySessions()
		tx.s.read(c, &v)
		normalizeSessions(&v)
		tx.sessions = &v
		tx.original[c] = mustEncode(&v)
	case model.CollectionMessageQueue:
		v := emptyQueue()
		tx.s.read(c, &v)
		normalizeQueue(&v)
		tx.queue = &v
		tx.original[c] = mustEncode(&v)
	case model.CollectionConversationFlow:
		v := emptyConversations()
		tx.s.read(c, &v)
		normalizeConversations(&v)
		tx.conversations = &v
		tx.original[c] = mustEncode(&v)
	}
}

func (tx *Tx) commit() error {
	loaded := map[model.Collection]any{}
	if tx.sessions != nil {
		normalizeSessions(tx.sessions)
		loaded[model.CollectionWaitingSessions] = tx.sessions
	}
	if tx.queue != nil {
		normalizeQueue(tx.queue)
		loaded[model.CollectionMessageQueue] = tx.queue
	}
	if tx.conversations != nil {
		normalizeConversations(tx.conversations)
		loaded[model.CollectionConversationFlow] = tx.conversations
	}

	for _, c := range model.AllCollections {
		v, ok := loaded[c]
		if !ok {
			continue
		}
		content, err := yamlv3.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", c, err)
		}
		if !tx.force[c] && bytes.Equal(content, tx.original[c]) {
			continue
		}
		if err := tx.s.write(c, content); err != nil {
			return err
		}
	}
	return nil
}

func mustEncode(v any) []byte {
	b, err := yamlv3.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Headers are always rewritten to the current form, and nil containers become
// empty ones so files never carry "null".
func normalizeSessions(v *model.WaitingSessions) {
	v.SchemaVersion = emptySessions().SchemaVersion
	v.FileType = emptySessions().FileType
	if v.Sessions == nil {
		v.Sessions = map[string]model.WaitingSession{}
	}
}

func normalizeQueue(v *model.MessageQueue) {
	v.SchemaVersion = emptyQueue().SchemaVersion
	v.FileType = emptyQueue().FileType
	if v.PendingMessages == nil {
		v.PendingMessages = []model.QueuedMessage{}
	}
	for i := range v.PendingMessages {
		m := &v.PendingMessages[i]
		if m.Targets == nil {
			m.Targets = []string{}
		}
		if m.Delivered == nil {
			m.Delivered = map[string]bool{}
		}
	}
}

func normalizeConversations(v *model.ConversationFlow) {
	v.SchemaVersion = emptyConversations().SchemaVersion
	v.FileType = emptyConversations().FileType
	if v.ActiveConversations == nil {
		v.ActiveConversations = []model.Conversation{}
	}
}

// Read returns a copy of collection c. Missing or unreadable collections
// yield their empty form.
func (s *Store) Read(c model.Collection) (any, error) {
	var out any
	err := s.View(func(tx *Tx) error {
		switch c {
		case model.CollectionWaitingSessions:
			out = *tx.Sessions()
		case model.CollectionMessageQueue:
			out = *tx.Queue()
		case model.CollectionConversationFlow:
			out = *tx.Conversations()
		default:
			return fmt.Errorf("unknown collection %q", c)
		}
		return nil
	})
	return out, err
}

// Write atomically replaces collection c with v, which must be the matching
// model type (value or pointer).
func (s *Store) Write(c model.Collection, v any) error {
	return s.Update(func(tx *Tx) error {
		switch val := v.(type) {
		case model.WaitingSessions:
			return tx.replace(c, model.CollectionWaitingSessions, func() { *tx.Sessions() = val })
		case *model.WaitingSessions:
			return tx.replace(c, model.CollectionWaitingSessions, func() { *tx.Sessions() = *val })
		case model.MessageQueue:
			return tx.replace(c, model.CollectionMessageQueue, func() { *tx.Queue() = val })
		case *model.MessageQueue:
			return tx.replace(c, model.CollectionMessageQueue, func() { *tx.Queue() = *val })
		case model.ConversationFlow:
			return tx.replace(c, model.CollectionConversationFlow, func() { *tx.Conversations() = val })
		case *model.ConversationFlow:
			return tx.replace(c, model.CollectionConversationFlow, func() { *tx.Conversations() = *val })
		default:
			return fmt.Errorf("cannot write %T to %s", v, c)
		}
	})
}

func (tx *Tx) replace(got, want model.Collection, set func()) error {
	if got != want {
		return fmt.Errorf("value for %s written to %s", want, got)
	}
	set()
	tx.force[want] = true
	return nil
}

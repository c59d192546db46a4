// Package session tracks agents that are blocked waiting for a message and
// implements the wait side of the deliver/wait handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/logging"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/store"
)

var (
	ErrTimeout     = errors.New("timed out waiting for delivery")
	ErrSessionGone = errors.New("waiting session no longer exists")
)

const DefaultPollInterval = time.Second

type Registry struct {
	store        *store.Store
	now          func() time.Time
	pollInterval time.Duration
	watchFiles   bool
	bus          *events.Bus
	logger       *logging.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithFileWatch wakes waiters when the sessions file changes on disk, so a
// delivery from another process is seen before the next poll.
func WithFileWatch(enabled bool) Option {
	return func(r *Registry) { r.watchFiles = enabled }
}

// WithBus wakes waiters on in-process delivery and removal events.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:        s,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a waiting session and returns its id without blocking.
func (r *Registry) Register(agentTool, agentID string, message *string, conversationID string, participants []string) (string, error) {
	var id string
	err := r.store.Update(func(tx *store.Tx) error {
		var err error
		id, err = Register(tx, agentTool, agentID, message, conversationID, participants, r.now())
		return err
	})
	return id, err
}

func (r *Registry) Status(id string) (model.WaitingSession, bool, error) {
	var (
		sess  model.WaitingSession
		found bool
	)
	err := r.store.View(func(tx *store.Tx) error {
		sess, found = tx.Sessions().Sessions[id]
		return nil
	})
	return sess, found, err
}

// MarkDelivered hands text to a waiting session. The first delivery wins:
// an already delivered or unknown session reports false and is left untouched.
func (r *Registry) MarkDelivered(id, text string) (bool, error) {
	var ok bool
	err := r.store.Update(func(tx *store.Tx) error {
		ok = MarkDelivered(tx, id, text, r.now())
		return nil
	})
	return ok, err
}

// Remove deletes the session record; unknown ids are a no-op.
func (r *Registry) Remove(id string) (bool, error) {
	var ok bool
	err := r.store.Update(func(tx *store.Tx) error {
		ok = Remove(tx, id)
		return nil
	})
	return ok, err
}

func (r *Registry) List() (map[string]model.WaitingSession, error) {
	var out map[string]model.WaitingSession
	err := r.store.View(func(tx *store.Tx) error {
		out = tx.Sessions().Sessions
		return nil
	})
	return out, err
}

// PruneOlderThan removes sessions registered more than age ago, delivered or not.
func (r *Registry) PruneOlderThan(age time.Duration) (int, error) {
	var n int
	err := r.store.Update(func(tx *store.Tx) error {
		n = Prune(tx, r.now().Add(-age))
		return nil
	})
	return n, err
}

// WaitForDelivery blocks until session id is delivered and returns the text.
// A zero timeout waits forever. The store lock is only held while checking.
func (r *Registry) WaitForDelivery(ctx context.Context, id string, timeout time.Duration) (string, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	if r.bus != nil {
		onEvent := func(e events.Event) {
			if e.String(events.KeySessionID) == id {
				notify()
			}
		}
		defer r.bus.Subscribe(events.EventSessionDelivered, onEvent)()
		defer r.bus.Subscribe(events.EventSessionRemoved, onEvent)()
	}
	if r.watchFiles {
		if stop, err := r.watchSessionsFile(notify); err != nil {
			r.logger.Warnf("file watch unavailable, polling only: %v", err)
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		text, done, err := r.check(id)
		if done || err != nil {
			return text, err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			// a delivery may have landed while the timer fired
			if text, done, err := r.check(id); done || err != nil {
				return text, err
			}
			return "", fmt.Errorf("session %s after %s: %w", id, timeout, ErrTimeout)
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (r *Registry) check(id string) (string, bool, error) {
	sess, found, err := r.Status(id)
	if err != nil {
		return "", true, err
	}
	if !found {
		return "", true, fmt.Errorf("session %s: %w", id, ErrSessionGone)
	}
	if sess.Status != model.SessionDelivered {
		return "", false, nil
	}
	if sess.DeliveredMessage == nil {
		return "", true, nil
	}
	return *sess.DeliveredMessage, true, nil
}

// watchSessionsFile watches the state directory rather than the file itself,
// since atomic writes replace the inode.
func (r *Registry) watchSessionsFile(notify func()) (func(), error) {
	path := r.store.Path(model.CollectionWaitingSessions)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	name := filepath.Base(path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == name && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
					notify()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Debugf("fsnotify error=%v", err)
			}
		}
	}()

	return func() {
		w.Close()
		<-done
	}, nil
}

// Register is Registry.Register inside an open transaction.
func Register(tx *store.Tx, agentTool, agentID string, message *string, conversationID string, participants []string, now time.Time) (string, error) {
	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return "", fmt.Errorf("new session id: %w", err)
	}
	var msg *string
	if message != nil {
		m := *message
		msg = &m
	}
	tx.Sessions().Sessions[id] = model.WaitingSession{
		AgentTool:      agentTool,
		AgentID:        agentID,
		ConversationID: conversationID,
		Participants:   model.NormalizeParticipants(participants),
		Message:        msg,
		Timestamp:      model.FormatTime(now),
		Status:         model.SessionWaiting,
	}
	return id, nil
}

// MarkDelivered is Registry.MarkDelivered inside an open transaction.
func MarkDelivered(tx *store.Tx, id, text string, now time.Time) bool {
	sessions := tx.Sessions().Sessions
	sess, ok := sessions[id]
	if !ok {
		return false
	}
	if err := model.ValidateSessionTransition(sess.Status, model.SessionDelivered); err != nil {
		return false
	}
	ts := model.FormatTime(now)
	t := text
	sess.Status = model.SessionDelivered
	sess.DeliveredMessage = &t
	sess.DeliveredAt = &ts
	sessions[id] = sess
	return true
}

func Remove(tx *store.Tx, id string) bool {
	sessions := tx.Sessions().Sessions
	if _, ok := sessions[id]; !ok {
		return false
	}
	delete(sessions, id)
	return true
}

// Prune removes sessions whose registration time is before cutoff. Records
// with an unparsable timestamp are kept.
func Prune(tx *store.Tx, cutoff time.Time) int {
	sessions := tx.Sessions().Sessions
	n := 0
	for id, s := range sessions {
		if t, err := model.ParseTime(s.Timestamp); err == nil && t.Before(cutoff) {
			delete(sessions, id)
			n++
		}
	}
	return n
}

// PruneFinished is Prune restricted to sessions no longer waiting, so a
// blocked agent keeps its session however long it waits.
func PruneFinished(tx *store.Tx, cutoff time.Time) int {
	sessions := tx.Sessions().Sessions
	n := 0
	for id, s := range sessions {
		if s.Status == model.SessionWaiting {
			continue
		}
		if t, err := model.ParseTime(s.Timestamp); err == nil && t.Before(cutoff) {
			delete(sessions, id)
			n++
		}
	}
	return n
}

// Waiting returns the ids of sessions still waiting, oldest first.
func Waiting(tx *store.Tx) []string {
	sessions := tx.Sessions().Sessions
	ids := make([]string, 0, len(sessions))
	for id, s := range sessions {
		if s.Status == model.SessionWaiting {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := model.ParseTime(sessions[ids[i]].Timestamp)
		b, _ := model.ParseTime(sessions[ids[j]].Timestamp)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ids[i] < ids[j]
	})
	return ids
}

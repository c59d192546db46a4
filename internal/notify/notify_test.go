package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/model"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		got := escapeAppleScript(tt.input)
		if got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (r *recorder) send(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, title+": "+message)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestNotifier_NotifiesOnQueuedMessage(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()

	rec := &recorder{}
	n := NewNotifier(rec.send, 0, nil)
	detach := n.Attach(bus)
	defer detach()

	bus.Publish(events.EventSessionRegistered, map[string]interface{}{events.KeyAgentID: "alice"})
	bus.Publish(events.EventMessageQueued, map[string]interface{}{
		events.KeyAgentID:        "alice",
		events.KeyConversationID: "conv_1",
	})

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, "agentflow: New message from alice in conv_1", rec.msgs[0])
	rec.mu.Unlock()
}

func TestNotifier_RateLimitsPerAgent(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec.send, time.Minute, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	queued := func(agent string) events.Event {
		return events.Event{Type: events.EventMessageQueued, Data: map[string]interface{}{events.KeyAgentID: agent}}
	}

	n.handle(queued("alice"))
	n.handle(queued("alice"))
	n.handle(queued("bob"))
	n.handle(queued(model.ControllerAgentID))
	assert.Equal(t, 2, rec.count())

	clock = clock.Add(2 * time.Minute)
	n.handle(queued("alice"))
	assert.Equal(t, 3, rec.count())
}

func TestNotifier_SendErrorIsLogged(t *testing.T) {
	rec := &recorder{err: errors.New("no display")}
	n := NewNotifier(rec.send, 0, nil)

	assert.NotPanics(t, func() {
		n.handle(events.Event{Type: events.EventMessageQueued, Data: map[string]interface{}{events.KeyAgentID: "a"}})
	})
	assert.Equal(t, 1, rec.count())
}

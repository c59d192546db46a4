package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentflow/internal/events"
	"github.com/msageha/agentflow/internal/model"
	"github.com/msageha/agentflow/internal/store"
)

func strPtr(s string) *string { return &s }

type testEnv struct {
	engine  *Engine
	store   *store.Store
	bus     *events.Bus
	metrics *Metrics
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	s := store.New(t.TempDir())
	bus := events.NewBus(100)
	m := NewMetrics()
	t.Cleanup(func() {
		bus.Close()
		s.Close()
	})
	all := append([]Option{
		WithBus(bus),
		WithMetrics(m),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	return &testEnv{engine: New(s, all...), store: s, bus: bus, metrics: m}
}

func (e *testEnv) message(t *testing.T, id string) model.QueuedMessage {
	t.Helper()
	m, ok, err := e.engine.Queue().Get(id)
	require.NoError(t, err)
	require.True(t, ok, "message %s missing", id)
	return m
}

func TestRegisterWaitingAgent_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "agent_chat"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.engine.RegisterWaitingAgent(RegisterRequest{AgentID: "a"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	// storage untouched
	snap, err := env.engine.GetControllerData()
	require.NoError(t, err)
	assert.Empty(t, snap.Conversations)
	assert.Empty(t, snap.WaitingSessions)
}

func TestRegisterWaitingAgent_MessageSizeLimit(t *testing.T) {
	env := newTestEnv(t, WithMaxMessageBytes(8))

	_, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Message: strPtr("way too long"),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// Scenario A: a lone agent's message has no targets and is delivered at once.
func TestScenario_LoneAgent(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "alice", Message: strPtr("hi"),
	})
	require.NoError(t, err)

	conv, ok, err := env.engine.Conversations().Get(reg.ConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, conv.Participants)

	sess, ok, err := env.engine.Sessions().Status(reg.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SessionWaiting, sess.Status)

	require.NotEmpty(t, reg.MessageID)
	msg := env.message(t, reg.MessageID)
	assert.Equal(t, "alice", msg.FromAgent)
	assert.Empty(t, msg.Targets)
	assert.True(t, msg.DeliveredAll)
	assert.Equal(t, reg.SessionID, msg.WaitingID)
}

// Scenario B: the controller routes alice's message to bob.
func TestScenario_RouteToPeer(t *testing.T) {
	env := newTestEnv(t)

	bob, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "bob", Participants: []string{"alice", "bob"},
	})
	require.NoError(t, err)
	assert.Empty(t, bob.MessageID)

	alice, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "alice", Participants: []string{"bob"}, Message: strPtr("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, bob.ConversationID, alice.ConversationID, "same participant set reuses the conversation")

	msg := env.message(t, alice.MessageID)
	assert.Equal(t, []string{"bob"}, msg.Targets)
	assert.Equal(t, map[string]bool{"bob": false}, msg.Delivered)

	ok, err := env.engine.DeliverToParticipants(alice.ConversationID, []string{"bob"}, "hello", alice.MessageID)
	require.NoError(t, err)
	assert.True(t, ok)

	sess, _, _ := env.engine.Sessions().Status(bob.SessionID)
	assert.Equal(t, model.SessionDelivered, sess.Status)
	assert.Equal(t, "hello", *sess.DeliveredMessage)

	// alice is not a recipient and keeps waiting
	sess, _, _ = env.engine.Sessions().Status(alice.SessionID)
	assert.Equal(t, model.SessionWaiting, sess.Status)

	msg = env.message(t, alice.MessageID)
	assert.True(t, msg.Delivered["bob"])
	assert.True(t, msg.DeliveredAll)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.deliveries.WithLabelValues("participants")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.sessionsRegistered))
}

// Scenario C: deleting a known and an unknown id removes one message.
func TestScenario_DeleteMessages(t *testing.T) {
	env := newTestEnv(t)
	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Participants: []string{"b"}, Message: strPtr("x"),
	})
	require.NoError(t, err)

	n, err := env.engine.DeleteMessages([]string{reg.MessageID, "nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := env.engine.GetControllerData()
	require.NoError(t, err)
	assert.Empty(t, snap.PendingMessages)
}

// Scenario D: ClearAll leaves nothing behind.
func TestScenario_ClearAll(t *testing.T) {
	env := newTestEnv(t)
	for _, agent := range []string{"a", "b", "c"} {
		_, err := env.engine.RegisterWaitingAgent(RegisterRequest{
			Tool: "agent_chat", AgentID: agent, Participants: []string{"a", "b", "c"}, Message: strPtr("hi from " + agent),
		})
		require.NoError(t, err)
	}

	require.NoError(t, env.engine.ClearAll())

	for _, c := range model.AllCollections {
		v, err := env.store.Read(c)
		require.NoError(t, err)
		switch val := v.(type) {
		case model.WaitingSessions:
			assert.Empty(t, val.Sessions)
		case model.MessageQueue:
			assert.Empty(t, val.PendingMessages)
		case model.ConversationFlow:
			assert.Empty(t, val.ActiveConversations)
		}
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.clears))
}

func TestTargetsSnapshotIgnoresLaterParticipants(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Participants: []string{"b"}, Message: strPtr("before c"),
	})
	require.NoError(t, err)

	_, err = env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "c", ConversationID: first.ConversationID,
	})
	require.NoError(t, err)

	conv, _, _ := env.engine.Conversations().Get(first.ConversationID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, conv.Participants)
	assert.Equal(t, []string{"b"}, env.message(t, first.MessageID).Targets)

	// the next message from a does reach c
	second, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", ConversationID: first.ConversationID, Message: strPtr("after c"),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, env.message(t, second.MessageID).Targets)
}

func TestRegisterWaitingAgent_SkipQueue(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Participants: []string{"b"}, Message: strPtr("quiet"), SkipQueue: true,
	})
	require.NoError(t, err)
	assert.Empty(t, reg.MessageID)

	sess, _, _ := env.engine.Sessions().Status(reg.SessionID)
	assert.Equal(t, "quiet", *sess.Message)

	msgs, _ := env.engine.Queue().ListPending()
	assert.Empty(t, msgs)
}

func TestDeliverToParticipants_NobodyHome(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := newTestEnv(t, WithClock(clock))
	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Participants: []string{"b"}, Message: strPtr("hi"),
	})
	require.NoError(t, err)

	ok, err := env.engine.DeliverToParticipants(reg.ConversationID, []string{"b"}, "hi", reg.MessageID)
	require.NoError(t, err)
	assert.False(t, ok)

	msg := env.message(t, reg.MessageID)
	assert.False(t, msg.Delivered["b"])
	assert.False(t, msg.DeliveredAll)

	// still unread, so age alone does not prune it
	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	res, err := env.engine.CleanupOldData(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Messages)
	env.message(t, reg.MessageID)

	_, err = env.engine.DeliverToParticipants("", []string{"b"}, "hi", reg.MessageID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeliverToParticipants_MarksOnlyReachedRecipients(t *testing.T) {
	env := newTestEnv(t)

	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "a", Participants: []string{"b", "c"}, Message: strPtr("both of you"),
	})
	require.NoError(t, err)
	b, err := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "agent_chat", AgentID: "b", ConversationID: reg.ConversationID,
	})
	require.NoError(t, err)

	ok, err := env.engine.DeliverToParticipants(reg.ConversationID, []string{"b", "c"}, "both of you", reg.MessageID)
	require.NoError(t, err)
	assert.True(t, ok)

	s, _, _ := env.engine.Sessions().Status(b.SessionID)
	assert.Equal(t, model.SessionDelivered, s.Status)

	msg := env.message(t, reg.MessageID)
	assert.Equal(t, map[string]bool{"b": true, "c": false}, msg.Delivered)
	assert.False(t, msg.DeliveredAll)
}

func TestDeliverToParticipants_OnlyMatchingConversation(t *testing.T) {
	env := newTestEnv(t)

	inA, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "b", Participants: []string{"a"}})
	inB, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "b", Participants: []string{"z"}})
	require.NotEqual(t, inA.ConversationID, inB.ConversationID)

	ok, err := env.engine.DeliverToParticipants(inA.ConversationID, []string{"b"}, "x", "")
	require.NoError(t, err)
	assert.True(t, ok)

	s, _, _ := env.engine.Sessions().Status(inB.SessionID)
	assert.Equal(t, model.SessionWaiting, s.Status)
}

func TestDeliverToSession_FirstWriteWins(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})

	ok, err := env.engine.DeliverToSession(reg.SessionID, "first")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.engine.DeliverToSession(reg.SessionID, "second")
	require.NoError(t, err)
	assert.False(t, ok)

	s, _, _ := env.engine.Sessions().Status(reg.SessionID)
	assert.Equal(t, "first", *s.DeliveredMessage)

	ok, err = env.engine.DeliverToSession("sess_0000000000_000000000000", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})
	b, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "b"})
	done, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "c"})
	_, _ = env.engine.DeliverToSession(done.SessionID, "earlier")

	n, err := env.engine.Broadcast("all hands")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.SessionID, b.SessionID} {
		s, _, _ := env.engine.Sessions().Status(id)
		assert.Equal(t, "all hands", *s.DeliveredMessage)
	}
	s, _, _ := env.engine.Sessions().Status(done.SessionID)
	assert.Equal(t, "earlier", *s.DeliveredMessage)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.deliveries.WithLabelValues("broadcast")))
}

func TestCleanupOldData(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := newTestEnv(t, WithClock(clock))

	old, _ := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "t", AgentID: "a", Participants: []string{"b"}, Message: strPtr("unread"),
	})
	lone, _ := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "t", AgentID: "z", Message: strPtr("to nobody"),
	})

	mu.Lock()
	now = now.Add(48 * time.Hour)
	mu.Unlock()
	fresh, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "y"})

	res, err := env.engine.CleanupOldData(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Sessions: 2, Messages: 1, Conversations: 2}, res)

	snap, _ := env.engine.GetControllerData()
	assert.Contains(t, snap.WaitingSessions, fresh.SessionID)
	assert.NotContains(t, snap.WaitingSessions, old.SessionID)
	require.Len(t, snap.PendingMessages, 1)
	assert.Equal(t, old.MessageID, snap.PendingMessages[0].ID, "undelivered message survives")
	assert.NotEqual(t, lone.MessageID, snap.PendingMessages[0].ID)

	_, err = env.engine.CleanupOldData(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCleanupStale_KeepsWaitingSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := newTestEnv(t, WithClock(clock))

	blocked, _ := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "t", AgentID: "a", Participants: []string{"b"},
	})
	answered, _ := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "t", AgentID: "x", Participants: []string{"y"},
	})
	ok, err := env.engine.DeliverToSession(answered.SessionID, "done")
	require.NoError(t, err)
	require.True(t, ok)

	mu.Lock()
	now = now.Add(48 * time.Hour)
	mu.Unlock()

	res, err := env.engine.CleanupStale(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Sessions: 1, Conversations: 1}, res)

	snap, _ := env.engine.GetControllerData()
	assert.Contains(t, snap.WaitingSessions, blocked.SessionID)
	assert.NotContains(t, snap.WaitingSessions, answered.SessionID)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, blocked.ConversationID, snap.Conversations[0].ConversationID)

	// the blocked agent still receives its reply
	ok, err = env.engine.DeliverToSession(blocked.SessionID, "late answer")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = env.engine.CleanupStale(0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBlockUntilDelivered_WaitsForController(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})

	result := make(chan string, 1)
	go func() {
		text, err := env.engine.BlockUntilDelivered(context.Background(), reg.SessionID, 0)
		assert.NoError(t, err)
		result <- text
	}()

	select {
	case <-result:
		t.Fatal("returned before delivery")
	case <-time.After(100 * time.Millisecond):
	}

	_, err := env.engine.DeliverToSession(reg.SessionID, "go")
	require.NoError(t, err)

	select {
	case text := <-result:
		assert.Equal(t, "go", text)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBlockUntilDelivered_Timeout(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})

	_, err := env.engine.BlockUntilDelivered(context.Background(), reg.SessionID, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, testutil.CollectAndCount(env.metrics.waitDuration))
}

func TestConverse_RoundTrip(t *testing.T) {
	env := newTestEnv(t)

	type outcome struct {
		reply Reply
		err   error
	}
	aliceDone := make(chan outcome, 1)
	go func() {
		r, err := env.engine.Converse(context.Background(), RegisterRequest{
			Tool: "agent_chat", AgentID: "alice", Participants: []string{"bob"}, Message: strPtr("ping"),
		}, 0)
		aliceDone <- outcome{r, err}
	}()

	// controller: wait for alice's message to show up, then answer on bob's behalf
	var msg model.QueuedMessage
	require.Eventually(t, func() bool {
		snap, err := env.engine.GetControllerData()
		if err != nil || len(snap.PendingMessages) == 0 {
			return false
		}
		msg = snap.PendingMessages[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	n, err := env.engine.Broadcast("pong")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case out := <-aliceDone:
		require.NoError(t, out.err)
		assert.Equal(t, "pong", out.reply.Text)
		assert.Equal(t, msg.ID, out.reply.MessageID)
		// the session is gone after the turn
		_, found, _ := env.engine.Sessions().Status(out.reply.SessionID)
		assert.False(t, found)
	case <-time.After(2 * time.Second):
		t.Fatal("converse did not return")
	}
}

func TestConverse_CancelRemovesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.Converse(ctx, RegisterRequest{Tool: "t", AgentID: "a"}, 0)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		snap, _ := env.engine.GetControllerData()
		return len(snap.WaitingSessions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("converse ignored cancellation")
	}
	snap, _ := env.engine.GetControllerData()
	assert.Empty(t, snap.WaitingSessions)
}

func TestClearAll_WakesWaitersWithSessionGone(t *testing.T) {
	env := newTestEnv(t)
	reg, _ := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})

	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.BlockUntilDelivered(context.Background(), reg.SessionID, 0)
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, env.engine.ClearAll())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionGone)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not notice the reset")
	}
}

func TestStartGroupConversation(t *testing.T) {
	env := newTestEnv(t)

	start, err := env.engine.StartGroupConversation("", []string{"a", "b", "c"}, "kickoff")
	require.NoError(t, err)

	conv, ok, _ := env.engine.Conversations().Get(start.ConversationID)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, conv.Participants)

	msg := env.message(t, start.MessageID)
	assert.Equal(t, model.ControllerAgentID, msg.FromAgent)
	assert.Equal(t, []string{"a", "b", "c"}, msg.Targets)
	assert.Equal(t, model.SourceAdmin, msg.Source)

	// an agent joining with the same set lands in the same conversation
	reg, err := env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "b", Participants: []string{"c", "a"}})
	require.NoError(t, err)
	assert.Equal(t, start.ConversationID, reg.ConversationID)
}

func TestStartGroupConversation_FromAgent(t *testing.T) {
	env := newTestEnv(t)

	start, err := env.engine.StartGroupConversation("a", []string{"b"}, "hey")
	require.NoError(t, err)
	msg := env.message(t, start.MessageID)
	assert.Equal(t, []string{"b"}, msg.Targets)
	assert.Equal(t, model.SourceAgent, msg.Source)

	_, err = env.engine.StartGroupConversation("a", []string{"a"}, "alone")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = env.engine.StartGroupConversation("", []string{"a"}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetControllerData_ConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		_, err := env.engine.RegisterWaitingAgent(RegisterRequest{
			Tool: "t", AgentID: fmt.Sprintf("agent-%d", i), Message: strPtr("m"),
		})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := env.engine.GetControllerData()
			assert.NoError(t, err)
			assert.Len(t, snap.WaitingSessions, 5)
			assert.Len(t, snap.PendingMessages, 5)
			assert.NotEmpty(t, snap.Timestamp)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5.0, testutil.ToFloat64(env.metrics.waitingSessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.pendingMessages), "single-agent messages have no targets")
}

func TestEventsArePublished(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	seen := map[events.EventType]int{}
	defer env.bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})()

	reg, _ := env.engine.RegisterWaitingAgent(RegisterRequest{
		Tool: "t", AgentID: "a", Participants: []string{"b"}, Message: strPtr("x"),
	})
	_, _ = env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "b", Participants: []string{"a"}})
	_, _ = env.engine.DeliverToParticipants(reg.ConversationID, []string{"b"}, "x", reg.MessageID)
	_, _ = env.engine.DeleteMessages([]string{reg.MessageID})
	_, _ = env.engine.RemoveSession(reg.SessionID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.EventSessionRegistered] == 2 &&
			seen[events.EventMessageQueued] == 1 &&
			seen[events.EventSessionDelivered] == 1 &&
			seen[events.EventMessageDelivered] == 1 &&
			seen[events.EventMessagesDeleted] == 1 &&
			seen[events.EventSessionRemoved] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMetricsHandler(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.engine.RegisterWaitingAgent(RegisterRequest{Tool: "t", AgentID: "a"})

	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "agentflow_sessions_registered_total 1"))
}

package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/agentflow/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	s := store.New(t.TempDir())
	t.Cleanup(func() { s.Close() })
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(s, WithClock(clock.Now)), clock
}

func TestUpsert_CreatesWithDerivedID(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Upsert("", []string{"b", "a", "a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "conv_a+b_"), id)

	conv, ok, err := r.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, conv.Participants)
	assert.Equal(t, conv.CreatedAt, conv.LastUpdate)
}

func TestUpsert_MergesAndBumps(t *testing.T) {
	r, clock := newTestRegistry(t)

	id, err := r.Upsert("", []string{"a", "b"})
	require.NoError(t, err)
	before, _, _ := r.Get(id)

	clock.Advance(time.Minute)
	got, err := r.Upsert(id, []string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	after, _, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, after.Participants)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.NotEqual(t, before.LastUpdate, after.LastUpdate)
}

func TestUpsert_ParticipantsOnlyGrow(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Upsert("", []string{"a", "b", "c"})
	require.NoError(t, err)
	_, err = r.Upsert(id, []string{"a"})
	require.NoError(t, err)

	conv, _, _ := r.Get(id)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, conv.Participants)
}

func TestUpsert_UnknownIDIsCreated(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Upsert("conv_custom", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, "conv_custom", id)

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "conv_custom", list[0].ConversationID)
}

func TestFindByParticipants_IsOrderIndependent(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.Upsert("", []string{"a", "b"})
	require.NoError(t, err)
	_, err = r.Upsert("", []string{"a", "b", "c"})
	require.NoError(t, err)

	got, ok, err := r.FindByParticipants([]string{"b", "a"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok, err = r.FindByParticipants([]string{"a"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.FindByParticipants(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForAgent(t *testing.T) {
	r, _ := newTestRegistry(t)

	ab, _ := r.Upsert("", []string{"a", "b"})
	_, _ = r.Upsert("", []string{"c", "d"})
	ae, _ := r.Upsert("", []string{"e", "a"})

	convs, err := r.ForAgent("a")
	require.NoError(t, err)
	var ids []string
	for _, c := range convs {
		ids = append(ids, c.ConversationID)
	}
	assert.Equal(t, []string{ab, ae}, ids)
}

func TestPruneIdle(t *testing.T) {
	r, clock := newTestRegistry(t)

	old, _ := r.Upsert("", []string{"a"})
	clock.Advance(2 * time.Hour)
	fresh, _ := r.Upsert("", []string{"b"})

	n, err := r.PruneIdle(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := r.Get(old)
	assert.False(t, ok)
	_, ok, _ = r.Get(fresh)
	assert.True(t, ok)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, _ := r.Upsert("", []string{"a", "b"})

	conv, _, _ := r.Get(id)
	conv.Participants[0] = "mutated"

	again, _, _ := r.Get(id)
	assert.Equal(t, "a", again.Participants[0])
}

package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/maildispatch/internal/storage"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"active", "paused", "inactive"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}
	_, err := ParseStatus("Active")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMessageHeaders(t *testing.T) {
	m := &Message{Params: map[string]any{
		"headers": map[string]any{"X-Campaign": "spring", "X-Bad": 3},
	}}
	assert.Equal(t, map[string]string{"X-Campaign": "spring"}, m.Headers())
	assert.Empty(t, (&Message{}).Headers())
}

func TestMessageStore(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bodies := storage.NewBodyStore(t.TempDir(), nil, 0, logger)
	s := NewMessageStore(bodies)

	id, err := s.Create(ctx, &Message{Subject: "hello", Sender: Address{Email: "from@example.com"}}, "text", "<p>html</p>")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	m, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "hello", m.Subject)
	assert.NotZero(t, m.Time)
	assert.Nil(t, m.Last)

	// Get hands out copies
	m.Subject = "changed"
	m2, _ := s.Get(id)
	assert.Equal(t, "hello", m2.Subject)

	text, html, err := s.Body(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "text", text)
	assert.Equal(t, "<p>html</p>", html)

	assert.True(t, s.AdjustTos(id, 2))
	assert.True(t, s.AdjustTos(id, -5))
	m, _ = s.Get(id)
	assert.Equal(t, int64(0), m.Tos, "outstanding count never goes negative")

	when := time.Unix(1700000000, 0)
	assert.True(t, s.Touch(id, when))
	m, _ = s.Get(id)
	require.NotNil(t, m.Last)
	assert.Equal(t, when.Unix(), *m.Last)

	assert.False(t, s.Touch(99, when))
	assert.False(t, s.AdjustTos(99, 1))

	assert.True(t, s.Delete(ctx, id))
	assert.False(t, s.Delete(ctx, id))
	text, _, err = s.Body(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestMessageStoreDeleteIdle(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore(nil)
	id := s.Add(&Message{Subject: "busy"})

	require.True(t, s.AdjustTos(id, 1))
	assert.False(t, s.DeleteIdle(ctx, id))
	assert.Equal(t, 1, s.Len())

	require.True(t, s.AdjustTos(id, -1))
	assert.True(t, s.DeleteIdle(ctx, id))
	assert.False(t, s.DeleteIdle(ctx, id))
	assert.Equal(t, 0, s.Len())
}

func TestMessageStoreSnapshot(t *testing.T) {
	s := NewMessageStore(nil)
	s.Add(&Message{Subject: "a"})
	s.Add(&Message{ID: 40, Subject: "b", Params: map[string]any{"headers": map[string]any{"X-A": "1"}}})

	path := filepath.Join(t.TempDir(), "messages.db")
	require.NoError(t, s.Save(path))

	loaded := NewMessageStore(nil)
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 2, loaded.Len())

	m, ok := loaded.Get(40)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"X-A": "1"}, m.Headers())
	assert.Equal(t, int64(41), loaded.Add(&Message{}))

	var subjects []string
	loaded.Range(func(m *Message) bool {
		subjects = append(subjects, m.Subject)
		return true
	})
	assert.ElementsMatch(t, []string{"a", "b", ""}, subjects)
}

func TestGroupRegistry(t *testing.T) {
	s := NewStore(DefaultOptions(), nil)

	id, err := s.Groups.Add(&Group{})
	require.NoError(t, err)
	g, ok := s.Groups.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusActive, g.Status)

	_, err = s.Groups.Add(&Group{Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	g, created := s.Groups.Ensure(77)
	assert.True(t, created)
	assert.Equal(t, int64(77), g.ID)
	_, created = s.Groups.Ensure(77)
	assert.False(t, created)

	next, _ := s.Groups.Add(&Group{})
	assert.Equal(t, int64(78), next)

	assert.True(t, s.Groups.Adjust(77, GroupDelta{All: 3, Wait: 3}))
	assert.True(t, s.Groups.Adjust(77, GroupDelta{Wait: -1, Sending: 1}))
	assert.True(t, s.Groups.Adjust(77, GroupDelta{Sending: -2, Errors: 1}))
	g, _ = s.Groups.Get(77)
	assert.Equal(t, Group{ID: 77, Status: StatusActive, All: 3, Wait: 2, Sending: 0, Errors: 1, Time: g.Time}, g)
	assert.False(t, s.Groups.Adjust(1000, GroupDelta{All: 1}))

	assert.Len(t, s.Groups.All(), 3)
}

func TestGroupSnapshot(t *testing.T) {
	s := NewStore(DefaultOptions(), nil)
	s.Groups.Add(&Group{ID: 3, Status: StatusPaused, Sent: 10})

	path := filepath.Join(t.TempDir(), "groups.db")
	require.NoError(t, s.Groups.Save(path))

	loaded := NewStore(DefaultOptions(), nil)
	require.NoError(t, loaded.Groups.Load(path))

	g, ok := loaded.Groups.Get(3)
	require.True(t, ok)
	assert.Equal(t, StatusPaused, g.Status)
	assert.Equal(t, int64(10), g.Sent)

	// the loaded status drives routing
	id, err := loaded.Entries.Insert(&Entry{Group: ptr(int64(3))})
	require.NoError(t, err)
	_, ok = loaded.Entries.Pop()
	assert.False(t, ok, "entry %d of a paused group must stay parked", id)
}

func TestStoreEnqueueCounters(t *testing.T) {
	s := NewStore(DefaultOptions(), nil)
	s.Groups.Ensure(5)
	msg := s.Messages.Add(&Message{})

	_, err := s.Enqueue(&Entry{Message: msg, Group: ptr(int64(5)), Retries: -3})
	require.NoError(t, err)

	g, _ := s.Groups.Get(5)
	assert.Equal(t, int64(1), g.All)
	assert.Equal(t, int64(1), g.Wait)
	m, _ := s.Messages.Get(msg)
	assert.Equal(t, int64(1), m.Tos)

	e, ok := s.Entries.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, e.Retries)

	require.NoError(t, s.Groups.SetStatus(5, StatusInactive))
	_, err = s.Enqueue(&Entry{Message: msg, Group: ptr(int64(5))})
	assert.ErrorIs(t, err, ErrGroupInactive)
	g, _ = s.Groups.Get(5)
	assert.Equal(t, int64(1), g.All, "rejected entries are not counted")

	assert.Len(t, s.Collections(), 3)
}

func TestStoreWithSyncer(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewStore(DefaultOptions(), nil)
	s.Groups.Ensure(1)
	msg := s.Messages.Add(&Message{Subject: "persist"})
	s.Enqueue(&Entry{Message: msg, Group: ptr(int64(1)), Priority: 4})

	policy, err := storage.PolicyFromPairs([][]int64{{0, 1}})
	require.NoError(t, err)
	require.NoError(t, storage.NewSyncer(dir, policy, time.Minute, logger, s.Collections()...).FlushAll())

	loaded := NewStore(DefaultOptions(), nil)
	require.NoError(t, storage.NewSyncer(dir, policy, time.Minute, logger, loaded.Collections()...).LoadAll())

	e, ok := loaded.Entries.Pop()
	require.True(t, ok)
	assert.Equal(t, 4, e.Priority)
	m, ok := loaded.Messages.Get(e.Message)
	require.True(t, ok)
	assert.Equal(t, "persist", m.Subject)
	assert.Equal(t, int64(1), m.Tos)
}

func TestStatusChangeReachesSnapshot(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy, err := storage.PolicyFromPairs([][]int64{{0, 1}})
	require.NoError(t, err)

	s := NewStore(DefaultOptions(), nil)
	s.Groups.Ensure(3)
	msg := s.Messages.Add(&Message{Subject: "parked"})
	_, err = s.Enqueue(&Entry{Message: msg, Group: ptr(int64(3)), Email: "a@example.com"})
	require.NoError(t, err)
	_, err = s.Enqueue(&Entry{Message: msg, Group: ptr(int64(3)), Email: "b@example.com", Priority: 4})
	require.NoError(t, err)

	syncer := storage.NewSyncer(dir, policy, time.Minute, logger, s.Collections()...)
	require.NoError(t, syncer.FlushAll())

	require.NoError(t, s.Groups.SetStatus(3, StatusPaused))
	assert.Positive(t, s.Entries.Changes().Pending(), "pausing rebands entries")
	syncer.Tick(time.Now().Add(time.Hour))

	loaded := NewStore(DefaultOptions(), nil)
	require.NoError(t, storage.NewSyncer(dir, policy, time.Minute, logger, loaded.Collections()...).LoadAll())
	g, ok := loaded.Groups.Get(3)
	require.True(t, ok)
	assert.Equal(t, StatusPaused, g.Status)
	_, ok = loaded.Entries.Pop()
	assert.False(t, ok, "entries of a paused group must stay parked after a reload")

	// resuming moves the priority entry back inside MaxPriority
	require.NoError(t, loaded.Groups.SetStatus(3, StatusActive))
	assert.Positive(t, loaded.Entries.Changes().Pending())
	e, ok := loaded.Entries.Pop()
	require.True(t, ok)
	assert.Equal(t, "b@example.com", e.Email)
}

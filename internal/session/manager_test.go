package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManagerWithClient(client, zap.NewNop())
	t.Cleanup(func() { m.Close() })
	return m, mr
}

func TestManagerSaveAndLoad(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	state := &State{
		ID:      "s1",
		Subject: "Acme Corp",
		Status:  StatusResearching,
		Context: map[string]string{ContextFocusArea: "financials"},
	}
	state.AddMessage("user", "Research Acme Corp")
	require.NoError(t, m.Save(ctx, state))

	loaded, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", loaded.Subject)
	assert.Equal(t, StatusResearching, loaded.Status)
	assert.Equal(t, "financials", loaded.GetContext(ContextFocusArea))
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "Research Acme Corp", loaded.Messages[0].Content)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestManagerLoadSurvivesCacheLoss(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	state := &State{ID: "s1", Subject: "Acme Corp", Status: StatusIdle}
	require.NoError(t, m.Save(ctx, state))

	// simulate a fresh process: new manager over the same redis
	m2 := NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	defer m2.Close()

	loaded, err := m2.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", loaded.Subject)
}

func TestManagerLoadNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerGetOrCreate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("empty id synthesizes a new session", func(t *testing.T) {
		state, err := m.GetOrCreate(ctx, "")
		require.NoError(t, err)
		assert.NotEmpty(t, state.ID)
		assert.Equal(t, StatusIdle, state.Status)
		assert.NotNil(t, state.Context)
	})

	t.Run("unknown id creates with that id", func(t *testing.T) {
		state, err := m.GetOrCreate(ctx, "chosen-id")
		require.NoError(t, err)
		assert.Equal(t, "chosen-id", state.ID)
	})

	t.Run("existing id loads", func(t *testing.T) {
		first, err := m.GetOrCreate(ctx, "stable")
		require.NoError(t, err)
		first.Subject = "Acme Corp"
		require.NoError(t, m.Save(ctx, first))

		again, err := m.GetOrCreate(ctx, "stable")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", again.Subject)
	})
}

func TestManagerDelete(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &State{ID: "gone"}))
	require.NoError(t, m.Delete(ctx, "gone"))

	_, err := m.Load(ctx, "gone")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &State{ID: "expiring"}))
	ttl := mr.TTL(keyPrefix + "expiring")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestManagerListSummaries(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a := &State{ID: "a", Subject: "Acme Corp"}
	a.AddMessage("user", "hi")
	a.AddMessage("assistant", "hello")
	require.NoError(t, m.Save(ctx, a))
	require.NoError(t, m.Save(ctx, &State{ID: "b", Subject: "Globex"}))

	summaries, err := m.ListSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	byID := map[string]Summary{}
	for _, s := range summaries {
		byID[s.ID] = s
	}
	assert.Equal(t, "Acme Corp", byID["a"].Subject)
	assert.Equal(t, 2, byID["a"].MessageCount)
	assert.Equal(t, "Globex", byID["b"].Subject)
}

func TestManagerLastWriteWins(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &State{ID: "s", Subject: "First"}))

	// a second process writes the same session
	m2 := NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	defer m2.Close()
	require.NoError(t, m2.Save(ctx, &State{ID: "s", Subject: "Second"}))

	// a reader with no cached copy sees the last write
	m3 := NewManagerWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	defer m3.Close()
	loaded, err := m3.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "Second", loaded.Subject)
}

func TestCacheEviction(t *testing.T) {
	m, _ := newTestManager(t)
	m.maxSessions = 4
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.Save(ctx, &State{ID: id}))
		time.Sleep(time.Millisecond)
	}

	m.mu.RLock()
	size := len(m.localCache)
	_, oldest := m.localCache["a"]
	_, newest := m.localCache["e"]
	m.mu.RUnlock()

	assert.LessOrEqual(t, size, 4)
	assert.False(t, oldest, "least recently used entries are evicted")
	assert.True(t, newest, "recent entries survive eviction")
}

func TestHistoryBound(t *testing.T) {
	s := &State{}
	for i := 0; i < 150; i++ {
		s.AddMessage("user", "m")
	}
	assert.Len(t, s.Messages, 100)
}

func TestRecentHistory(t *testing.T) {
	s := &State{}
	s.AddMessage("user", "one")
	s.AddMessage("assistant", "two")
	s.AddMessage("user", "three")

	recent := s.RecentHistory(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)

	rendered := s.HistoryString(2)
	assert.Contains(t, rendered, "Assistant: two")
	assert.Contains(t, rendered, "User: three")
}

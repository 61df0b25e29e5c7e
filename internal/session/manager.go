package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/metrics"
)

const keyPrefix = "planforge:session:"

// Manager is the Redis-backed Store implementation with a local cache for
// read performance.
type Manager struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*State
	cacheAccess map[string]time.Time
	maxSessions int
}

// NewManager connects to Redis and returns a session manager.
func NewManager(redisAddr, redisPassword string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewManagerWithClient(client, logger), nil
}

// NewManagerWithClient wraps an existing Redis client; used by tests with
// miniredis.
func NewManagerWithClient(client *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         24 * time.Hour,
		localCache:  make(map[string]*State),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}
}

// Load retrieves a session by id, or ErrSessionNotFound.
func (m *Manager) Load(ctx context.Context, id string) (*State, error) {
	m.mu.RLock()
	if state, ok := m.localCache[id]; ok {
		m.mu.RUnlock()
		metrics.SessionCacheHits.Inc()
		m.mu.Lock()
		m.cacheAccess[id] = time.Now()
		m.mu.Unlock()
		return state, nil
	}
	m.mu.RUnlock()
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	m.mu.Lock()
	m.localCache[id] = &state
	m.cacheAccess[id] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return &state, nil
}

// GetOrCreate loads the session, synthesizing a fresh one when id is empty or
// unknown.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*State, error) {
	if id != "" {
		state, err := m.Load(ctx, id)
		if err == nil {
			return state, nil
		}
		if err != ErrSessionNotFound {
			return nil, err
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	state := &State{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
		Status:    StatusIdle,
		Context:   make(map[string]string),
	}
	if err := m.Save(ctx, state); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	m.logger.Info("Created session", zap.String("session_id", id))
	return state, nil
}

// Save persists the full record. Persistence happens at discrete fully-formed
// checkpoints, so an abandoned turn leaves the last saved state intact.
func (m *Manager) Save(ctx context.Context, state *State) error {
	if state == nil {
		return fmt.Errorf("session state is nil")
	}
	state.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.client.Set(ctx, keyPrefix+state.ID, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[state.ID] = state
	m.cacheAccess[state.ID] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, id)
	delete(m.cacheAccess, id)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("Deleted session", zap.String("session_id", id))
	return nil
}

// ListSummaries scans all sessions and returns their listing views.
func (m *Manager) ListSummaries(ctx context.Context) ([]Summary, error) {
	var summaries []Summary
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // evicted between scan and get
		}
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		summaries = append(summaries, state.Summary())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return summaries, nil
}

// Close releases the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

// evictLocked removes the least recently used half of the cache when it grows
// past maxSessions. Caller holds mu.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= m.maxSessions {
		return
	}
	type entry struct {
		id   string
		time time.Time
	}
	entries := make([]entry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, entry{id: id, time: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	toRemove := m.maxSessions / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore tracks the daily call count per scope key for the window
// ending at resetAt. The in-memory implementation enforces per-process only;
// the Redis implementation shares the quota across instances.
type CounterStore interface {
	// Incr adds one call to the current window and returns the new count.
	Incr(ctx context.Context, key string, resetAt time.Time) (int64, error)
	// Count returns the current window's count without incrementing.
	Count(ctx context.Context, key string, resetAt time.Time) (int64, error)
}

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

type memoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryCounterStore() CounterStore {
	return &memoryCounterStore{entries: make(map[string]*memoryEntry)}
}

func (m *memoryCounterStore) Incr(_ context.Context, key string, resetAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.resetAt.Equal(resetAt) {
		e = &memoryEntry{resetAt: resetAt}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *memoryCounterStore) Count(_ context.Context, key string, resetAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !e.resetAt.Equal(resetAt) {
		return 0, nil
	}
	return e.count, nil
}

type redisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore backs the daily quota with Redis so that multiple
// instances share one quota. Keys expire shortly after the window closes.
func NewRedisCounterStore(client *redis.Client) CounterStore {
	return &redisCounterStore{client: client}
}

func (r *redisCounterStore) key(key string, resetAt time.Time) string {
	return fmt.Sprintf("ratelimit:daily:%s:%d", key, resetAt.Unix())
}

func (r *redisCounterStore) Incr(ctx context.Context, key string, resetAt time.Time) (int64, error) {
	rkey := r.key(key, resetAt)
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.ExpireAt(ctx, rkey, resetAt.Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisCounterStore) Count(ctx context.Context, key string, resetAt time.Time) (int64, error) {
	n, err := r.client.Get(ctx, r.key(key, resetAt)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

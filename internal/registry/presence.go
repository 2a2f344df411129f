package registry

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PresenceStore holds the per-user open-connection counters. Presence is
// reference counted, never a boolean: a second device staying open must keep
// the user online when the first one closes. Implementations must make
// increment and decrement single atomic operations.
type PresenceStore interface {
	// Increment adds one connection for the user and returns the new count.
	Increment(ctx context.Context, userID string) (int64, error)
	// Decrement removes one connection and returns the new count. The count
	// never goes below zero; a decrement at zero is a presence inconsistency
	// that the store absorbs (and the caller may log).
	Decrement(ctx context.Context, userID string) (int64, error)
	// Count returns the user's current open-connection count.
	Count(ctx context.Context, userID string) (int64, error)
}

// MemoryPresenceStore is a process-local PresenceStore. For multi-instance
// deployments use the Redis store so all instances share one set of counters.
type MemoryPresenceStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{counts: make(map[string]int64)}
}

func (s *MemoryPresenceStore) Increment(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID]++
	return s.counts[userID], nil
}

func (s *MemoryPresenceStore) Decrement(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[userID] > 0 {
		s.counts[userID]--
	}
	count := s.counts[userID]
	if count == 0 {
		delete(s.counts, userID)
	}
	return count, nil
}

func (s *MemoryPresenceStore) Count(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID], nil
}

// decrFloorScript decrements the counter without letting it go negative and
// deletes the key when it reaches zero, in one atomic step.
var decrFloorScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count <= 1 then
	redis.call('DEL', KEYS[1])
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisPresenceStore keeps the counters in Redis so every instance sees the
// same presence view.
type RedisPresenceStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisPresenceStore(client *redis.Client, keyPrefix string) *RedisPresenceStore {
	return &RedisPresenceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisPresenceStore) key(userID string) string {
	return s.keyPrefix + userID
}

func (s *RedisPresenceStore) Increment(ctx context.Context, userID string) (int64, error) {
	return s.client.Incr(ctx, s.key(userID)).Result()
}

func (s *RedisPresenceStore) Decrement(ctx context.Context, userID string) (int64, error) {
	return decrFloorScript.Run(ctx, s.client, []string{s.key(userID)}).Int64()
}

func (s *RedisPresenceStore) Count(ctx context.Context, userID string) (int64, error) {
	count, err := s.client.Get(ctx, s.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Package presence tracks which identities currently hold at least one live
// real-time connection.
package presence

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store counts live connections per user.
type Store interface {
	// Connected registers one more connection for userID and reports whether the
	// user just came online.
	Connected(ctx context.Context, userID string) (bool, error)
	// Disconnected releases one connection and reports whether the user went offline.
	Disconnected(ctx context.Context, userID string) (bool, error)
	// Online returns the sorted ids of users with at least one connection.
	Online(ctx context.Context) ([]string, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int)}
}

func (s *MemoryStore) Connected(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[userID]++
	return s.counts[userID] == 1, nil
}

func (s *MemoryStore) Disconnected(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[userID]
	if !ok {
		return false, nil
	}
	if count <= 1 {
		delete(s.counts, userID)
		return true, nil
	}
	s.counts[userID] = count - 1
	return false, nil
}

func (s *MemoryStore) Online(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.counts))
	for userID := range s.counts {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

const defaultRedisKey = "devcircle:presence"

// RedisStore keeps connection counts in a Redis hash where the roster can be
// inspected externally. Counts do not outlive a broker: call Reset at startup.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore constructs a RedisStore; an empty key selects the default hash name.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Connected(ctx context.Context, userID string) (bool, error) {
	count, err := s.client.HIncrBy(ctx, s.key, userID, 1).Result()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

func (s *RedisStore) Disconnected(ctx context.Context, userID string) (bool, error) {
	count, err := s.client.HIncrBy(ctx, s.key, userID, -1).Result()
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := s.client.HDel(ctx, s.key, userID).Err(); err != nil {
		return false, err
	}
	return count == 0, nil
}

func (s *RedisStore) Online(ctx context.Context) ([]string, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for userID, raw := range entries {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || count <= 0 {
			continue
		}
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

// Reset clears the roster; used at broker start since no connection survives a restart.
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

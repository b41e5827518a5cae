// Package session issues client identities and tracks which ones are live.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry records live client identities for the duration of a session.
type Registry interface {
	// Register claims clientID for ttl. It reports false when the id is
	// already held by a live session.
	Register(ctx context.Context, clientID string, ttl time.Duration) (bool, error)
	// Touch extends a live session. It reports false when the id is unknown or expired.
	Touch(ctx context.Context, clientID string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// RedisRegistry keeps live identities in Redis so several API instances
// share one view of them.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		prefix: "session:",
	}
}

func (s *RedisRegistry) key(clientID string) string {
	return s.prefix + clientID
}

func (s *RedisRegistry) Register(ctx context.Context, clientID string, ttl time.Duration) (bool, error) {
	created, err := s.client.SetNX(ctx, s.key(clientID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("register session: %w", err)
	}
	return created, nil
}

func (s *RedisRegistry) Touch(ctx context.Context, clientID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(clientID), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return ok, nil
}

func (s *RedisRegistry) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryRegistry is the single-process fallback used when Redis is not configured.
type MemoryRegistry struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		now:     time.Now,
		expires: make(map[string]time.Time),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, clientID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expires[clientID]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[clientID] = now.Add(ttl)
	m.sweep(now)
	return true, nil
}

func (m *MemoryRegistry) Touch(_ context.Context, clientID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	exp, ok := m.expires[clientID]
	if !ok || !now.Before(exp) {
		delete(m.expires, clientID)
		return false, nil
	}
	m.expires[clientID] = now.Add(ttl)
	return true, nil
}

func (m *MemoryRegistry) Ping(context.Context) error {
	return nil
}

// sweep drops expired entries; callers hold m.mu.
func (m *MemoryRegistry) sweep(now time.Time) {
	for id, exp := range m.expires {
		if !now.Before(exp) {
			delete(m.expires, id)
		}
	}
}

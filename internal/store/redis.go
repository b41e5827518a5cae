package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each snapshot and named result as a single Redis string,
// so every write is an atomic SET.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	snapshotTTL time.Duration
}

// NewRedisStore builds a store on client. Snapshots expire after
// snapshotTTL; zero keeps them forever. Named results never expire.
func NewRedisStore(client *redis.Client, snapshotTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      "reposcout:",
		snapshotTTL: snapshotTTL,
	}
}

func (s *RedisStore) snapshotKey(clientID string) string {
	return s.prefix + "snapshot:" + clientID
}

func (s *RedisStore) resultKey(name string) string {
	return s.prefix + "result:" + name
}

func (s *RedisStore) Replace(ctx context.Context, clientID string, repositories []string) error {
	if err := checkKey(clientID); err != nil {
		return err
	}
	payload, err := encodeSnapshot(repositories)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.snapshotKey(clientID), payload, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, clientID, url string) error {
	return s.Replace(ctx, clientID, []string{url})
}

func (s *RedisStore) Read(ctx context.Context, clientID string) ([]string, error) {
	if err := checkKey(clientID); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.snapshotKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(raw)
}

func (s *RedisStore) WriteNamed(ctx context.Context, name string, payload json.RawMessage) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := validPayload(payload); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.resultKey(name), []byte(payload), 0).Err(); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadNamed(ctx context.Context, name string) (json.RawMessage, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, s.resultKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load result: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: result %s", ErrCorrupt, name)
	}
	return raw, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares registrations between gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (s *RedisStore) key(agentID string) string {
	return s.prefix + agentID
}

func (s *RedisStore) Set(ctx context.Context, agentID string, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(agentID), b, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, agentID string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode registration %s: %w", agentID, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	return s.client.Del(ctx, s.key(agentID)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

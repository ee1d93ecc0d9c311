package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	idempotency "github.com/firefly-oss/lib-common-web-sub000"
)

// RedisStore is a redis-backed implementation of idempotency.ConditionalStore.
// Responses are stored as JSON; TTLs map to redis key expiry, and PutIfAbsent
// maps to SET NX so in-flight markers are claimed atomically across
// processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on top of an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a cached response from redis.
func (s *RedisStore) Get(ctx context.Context, key string) (*idempotency.CachedResponse, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	var response idempotency.CachedResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("decode cached response for %q: %w", key, err)
	}
	return &response, nil
}

// Put stores a response in redis with TTL.
func (s *RedisStore) Put(ctx context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode cached response for %q: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent stores a response only when the key does not exist, using
// SET NX for atomicity across processes.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, response *idempotency.CachedResponse, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return false, fmt.Errorf("encode cached response for %q: %w", key, err)
	}
	claimed, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return claimed, nil
}

// Delete removes the entry for key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Exists implements Store
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &contracts.StorageUnavailableError{Op: "exists", Key: key, Err: err}
	}
	return n > 0, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &contracts.StorageUnavailableError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

// Set implements Store
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return &contracts.StorageUnavailableError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// SetNX implements Store
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &contracts.StorageUnavailableError{Op: "setnx", Key: key, Err: err}
	}
	return ok, nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &contracts.StorageUnavailableError{Op: "del", Key: key, Err: err}
	}
	return nil
}

// Ping checks that the server answers
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &contracts.StorageUnavailableError{Op: "ping", Err: err}
	}
	return nil
}

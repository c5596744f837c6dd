package tokens

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// RedisStore persists credentials in redis. It accepts any redis.Cmdable so
// callers can hand in a single client, a cluster client or a pipeline.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store namespaced under prefix (default "mailauth:").
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mailauth:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Get fetches the raw value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

// Set writes the value without a TTL; credential expiry is the manager's
// concern, not the store's.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.prefix+key, value, 0).Err()
}

// Delete removes key; missing keys are not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

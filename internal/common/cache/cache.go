package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Store is the part of go-redis the cache needs.
type Store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Service is a JSON cache over Redis.
type Service struct {
	store  Store
	prefix string
}

func NewService(store Store, prefix string) *Service {
	return &Service{store: store, prefix: prefix}
}

func (c *Service) key(k string) string {
	return c.prefix + k
}

// Get decodes the cached value into dest.
func (c *Service) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.store.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

// Set stores value as JSON with the given TTL.
func (c *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.store.Set(ctx, c.key(key), string(data), ttl).Err()
}

// Delete drops the key.
func (c *Service) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.store.Del(ctx, full...).Err()
}

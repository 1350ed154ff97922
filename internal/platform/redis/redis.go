package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
)

// Client wraps go-redis client to allow future extensions.
type Client struct {
	*redis.Client
}

// Open creates a new Redis client and pings it to validate the connection.
func Open(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("empty redis host")
	}
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Addr()).Int("db", cfg.DB).Msg("Redis client initialized")
	return &Client{Client: c}, nil
}

// Publish appends an entry to a stream. Used by outbox-style producers.
func (c *Client) Publish(ctx context.Context, stream string, values map[string]interface{}) error {
	return c.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

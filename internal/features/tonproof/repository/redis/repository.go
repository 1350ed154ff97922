package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"referral-ledger-backend/internal/features/tonproof/repository"
)

const keyPrefixPayload = "ton_proof:payload:"

type Repository struct {
	client redis.Cmdable
}

func NewRepository(client redis.Cmdable) repository.PayloadStore {
	return &Repository{client: client}
}

func (r *Repository) Save(ctx context.Context, payload string, ttl time.Duration) error {
	if err := r.client.Set(ctx, keyPrefixPayload+payload, 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save payload: %w", err)
	}
	return nil
}

func (r *Repository) Consume(ctx context.Context, payload string) (bool, error) {
	n, err := r.client.Del(ctx, keyPrefixPayload+payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume payload: %w", err)
	}
	return n == 1, nil
}

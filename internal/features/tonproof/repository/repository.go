package repository

import (
	"context"
	"time"
)

// PayloadStore keeps issued proof payloads until they are used or expire.
type PayloadStore interface {
	Save(ctx context.Context, payload string, ttl time.Duration) error
	// Consume reports whether payload was live and removes it.
	Consume(ctx context.Context, payload string) (bool, error)
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/metrics"
)

// Actions with their own counters.
const (
	ActionReferralIP     = "referral_ip"
	ActionReferralDevice = "referral_device"
	ActionClaim          = "claim"
)

// Counter is the state of one fixed window.
type Counter struct {
	Count   int64
	ResetIn time.Duration
}

// Limiter counts events per key in fixed windows aligned to the window size.
// Increment is atomic: concurrent callers observe distinct counts.
type Limiter interface {
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
	Peek(ctx context.Context, key string, window time.Duration) (Counter, error)
}

func Key(action, identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, identity)
}

// windowKey pins a key to the window containing now.
func windowKey(key string, window time.Duration, now time.Time) (string, time.Duration) {
	start := now.Truncate(window)
	return fmt.Sprintf("%s:%d", key, start.Unix()), start.Add(window).Sub(now)
}

// Allow counts one event and fails with RateLimitExceeded once limit is passed.
func Allow(ctx context.Context, l Limiter, action, identity string, limit int, window time.Duration) (Counter, error) {
	c, err := l.Increment(ctx, Key(action, identity), window)
	if err != nil {
		return Counter{}, apperrors.NewInternalError("ratelimit.increment", err)
	}
	if c.Count > int64(limit) {
		metrics.RateLimitRejections.WithLabelValues(action).Inc()
		logger.Warn().
			Str("action", action).
			Str("identity", identity).
			Int64("count", c.Count).
			Int("limit", limit).
			Msg("Rate limit exceeded")
		return c, apperrors.NewRateLimitError(action, c.ResetIn)
	}
	return c, nil
}

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
)

// Policy bounds internal retries of transient failures.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Rate-limit rejections are retried only when they clear within MaxRateLimitWait.
	MaxRateLimitWait time.Duration
}

func NewPolicy(retryCfg config.RetryConfig, limitCfg config.RateLimitConfig) Policy {
	return Policy{
		MaxAttempts:      retryCfg.MaxAttempts,
		InitialInterval:  retryCfg.InitialInterval,
		MaxInterval:      retryCfg.MaxInterval,
		MaxRateLimitWait: limitCfg.MaxWait,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	b := &waitHint{BackOff: exp}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		b.hint = 0
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		appErr, ok := apperrors.AsAppError(err)
		if !ok || !appErr.IsRetryable() {
			return res, backoff.Permanent(err)
		}
		if appErr.Code == apperrors.ErrCodeRateLimit {
			if appErr.RetryAfter > p.MaxRateLimitWait {
				return res, backoff.Permanent(err)
			}
			b.hint = appErr.RetryAfter
		}
		return res, err
	}, policy, func(err error, wait time.Duration) {
		logger.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying transient failure")
	})
}

// waitHint lets a rate-limit error stretch the next delay to its retry-after.
type waitHint struct {
	backoff.BackOff
	hint time.Duration
}

func (w *waitHint) NextBackOff() time.Duration {
	next := w.BackOff.NextBackOff()
	if next != backoff.Stop && w.hint > next {
		return w.hint
	}
	return next
}

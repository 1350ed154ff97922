package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "referral-ledger-backend/internal/common/errors"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		InitialInterval:  time.Millisecond,
		MaxInterval:      5 * time.Millisecond,
		MaxRateLimitWait: 20 * time.Millisecond,
	}
}

func TestDoRetriesPersistenceConflict(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testPolicy(), "test", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, apperrors.NewPersistenceConflictError("write", errors.New("40001"))
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testPolicy(), "test", func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, apperrors.NewPersistenceConflictError("write", errors.New("deadlock"))
	})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePersistenceConflict))
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryDomainErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), testPolicy(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, apperrors.NewInsufficientBalanceError("0xabc", "5", "1")
	})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInsufficientBalance))
	assert.Equal(t, 1, calls)
}

func TestDoRateLimit(t *testing.T) {
	t.Run("short retry-after is retried", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), testPolicy(), "test", func(ctx context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, apperrors.NewRateLimitError("claim", 5*time.Millisecond)
			}
			return 1, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("long retry-after surfaces immediately", func(t *testing.T) {
		calls := 0
		_, err := Do(context.Background(), testPolicy(), "test", func(ctx context.Context) (int, error) {
			calls++
			return 0, apperrors.NewRateLimitError("claim", time.Minute)
		})
		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, time.Minute, appErr.RetryAfter)
		assert.Equal(t, 1, calls)
	})
}

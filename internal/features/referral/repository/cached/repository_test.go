package cached

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/cache"
	"referral-ledger-backend/internal/features/referral/models"
	"referral-ledger-backend/internal/features/referral/repository"
	"referral-ledger-backend/internal/features/referral/repository/memory"
)

type mapStore struct {
	data map[string]string
	gets int
}

func (m *mapStore) Get(_ context.Context, key string) *redis.StringCmd {
	m.gets++
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mapStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	m.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (m *mapStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// countingRepo counts GetCode calls that reach the store.
type countingRepo struct {
	repository.ReferralRepository
	reads int
}

func (c *countingRepo) GetCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	c.reads++
	return c.ReferralRepository.GetCode(ctx, code)
}

func TestCodeLookupsAreCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingRepo{ReferralRepository: memory.NewRepository()}
	store := &mapStore{data: map[string]string{}}
	repo := NewRepository(inner, cache.NewService(store, "cache:"), time.Minute)

	require.NoError(t, repo.CreateCode(ctx, &models.ReferralCode{
		Code: "ABCD1234", WalletAddress: "0xabc", Active: true, CreatedAt: time.Now().UTC(),
	}))

	for i := 0; i < 3; i++ {
		rc, err := repo.GetCode(ctx, "ABCD1234")
		require.NoError(t, err)
		assert.True(t, rc.Active)
		assert.Equal(t, "0xabc", rc.WalletAddress)
	}
	assert.Equal(t, 1, inner.reads)
	assert.Contains(t, store.data, "cache:code:ABCD1234")

	require.NoError(t, repo.SetCodeActive(ctx, "ABCD1234", false))
	assert.NotContains(t, store.data, "cache:code:ABCD1234")

	rc, err := repo.GetCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.False(t, rc.Active)
	assert.Equal(t, 2, inner.reads)
}

func TestUnknownCodesAreNotCached(t *testing.T) {
	ctx := context.Background()
	store := &mapStore{data: map[string]string{}}
	repo := NewRepository(memory.NewRepository(), cache.NewService(store, "cache:"), time.Minute)

	_, err := repo.GetCode(ctx, "NOPE0000")
	assert.ErrorIs(t, err, repository.ErrCodeNotFound)
	assert.Empty(t, store.data)
}

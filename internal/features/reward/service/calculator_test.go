package service

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/reward/repository/memory"
)

func defaultRewardConfig(t *testing.T) config.RewardConfig {
	t.Helper()
	var tiers config.TierTable
	require.NoError(t, tiers.UnmarshalText([]byte("0:1.0,5:1.5,20:2.0")))
	return config.RewardConfig{Tiers: tiers, Blending: config.BlendingMarginal, ReconcileConcurrency: 2}
}

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeCounter) set(wallet string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[wallet] = n
}

func (f *fakeCounter) CountValidated(_ context.Context, wallet string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[wallet], nil
}

func (f *fakeCounter) ListReferrersWithValidated(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for w, n := range f.counts {
		if n > 0 {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out, nil
}

func TestCompute(t *testing.T) {
	cfg := defaultRewardConfig(t)

	tests := []struct {
		count    int
		tier     int
		marginal string
		flat     string
	}{
		{count: 0, tier: 0, marginal: "0", flat: "0"},
		{count: 1, tier: 0, marginal: "1", flat: "1"},
		{count: 4, tier: 0, marginal: "4", flat: "4"},
		{count: 5, tier: 1, marginal: "5.5", flat: "7.5"},
		{count: 19, tier: 1, marginal: "26.5", flat: "28.5"},
		{count: 20, tier: 2, marginal: "28.5", flat: "40"},
		{count: 25, tier: 2, marginal: "38.5", flat: "50"},
	}

	for _, tt := range tests {
		marginal := Compute(tt.count, cfg)
		assert.Equal(t, tt.tier, marginal.TierLevel, "tier for %d", tt.count)
		assert.True(t, decimal.RequireFromString(tt.marginal).Equal(marginal.Total),
			"marginal %d: want %s got %s", tt.count, tt.marginal, marginal.Total)

		flatCfg := cfg
		flatCfg.Blending = config.BlendingFlat
		flat := Compute(tt.count, flatCfg)
		assert.True(t, decimal.RequireFromString(tt.flat).Equal(flat.Total),
			"flat %d: want %s got %s", tt.count, tt.flat, flat.Total)
	}
}

func TestComputeMilestones(t *testing.T) {
	cfg := defaultRewardConfig(t)
	require.NoError(t, cfg.Milestones.UnmarshalText([]byte("10:5,3:1")))

	got := Compute(2, cfg)
	assert.True(t, got.MilestoneBonus.IsZero())

	got = Compute(3, cfg)
	assert.True(t, decimal.NewFromInt(1).Equal(got.MilestoneBonus))
	assert.True(t, decimal.NewFromInt(4).Equal(got.Total))

	got = Compute(10, cfg)
	assert.True(t, decimal.NewFromInt(6).Equal(got.MilestoneBonus))
}

func newCalculator(t *testing.T, counter *fakeCounter) (*Calculator, *memory.Repository) {
	t.Helper()
	wallets, err := validation.NewWalletNormalizer([]string{"evm"})
	require.NoError(t, err)
	repo := memory.NewRepository()
	return NewCalculator(repo, counter, wallets, defaultRewardConfig(t), retry.Policy{MaxAttempts: 1}), repo
}

func TestRecomputeFifthReferralCrossesTier(t *testing.T) {
	ctx := context.Background()
	const wallet = "0x1111111111111111111111111111111111111111"
	counter := &fakeCounter{counts: map[string]int{}}
	calc, _ := newCalculator(t, counter)

	counter.set(wallet, 4)
	b, err := calc.Recompute(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 0, b.TierLevel)
	assert.Equal(t, "4", b.TotalAccrued.String())

	counter.set(wallet, 5)
	b, err = calc.Recompute(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 1, b.TierLevel)
	assert.Equal(t, "5.5", b.TotalAccrued.String())

	// idempotent without new referrals
	again, err := calc.Recompute(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, b.TierLevel, again.TierLevel)
	assert.True(t, b.TotalAccrued.Equal(again.TotalAccrued))
}

func TestRecomputeNeverDecreases(t *testing.T) {
	ctx := context.Background()
	const wallet = "0x2222222222222222222222222222222222222222"
	counter := &fakeCounter{counts: map[string]int{wallet: 6}}
	calc, _ := newCalculator(t, counter)

	b, err := calc.Recompute(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, "7", b.TotalAccrued.String())

	// a referral rejected after review lowers the count, but accrual stays put
	counter.set(wallet, 4)
	b, err = calc.Recompute(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, 1, b.TierLevel)
	assert.Equal(t, "7", b.TotalAccrued.String())
}

func TestBalanceOfUnknownWalletIsZero(t *testing.T) {
	calc, _ := newCalculator(t, &fakeCounter{counts: map[string]int{}})

	b, err := calc.Balance(context.Background(), "0x3333333333333333333333333333333333333333")
	require.NoError(t, err)
	assert.True(t, b.TotalAccrued.IsZero())
	assert.True(t, b.Available().IsZero())

	_, err = calc.Balance(context.Background(), "not-a-wallet")
	require.Error(t, err)
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{counts: map[string]int{
		"0x4444444444444444444444444444444444444444": 1,
		"0x5555555555555555555555555555555555555555": 5,
		"0x6666666666666666666666666666666666666666": 20,
	}}
	calc, repo := newCalculator(t, counter)

	n, err := calc.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := repo.Get(ctx, "0x6666666666666666666666666666666666666666")
	require.NoError(t, err)
	assert.Equal(t, 2, b.TierLevel)
	assert.Equal(t, "28.5", b.TotalAccrued.String())
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/claim/models"
	claimmemory "referral-ledger-backend/internal/features/claim/repository/memory"
	"referral-ledger-backend/internal/features/ratelimit"
	rewardmemory "referral-ledger-backend/internal/features/reward/repository/memory"
)

const testWallet = "0x7777777777777777777777777777777777777777"

type recordingQueue struct {
	mu      sync.Mutex
	records []*models.ClaimRecord
}

func (q *recordingQueue) Enqueue(_ context.Context, rec *models.ClaimRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
}

type ledgerEnv struct {
	ledger   *Ledger
	balances *rewardmemory.Repository
	queue    *recordingQueue
	clock    time.Time
}

func newLedgerEnv(t *testing.T, periodCap string, accrued string) *ledgerEnv {
	t.Helper()
	wallets, err := validation.NewWalletNormalizer([]string{"evm"})
	require.NoError(t, err)

	balances := rewardmemory.NewRepository()
	if accrued != "" {
		_, err := balances.ApplyAccrual(context.Background(), testWallet, 0, decimal.RequireFromString(accrued), time.Now())
		require.NoError(t, err)
	}

	env := &ledgerEnv{
		balances: balances,
		queue:    &recordingQueue{},
		clock:    time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC),
	}
	env.ledger = NewLedger(
		claimmemory.NewRepository(balances),
		wallets,
		nil,
		env.queue,
		nil,
		ratelimit.NewMemoryLimiter(),
		config.ClaimConfig{
			Period:          24 * time.Hour,
			PeriodCap:       decimal.RequireFromString(periodCap),
			SettlementToken: "TON",
			SettlementRate:  decimal.RequireFromString("0.5"),
		},
		config.RateLimitConfig{ClaimAttempts: 1000, ClaimWindow: time.Minute},
		retry.Policy{MaxAttempts: 1},
	)
	env.ledger.now = func() time.Time { return env.clock }
	return env
}

func (e *ledgerEnv) claim(amount string) (*models.ClaimRecord, error) {
	return e.ledger.Claim(context.Background(), testWallet, decimal.RequireFromString(amount))
}

func (e *ledgerEnv) claimed(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := e.balances.Get(context.Background(), testWallet)
	require.NoError(t, err)
	return b.TotalClaimed
}

func TestDailyCapScenario(t *testing.T) {
	env := newLedgerEnv(t, "5.0", "10.0")

	rec, err := env.claim("3.0")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19", rec.PeriodKey)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Nil(t, rec.TransactionHash)
	assert.Equal(t, "1.5", rec.SettlementAmount.String())
	assert.Equal(t, "TON", rec.SettlementToken)

	_, err = env.claim("3.0")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeClaimLimitExceeded))
	assert.Equal(t, "3", env.claimed(t).String(), "rejected claim must leave totalClaimed unchanged")

	_, err = env.claim("2.0")
	require.NoError(t, err)
	assert.Equal(t, "5", env.claimed(t).String())

	_, err = env.claim("0.01")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeClaimLimitExceeded))

	// next UTC day opens a fresh period
	env.clock = env.clock.Add(15 * time.Hour)
	rec, err = env.claim("4.0")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-20", rec.PeriodKey)

	env.queue.mu.Lock()
	defer env.queue.mu.Unlock()
	assert.Len(t, env.queue.records, 3)
}

func TestClaimChecks(t *testing.T) {
	tests := []struct {
		name    string
		accrued string
		cap     string
		wallet  string
		amount  string
		want    apperrors.ErrorCode
	}{
		{name: "more than available", accrued: "2", cap: "100", wallet: testWallet, amount: "2.5", want: apperrors.ErrCodeInsufficientBalance},
		{name: "no balance at all", cap: "100", wallet: testWallet, amount: "1", want: apperrors.ErrCodeInsufficientBalance},
		{name: "balance checked before cap", accrued: "2", cap: "1", wallet: testWallet, amount: "3", want: apperrors.ErrCodeInsufficientBalance},
		{name: "over cap", accrued: "10", cap: "1", wallet: testWallet, amount: "2", want: apperrors.ErrCodeClaimLimitExceeded},
		{name: "zero amount", accrued: "10", cap: "100", wallet: testWallet, amount: "0", want: apperrors.ErrCodeValidation},
		{name: "negative amount", accrued: "10", cap: "100", wallet: testWallet, amount: "-1", want: apperrors.ErrCodeValidation},
		{name: "bad wallet", accrued: "10", cap: "100", wallet: "0xnope", amount: "1", want: apperrors.ErrCodeInvalidWalletFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newLedgerEnv(t, tt.cap, tt.accrued)
			_, err := env.ledger.Claim(context.Background(), tt.wallet, decimal.RequireFromString(tt.amount))
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
}

func TestInsufficientBalanceReportsAvailable(t *testing.T) {
	env := newLedgerEnv(t, "100", "2")
	_, err := env.claim("1.5")
	require.NoError(t, err)

	_, err = env.claim("1")
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "0.5", appErr.Details["available"])
}

func TestConcurrentClaimsNeverOverdraw(t *testing.T) {
	env := newLedgerEnv(t, "100", "5")

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.claim("1")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInsufficientBalance))
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	b, err := env.balances.Get(context.Background(), testWallet)
	require.NoError(t, err)
	assert.True(t, b.TotalClaimed.LessThanOrEqual(b.TotalAccrued))
	assert.Equal(t, "5", b.TotalClaimed.String())
}

func TestClaimRateLimit(t *testing.T) {
	env := newLedgerEnv(t, "100", "10")
	env.ledger.limits.ClaimAttempts = 2

	_, err := env.claim("1")
	require.NoError(t, err)
	_, err = env.claim("1")
	require.NoError(t, err)

	_, err = env.claim("1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRateLimit))
	assert.Equal(t, "2", env.claimed(t).String())
}

func TestSettlementTransitions(t *testing.T) {
	ctx := context.Background()
	env := newLedgerEnv(t, "100", "10")
	rec, err := env.claim("1")
	require.NoError(t, err)

	env.clock = env.clock.Add(time.Hour)
	pending, err := env.ledger.ListPending(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)

	settled, err := env.ledger.MarkSettled(ctx, rec.ID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, settled.Status)
	require.NotNil(t, settled.TransactionHash)
	assert.Equal(t, "abc123", *settled.TransactionHash)

	_, err = env.ledger.MarkFailed(ctx, rec.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	pending, err = env.ledger.ListPending(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err := env.ledger.History(ctx, testWallet)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusSettled, history[0].Status)
}

func TestPeriodKey(t *testing.T) {
	ts := time.Date(2026, 10, 19, 23, 59, 0, 0, time.FixedZone("UTC+3", 3*3600))
	assert.Equal(t, "2026-10-19", PeriodKey(ts, 24*time.Hour))
	assert.Equal(t, "2026-10-19T20:00:00Z", PeriodKey(ts, 4*time.Hour))
}

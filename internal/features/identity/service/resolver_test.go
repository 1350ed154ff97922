package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/identity/repository/memory"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
	walletC = "0x3333333333333333333333333333333333333333"
)

type fakeSessions struct {
	active map[string]bool
}

func (f *fakeSessions) HasActiveSession(_ context.Context, wallet, deviceID string) (bool, error) {
	return f.active[wallet+"/"+deviceID], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestResolver(t *testing.T, cfg config.IdentityConfig) (*Resolver, *memory.Repository, *fakeSessions, *clock) {
	t.Helper()
	wallets, err := validation.NewWalletNormalizer([]string{"evm", "ton", "solana"})
	require.NoError(t, err)

	repo := memory.NewRepository()
	sessions := &fakeSessions{active: map[string]bool{}}
	clk := &clock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := NewResolver(repo, wallets, sessions, cfg, retry.Policy{MaxAttempts: 1})
	r.now = clk.Now
	return r, repo, sessions, clk
}

func defaultIdentityConfig() config.IdentityConfig {
	return config.IdentityConfig{MaxDevicesPerWallet: 3, MaxWalletsPerDevice: 5}
}

func device(id string) models.DeviceInfo {
	return models.DeviceInfo{DeviceID: id, UserAgent: "test-agent", IP: "10.0.0.1"}
}

func TestResolveCreatesAndNormalizes(t *testing.T) {
	r, _, _, _ := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	first, err := r.Resolve(ctx, "0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD", device("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", first.WalletAddress)
	assert.Equal(t, validation.WalletEVM, first.WalletType)
	assert.True(t, first.Active)
	require.Len(t, first.Devices, 1)

	second, err := r.Resolve(ctx, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", device("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, first.WalletAddress, second.WalletAddress)
	assert.Equal(t, first.FirstSeenAt, second.FirstSeenAt)
	assert.Len(t, second.Devices, 1)
}

func TestResolveRejectsInvalidInput(t *testing.T) {
	r, _, _, _ := newTestResolver(t, defaultIdentityConfig())

	_, err := r.Resolve(context.Background(), "0xnothex", device("dev-1"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidWalletFormat))

	_, err = r.Resolve(context.Background(), walletA, device(""))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestResolveConcurrentIsIdempotent(t *testing.T) {
	r, repo, _, _ := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(ctx, walletA, device("dev-1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	links, err := repo.LinkedDevices(ctx, walletA)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestResolveDeviceCap(t *testing.T) {
	r, _, sessions, clk := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := r.Resolve(ctx, walletA, device(fmt.Sprintf("dev-%d", i)))
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	_, err := r.Resolve(ctx, walletA, device("dev-4"))
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceLimitExceeded))

	// a linked device keeps working at the cap
	_, err = r.Resolve(ctx, walletA, device("dev-2"))
	require.NoError(t, err)

	// dev-1 is the oldest but busy, dev-3 was seen before dev-2's refresh
	sessions.active[walletA+"/dev-1"] = true
	evicted, err := r.EvictOldestInactiveDevice(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, "dev-3", evicted.DeviceID)

	ident, err := r.Resolve(ctx, walletA, device("dev-4"))
	require.NoError(t, err)
	assert.Len(t, ident.Devices, 3)
	assert.True(t, ident.HasDevice("dev-4"))
}

func TestEvictFailsWhenAllDevicesBusy(t *testing.T) {
	r, _, sessions, _ := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	_, err := r.Resolve(ctx, walletA, device("dev-1"))
	require.NoError(t, err)
	sessions.active[walletA+"/dev-1"] = true

	_, err = r.EvictOldestInactiveDevice(ctx, walletA)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceLimitExceeded))
}

func TestResolveDeviceSharedTooWidelyRollsBack(t *testing.T) {
	cfg := defaultIdentityConfig()
	cfg.MaxWalletsPerDevice = 2
	r, _, _, _ := newTestResolver(t, cfg)
	ctx := context.Background()

	_, err := r.Resolve(ctx, walletA, device("shared"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, walletB, device("shared"))
	require.NoError(t, err)

	_, err = r.Resolve(ctx, walletC, device("shared"))
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeDeviceLimitExceeded, appErr.Code)
	assert.Equal(t, reasonDeviceShared, appErr.Details["reason"])

	// the half-created identity must not survive the failed resolution
	_, err = r.Get(ctx, walletC)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestBindTelegram(t *testing.T) {
	r, _, _, _ := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	_, err := r.Resolve(ctx, walletA, device("dev-1"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, walletB, device("dev-2"))
	require.NoError(t, err)

	require.NoError(t, r.BindTelegram(ctx, walletA, 42))
	require.NoError(t, r.BindTelegram(ctx, walletA, 42))

	err = r.BindTelegram(ctx, walletA, 43)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = r.BindTelegram(ctx, walletB, 42)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	ident, err := r.GetByTelegramID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, walletA, ident.WalletAddress)
}

func TestDeactivateAndEmail(t *testing.T) {
	r, _, _, _ := newTestResolver(t, defaultIdentityConfig())
	ctx := context.Background()

	_, err := r.Resolve(ctx, walletA, device("dev-1"))
	require.NoError(t, err)

	require.NoError(t, r.SetEmail(ctx, walletA, "a@example.com"))
	assert.True(t, apperrors.HasCode(r.SetEmail(ctx, walletA, "nope"), apperrors.ErrCodeValidation))
	require.NoError(t, r.Deactivate(ctx, walletA))

	ident, err := r.Get(ctx, walletA)
	require.NoError(t, err)
	assert.False(t, ident.Active)
	require.NotNil(t, ident.Email)
	assert.Equal(t, "a@example.com", *ident.Email)
}

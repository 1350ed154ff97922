package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	identitymemory "referral-ledger-backend/internal/features/identity/repository/memory"
	identityservice "referral-ledger-backend/internal/features/identity/service"
	"referral-ledger-backend/internal/features/session/repository/memory"
)

const sessionWallet = "0x8888888888888888888888888888888888888888"

func newTracker(t *testing.T) (*Tracker, *identityservice.Resolver, *time.Time) {
	t.Helper()
	wallets, err := validation.NewWalletNormalizer([]string{"evm"})
	require.NoError(t, err)
	resolver := identityservice.NewResolver(identitymemory.NewRepository(), wallets, nil,
		config.IdentityConfig{MaxDevicesPerWallet: 2, MaxWalletsPerDevice: 5}, retry.Policy{MaxAttempts: 1})

	tracker := NewTracker(memory.NewRepository(), resolver, retry.Policy{MaxAttempts: 1})
	resolver.SetSessionChecker(tracker)

	clock := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return clock }
	return tracker, resolver, &clock
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	tracker, _, clock := newTracker(t)
	device := identitymodels.DeviceInfo{DeviceID: "phone"}

	s, err := tracker.Start(ctx, sessionWallet, device)
	require.NoError(t, err)
	assert.True(t, s.Active)

	// reconnecting reuses the open session
	*clock = clock.Add(time.Minute)
	again, err := tracker.Start(ctx, sessionWallet, device)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, *clock, again.LastActive)

	*clock = clock.Add(90 * time.Second)
	_, err = tracker.Heartbeat(ctx, s.ID)
	require.NoError(t, err)

	*clock = clock.Add(30 * time.Second)
	ended, err := tracker.End(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)
	require.NotNil(t, ended.DurationSeconds)
	assert.Equal(t, int64(180), *ended.DurationSeconds)

	_, err = tracker.Heartbeat(ctx, s.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	active, err := tracker.HasActiveSession(ctx, sessionWallet, "phone")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestExpireIdle(t *testing.T) {
	ctx := context.Background()
	tracker, _, clock := newTracker(t)

	idle, err := tracker.Start(ctx, sessionWallet, identitymodels.DeviceInfo{DeviceID: "old"})
	require.NoError(t, err)
	*clock = clock.Add(20 * time.Minute)
	fresh, err := tracker.Start(ctx, sessionWallet, identitymodels.DeviceInfo{DeviceID: "new"})
	require.NoError(t, err)

	*clock = clock.Add(15 * time.Minute)
	n, err := tracker.ExpireIdle(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	closed, err := tracker.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.False(t, closed.Active)
	assert.Equal(t, int64(0), *closed.DurationSeconds)

	stillOpen, err := tracker.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, stillOpen.Active)
}

func TestEvictionSkipsDevicesInSession(t *testing.T) {
	ctx := context.Background()
	tracker, resolver, _ := newTracker(t)

	_, err := tracker.Start(ctx, sessionWallet, identitymodels.DeviceInfo{DeviceID: "busy"})
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, sessionWallet, identitymodels.DeviceInfo{DeviceID: "idle"})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, sessionWallet, identitymodels.DeviceInfo{DeviceID: "third"})
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceLimitExceeded))

	evicted, err := resolver.EvictOldestInactiveDevice(ctx, sessionWallet)
	require.NoError(t, err)
	assert.Equal(t, "idle", evicted.DeviceID)
}

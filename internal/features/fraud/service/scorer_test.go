package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/fraud/models"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	identitymemory "referral-ledger-backend/internal/features/identity/repository/memory"
	identityservice "referral-ledger-backend/internal/features/identity/service"
	"referral-ledger-backend/internal/features/ratelimit"
)

var t0 = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func testFraudConfig() config.FraudConfig {
	return config.FraudConfig{
		DeviceSharingWeight:  0.4,
		WalletAgeWeight:      0.15,
		VelocityWeight:       0.15,
		SelfReferralWeight:   0.7,
		SuspiciousThreshold:  0.7,
		SharedDeviceWallets:  2,
		DeviceLookback:       30 * 24 * time.Hour,
		FreshWalletWindow:    10 * time.Minute,
		WalletMaturityWindow: 24 * time.Hour,
	}
}

func TestSignals(t *testing.T) {
	cfg := testFraudConfig()
	base := models.Snapshot{
		ReferrerWallet:    "r",
		ReferredWallet:    "c",
		DeviceID:          "d",
		ReferredFirstSeen: t0.Add(-48 * time.Hour),
		Now:               t0,
		IPCap:             10,
		DeviceCap:         10,
	}

	tests := []struct {
		name   string
		mutate func(s *models.Snapshot)
		want   models.Signals
	}{
		{
			name: "clean mature wallet",
			want: models.Signals{},
		},
		{
			name:   "one other wallet on device is half",
			mutate: func(s *models.Snapshot) { s.DeviceWallets = []string{"c", "x"} },
			want:   models.Signals{DeviceSharing: 0.5},
		},
		{
			name:   "two other wallets saturate",
			mutate: func(s *models.Snapshot) { s.DeviceWallets = []string{"x", "y", "z", "x"} },
			want:   models.Signals{DeviceSharing: 1},
		},
		{
			name:   "fresh wallet",
			mutate: func(s *models.Snapshot) { s.ReferredFirstSeen = t0.Add(-5 * time.Minute) },
			want:   models.Signals{WalletAge: 1},
		},
		{
			name:   "unknown wallet counts as fresh",
			mutate: func(s *models.Snapshot) { s.ReferredFirstSeen = time.Time{} },
			want:   models.Signals{WalletAge: 1},
		},
		{
			name:   "wallet age halfway through maturity",
			mutate: func(s *models.Snapshot) { s.ReferredFirstSeen = t0.Add(-10*time.Minute - 12*time.Hour) },
			want:   models.Signals{WalletAge: 0.5},
		},
		{
			name:   "velocity takes the worse of ip and device",
			mutate: func(s *models.Snapshot) { s.IPCount = 3; s.DeviceCount = 6 },
			want:   models.Signals{Velocity: 0.6},
		},
		{
			name:   "velocity clamps at one",
			mutate: func(s *models.Snapshot) { s.IPCount = 30 },
			want:   models.Signals{Velocity: 1},
		},
		{
			name:   "same wallet is self referral",
			mutate: func(s *models.Snapshot) { s.ReferredWallet = "r" },
			want:   models.Signals{SelfReferral: 1},
		},
		{
			name:   "shared device is self referral",
			mutate: func(s *models.Snapshot) { s.ReferrerDevices = []string{"other", "d"} },
			want:   models.Signals{SelfReferral: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			if tt.mutate != nil {
				tt.mutate(&s)
			}
			got := Score(s, cfg).Signals
			assert.InDelta(t, tt.want.DeviceSharing, got.DeviceSharing, 1e-9)
			assert.InDelta(t, tt.want.WalletAge, got.WalletAge, 1e-9)
			assert.InDelta(t, tt.want.Velocity, got.Velocity, 1e-9)
			assert.InDelta(t, tt.want.SelfReferral, got.SelfReferral, 1e-9)
		})
	}
}

func TestScoreIsClampedAndDeterministic(t *testing.T) {
	cfg := testFraudConfig()
	s := models.Snapshot{
		ReferrerWallet:  "a",
		ReferredWallet:  "c",
		DeviceID:        "d",
		DeviceWallets:   []string{"a", "b", "c"},
		ReferrerDevices: []string{"d"},
		Now:             t0,
		IPCount:         10,
		IPCap:           10,
	}

	first := Score(s, cfg)
	second := Score(s, cfg)

	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, first.Score)
	assert.True(t, first.Suspicious)
}

func TestScoreThresholdIsInclusive(t *testing.T) {
	cfg := testFraudConfig()
	cfg.SelfReferralWeight = 0.7
	s := models.Snapshot{ReferrerWallet: "a", ReferredWallet: "a", ReferredFirstSeen: t0.Add(-72 * time.Hour), Now: t0}

	got := Score(s, cfg)
	assert.InDelta(t, 0.7, got.Score, 1e-9)
	assert.True(t, got.Suspicious)

	cfg.SelfReferralWeight = 0.69
	assert.False(t, Score(s, cfg).Suspicious)
}

func TestAssessSharedDeviceScenario(t *testing.T) {
	ctx := context.Background()
	wallets, err := validation.NewWalletNormalizer([]string{"evm"})
	require.NoError(t, err)
	idRepo := identitymemory.NewRepository()
	resolver := identityservice.NewResolver(idRepo, wallets, nil,
		config.IdentityConfig{MaxDevicesPerWallet: 3, MaxWalletsPerDevice: 5}, retry.Policy{MaxAttempts: 1})

	const (
		a = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		b = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
		c = "0xcccccccccccccccccccccccccccccccccccccccc"
	)
	dev := identitymodels.DeviceInfo{DeviceID: "D", IP: "192.0.2.1"}
	for _, w := range []string{a, b, c} {
		_, err := resolver.Resolve(ctx, w, dev)
		require.NoError(t, err)
	}

	limiter := ratelimit.NewMemoryLimiter()
	assessor := NewAssessor(idRepo, limiter, testFraudConfig(), config.RateLimitConfig{
		ReferralPerIP: 20, ReferralPerDevice: 10, ReferralWindow: time.Hour,
	})

	got, err := assessor.Assess(ctx, a, c, dev)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Signals.DeviceSharing)
	assert.Equal(t, 1.0, got.Signals.SelfReferral)
	assert.Equal(t, 1.0, got.Signals.WalletAge)
	assert.True(t, got.Suspicious)

	// an unrelated referrer on a clean device stays below the threshold
	got, err = assessor.Assess(ctx, b, "0xdddddddddddddddddddddddddddddddddddddddd",
		identitymodels.DeviceInfo{DeviceID: "clean", IP: "198.51.100.7"})
	require.NoError(t, err)
	assert.False(t, got.Suspicious)
	assert.Less(t, got.Score, 0.7)
}

func TestTelegramRegistrationHintCarriesNoWeight(t *testing.T) {
	cfg := testFraudConfig()
	s := models.Snapshot{
		ReferrerWallet:    "r",
		ReferredWallet:    "c",
		DeviceID:          "d",
		ReferredFirstSeen: t0.Add(-48 * time.Hour),
		Now:               t0,
	}
	without := Score(s, cfg)

	id := int64(7679610)
	s.ReferredTelegramID = &id
	with := Score(s, cfg)

	require.NotNil(t, with.Signals.TelegramRegisteredAt)
	assert.Equal(t, 2013, with.Signals.TelegramRegisteredAt.Year())
	assert.Equal(t, without.Score, with.Score)
	assert.Nil(t, without.Signals.TelegramRegisteredAt)
}

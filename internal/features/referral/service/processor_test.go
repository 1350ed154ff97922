package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	fraudservice "referral-ledger-backend/internal/features/fraud/service"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	identitymemory "referral-ledger-backend/internal/features/identity/repository/memory"
	identityservice "referral-ledger-backend/internal/features/identity/service"
	"referral-ledger-backend/internal/features/ratelimit"
	"referral-ledger-backend/internal/features/referral/models"
	referralmemory "referral-ledger-backend/internal/features/referral/repository/memory"
	rewardmemory "referral-ledger-backend/internal/features/reward/repository/memory"
	rewardservice "referral-ledger-backend/internal/features/reward/service"
	"referral-ledger-backend/internal/service/notifications"
)

type sentNotification struct {
	email, kind string
	payload     map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(to notifications.Recipient, kind string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{email: to.Email, kind: kind, payload: payload})
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testEnv struct {
	proc     *Processor
	resolver *identityservice.Resolver
	rewards  *rewardservice.Calculator
	refs     *referralmemory.Repository
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, limits config.RateLimitConfig) *testEnv {
	t.Helper()

	wallets, err := validation.NewWalletNormalizer([]string{"evm", "ton", "solana"})
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	idRepo := identitymemory.NewRepository()
	resolver := identityservice.NewResolver(idRepo, wallets, nil,
		config.IdentityConfig{MaxDevicesPerWallet: 3, MaxWalletsPerDevice: 5}, policy)

	var tiers config.TierTable
	require.NoError(t, tiers.UnmarshalText([]byte("0:1.0,5:1.5,20:2.0")))
	refs := referralmemory.NewRepository()
	rewards := rewardservice.NewCalculator(rewardmemory.NewRepository(), refs, wallets,
		config.RewardConfig{Tiers: tiers, Blending: config.BlendingMarginal}, policy)

	limiter := ratelimit.NewMemoryLimiter()
	assessor := fraudservice.NewAssessor(idRepo, limiter, config.FraudConfig{
		DeviceSharingWeight:  0.4,
		WalletAgeWeight:      0.15,
		VelocityWeight:       0.15,
		SelfReferralWeight:   0.7,
		SuspiciousThreshold:  0.7,
		SharedDeviceWallets:  2,
		DeviceLookback:       720 * time.Hour,
		FreshWalletWindow:    10 * time.Minute,
		WalletMaturityWindow: 24 * time.Hour,
	}, limits)

	notifier := &recordingNotifier{}
	proc := NewProcessor(refs, resolver, assessor, rewards, notifier, limiter, limits, policy)
	return &testEnv{proc: proc, resolver: resolver, rewards: rewards, refs: refs, notifier: notifier}
}

func defaultLimits() config.RateLimitConfig {
	return config.RateLimitConfig{ReferralPerIP: 1000, ReferralPerDevice: 1000, ReferralWindow: time.Hour}
}

func wallet(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

// referrer registers a wallet on its own device and issues its code.
func (e *testEnv) referrer(t *testing.T, address, deviceID string) *models.ReferralCode {
	t.Helper()
	ctx := context.Background()
	_, err := e.resolver.Resolve(ctx, address, identitymodels.DeviceInfo{DeviceID: deviceID})
	require.NoError(t, err)
	code, err := e.proc.IssueCode(ctx, address)
	require.NoError(t, err)
	return code
}

func TestIssueCodeIsIdempotent(t *testing.T) {
	env := newTestEnv(t, defaultLimits())
	first := env.referrer(t, wallet(1), "dev-1")

	second, err := env.proc.IssueCode(context.Background(), wallet(1))
	require.NoError(t, err)
	assert.Equal(t, first.Code, second.Code)
	assert.Len(t, first.Code, codeLength)
	assert.NoError(t, validation.ValidateReferralCode(first.Code))

	_, err = env.proc.IssueCode(context.Background(), wallet(2))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestProcessReferralValidatesAndAccrues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	code := env.referrer(t, wallet(1), "dev-r")
	require.NoError(t, env.resolver.SetEmail(ctx, wallet(1), "r@example.com"))

	res, err := env.proc.ProcessReferral(ctx, code.Code, wallet(2),
		identitymodels.DeviceInfo{DeviceID: "dev-c", IP: "198.51.100.1"})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCreated, res.Outcome)
	assert.Equal(t, models.StatusValidated, res.Relationship.Status)
	assert.NotNil(t, res.Relationship.ValidatedAt)
	assert.Less(t, res.Relationship.FraudScore, 0.7)

	balance, err := env.rewards.Balance(ctx, wallet(1))
	require.NoError(t, err)
	assert.Equal(t, "1", balance.TotalAccrued.String())

	require.Equal(t, 1, env.notifier.count())
	assert.Equal(t, notifications.KindReferralValidated, env.notifier.sent[0].kind)
	assert.Equal(t, "r@example.com", env.notifier.sent[0].email)
}

func TestProcessReferralIsIdempotentForSamePair(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	code := env.referrer(t, wallet(1), "dev-r")
	device := identitymodels.DeviceInfo{DeviceID: "dev-c", IP: "198.51.100.1"}

	first, err := env.proc.ProcessReferral(ctx, code.Code, wallet(2), device)
	require.NoError(t, err)
	assert.Nil(t, first.Reason)

	// lowercase code and mixed-case address still hit the same relationship
	second, err := env.proc.ProcessReferral(ctx, "  "+strings.ToLower(code.Code), "0x"+strings.ToUpper(wallet(2)[2:]), device)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.Relationship.ID, second.Relationship.ID)
	require.NotNil(t, second.Reason)
	assert.Equal(t, apperrors.ErrCodeDuplicateReferral, second.Reason.Code)

	n, err := env.refs.CountValidated(ctx, wallet(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessReferralRejectsSecondReferrer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	codeA := env.referrer(t, wallet(1), "dev-a")
	codeB := env.referrer(t, wallet(2), "dev-b")
	device := identitymodels.DeviceInfo{DeviceID: "dev-c"}

	_, err := env.proc.ProcessReferral(ctx, codeA.Code, wallet(3), device)
	require.NoError(t, err)

	_, err = env.proc.ProcessReferral(ctx, codeB.Code, wallet(3), device)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDuplicateReferral))
}

func TestProcessReferralCodeChecks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	code := env.referrer(t, wallet(1), "dev-r")
	device := identitymodels.DeviceInfo{DeviceID: "dev-c"}

	tests := []struct {
		name    string
		prepare func()
		code    string
		address string
		want    apperrors.ErrorCode
	}{
		{name: "malformed code", code: "ab", address: wallet(2), want: apperrors.ErrCodeInvalidReferralCode},
		{name: "unknown code", code: "ZZZZZZZZ", address: wallet(2), want: apperrors.ErrCodeInvalidReferralCode},
		{name: "bad wallet", code: code.Code, address: "0x123", want: apperrors.ErrCodeInvalidWalletFormat},
		{
			name:    "deactivated code",
			prepare: func() { require.NoError(t, env.proc.DeactivateCode(ctx, code.Code)) },
			code:    code.Code,
			address: wallet(2),
			want:    apperrors.ErrCodeInvalidReferralCode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.prepare != nil {
				tt.prepare()
			}
			_, err := env.proc.ProcessReferral(ctx, tt.code, tt.address, device)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
}

func TestSharedDeviceReferralIsSuspiciousUntilReviewed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	shared := identitymodels.DeviceInfo{DeviceID: "device-D", IP: "192.0.2.10"}

	a, b, c := wallet(0xa), wallet(0xb), wallet(0xc)
	_, err := env.resolver.Resolve(ctx, a, shared)
	require.NoError(t, err)
	_, err = env.resolver.Resolve(ctx, b, shared)
	require.NoError(t, err)
	code, err := env.proc.IssueCode(ctx, a)
	require.NoError(t, err)

	res, err := env.proc.ProcessReferral(ctx, code.Code, c, shared)
	require.NoError(t, err)
	rel := res.Relationship
	assert.Equal(t, models.StatusSuspicious, rel.Status)
	require.NotNil(t, res.Reason)
	assert.Equal(t, apperrors.ErrCodeSuspiciousReferral, res.Reason.Code)
	assert.GreaterOrEqual(t, rel.FraudScore, 0.7)
	assert.Equal(t, 1.0, rel.Signals.DeviceSharing)
	assert.Nil(t, rel.ValidatedAt)

	balance, err := env.rewards.Balance(ctx, a)
	require.NoError(t, err)
	assert.True(t, balance.TotalAccrued.IsZero(), "suspicious referrals earn nothing")

	reviewed, err := env.proc.ReviewReferral(ctx, rel.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, reviewed.Status)
	assert.NotNil(t, reviewed.ReviewedAt)

	balance, err = env.rewards.Balance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "1", balance.TotalAccrued.String())

	// exactly once
	_, err = env.proc.ReviewReferral(ctx, rel.ID, false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestRejectedReferralFreesReferredWallet(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	shared := identitymodels.DeviceInfo{DeviceID: "device-D"}
	_, err := env.resolver.Resolve(ctx, wallet(1), shared)
	require.NoError(t, err)
	codeA, err := env.proc.IssueCode(ctx, wallet(1))
	require.NoError(t, err)
	codeB := env.referrer(t, wallet(2), "dev-b")

	res, err := env.proc.ProcessReferral(ctx, codeA.Code, wallet(3), shared)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuspicious, res.Relationship.Status)

	_, err = env.proc.ReviewReferral(ctx, res.Relationship.ID, false)
	require.NoError(t, err)

	res, err = env.proc.ProcessReferral(ctx, codeB.Code, wallet(3), identitymodels.DeviceInfo{DeviceID: "dev-c"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreated, res.Outcome)
	assert.Equal(t, wallet(2), res.Relationship.ReferrerWallet)
}

func TestConcurrentRedemptionYieldsOneRelationship(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultLimits())
	code := env.referrer(t, wallet(1), "dev-r")
	device := identitymodels.DeviceInfo{DeviceID: "dev-c", IP: "198.51.100.1"}

	const callers = 100
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		duplicates int
		ids        = make(map[string]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.proc.ProcessReferral(ctx, code.Code, wallet(2), device)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Relationship.ID.String()] = struct{}{}
			switch res.Outcome {
			case models.OutcomeCreated:
				created++
			case models.OutcomeDuplicate:
				duplicates++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, duplicates)
	assert.Len(t, ids, 1)

	n, err := env.refs.CountValidated(ctx, wallet(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	balance, err := env.rewards.Balance(ctx, wallet(1))
	require.NoError(t, err)
	assert.Equal(t, "1", balance.TotalAccrued.String())
}

func TestProcessReferralRateLimitsDevice(t *testing.T) {
	ctx := context.Background()
	limits := defaultLimits()
	limits.ReferralPerDevice = 2
	env := newTestEnv(t, limits)
	code := env.referrer(t, wallet(1), "dev-r")
	device := identitymodels.DeviceInfo{DeviceID: "busy-device"}

	for i := 2; i <= 3; i++ {
		_, err := env.proc.ProcessReferral(ctx, code.Code, wallet(i), device)
		require.NoError(t, err)
	}

	_, err := env.proc.ProcessReferral(ctx, code.Code, wallet(4), device)
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeRateLimit, appErr.Code)
	assert.True(t, appErr.RetryAfter > 0)

	_, err = env.resolver.Get(ctx, wallet(4))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound), "rejected attempt must not create the identity")
}

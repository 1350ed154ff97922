package service

import (
	"context"
	"fmt"
	"time"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/metrics"
	"referral-ledger-backend/internal/features/fraud/models"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/ratelimit"
	"referral-ledger-backend/internal/utils/telegram"
)

// Score is the pure weighted sum of the four signals, clamped to [0,1].
func Score(s models.Snapshot, cfg config.FraudConfig) models.Assessment {
	signals := models.Signals{
		DeviceSharing: deviceSharingSignal(s, cfg.SharedDeviceWallets),
		WalletAge:     walletAgeSignal(s, cfg.FreshWalletWindow, cfg.WalletMaturityWindow),
		Velocity:      velocitySignal(s),
		SelfReferral:  selfReferralSignal(s),
	}
	if s.ReferredTelegramID != nil {
		if at, ok := telegram.EstimateRegistration(*s.ReferredTelegramID); ok {
			signals.TelegramRegisteredAt = &at
		}
	}
	score := clamp(
		cfg.DeviceSharingWeight*signals.DeviceSharing+
			cfg.WalletAgeWeight*signals.WalletAge+
			cfg.VelocityWeight*signals.Velocity+
			cfg.SelfReferralWeight*signals.SelfReferral,
		0, 1)

	return models.Assessment{
		Score:      score,
		Signals:    signals,
		Suspicious: score >= cfg.SuspiciousThreshold,
	}
}

// deviceSharingSignal saturates once the device carries `saturation` other wallets.
func deviceSharingSignal(s models.Snapshot, saturation int) float64 {
	others := make(map[string]struct{}, len(s.DeviceWallets))
	for _, w := range s.DeviceWallets {
		if w != s.ReferredWallet {
			others[w] = struct{}{}
		}
	}
	if saturation < 1 {
		saturation = 1
	}
	return clamp(float64(len(others))/float64(saturation), 0, 1)
}

func walletAgeSignal(s models.Snapshot, fresh, maturity time.Duration) float64 {
	if s.ReferredFirstSeen.IsZero() {
		return 1
	}
	age := s.Now.Sub(s.ReferredFirstSeen)
	if age <= fresh {
		return 1
	}
	if maturity <= 0 {
		return 0
	}
	return clamp(1-float64(age-fresh)/float64(maturity), 0, 1)
}

func velocitySignal(s models.Snapshot) float64 {
	ratio := func(count, limit int64) float64 {
		if limit <= 0 {
			return 0
		}
		return float64(count) / float64(limit)
	}
	v := ratio(s.IPCount, s.IPCap)
	if d := ratio(s.DeviceCount, s.DeviceCap); d > v {
		v = d
	}
	return clamp(v, 0, 1)
}

func selfReferralSignal(s models.Snapshot) float64 {
	if s.ReferrerWallet == s.ReferredWallet {
		return 1
	}
	for _, d := range s.ReferrerDevices {
		if d == s.DeviceID {
			return 1
		}
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IdentityReader is the slice of the identity store the assessor reads.
type IdentityReader interface {
	Get(ctx context.Context, wallet string) (*identitymodels.Identity, error)
	LinkedDevices(ctx context.Context, wallet string) ([]identitymodels.DeviceLink, error)
	LinksForDevice(ctx context.Context, deviceID string, since time.Time) ([]identitymodels.DeviceLink, error)
}

// Assessor captures a snapshot from the identity store and the rate limiter,
// then scores it.
type Assessor struct {
	identities IdentityReader
	limiter    ratelimit.Limiter
	fraudCfg   config.FraudConfig
	limitCfg   config.RateLimitConfig
	now        func() time.Time
}

func NewAssessor(identities IdentityReader, limiter ratelimit.Limiter, fraudCfg config.FraudConfig, limitCfg config.RateLimitConfig) *Assessor {
	return &Assessor{
		identities: identities,
		limiter:    limiter,
		fraudCfg:   fraudCfg,
		limitCfg:   limitCfg,
		now:        time.Now,
	}
}

// Snapshot reads the inputs of Score. Wallets must already be canonical.
func (a *Assessor) Snapshot(ctx context.Context, referrer, referred string, device identitymodels.DeviceInfo) (models.Snapshot, error) {
	now := a.now().UTC()
	s := models.Snapshot{
		ReferrerWallet: referrer,
		ReferredWallet: referred,
		DeviceID:       device.DeviceID,
		Now:            now,
		IPCap:          int64(a.limitCfg.ReferralPerIP),
		DeviceCap:      int64(a.limitCfg.ReferralPerDevice),
	}

	links, err := a.identities.LinksForDevice(ctx, device.DeviceID, now.Add(-a.fraudCfg.DeviceLookback))
	if err != nil {
		return s, fmt.Errorf("device links: %w", err)
	}
	for _, l := range links {
		s.DeviceWallets = append(s.DeviceWallets, l.WalletAddress)
	}

	referrerLinks, err := a.identities.LinkedDevices(ctx, referrer)
	if err != nil {
		return s, fmt.Errorf("referrer devices: %w", err)
	}
	for _, l := range referrerLinks {
		s.ReferrerDevices = append(s.ReferrerDevices, l.DeviceID)
	}

	if ident, err := a.identities.Get(ctx, referred); err == nil {
		s.ReferredFirstSeen = ident.FirstSeenAt
		s.ReferredTelegramID = ident.TelegramID
	}

	if device.IP != "" {
		c, err := a.limiter.Peek(ctx, ratelimit.Key(ratelimit.ActionReferralIP, device.IP), a.limitCfg.ReferralWindow)
		if err != nil {
			return s, fmt.Errorf("ip velocity: %w", err)
		}
		s.IPCount = c.Count
	}
	c, err := a.limiter.Peek(ctx, ratelimit.Key(ratelimit.ActionReferralDevice, device.DeviceID), a.limitCfg.ReferralWindow)
	if err != nil {
		return s, fmt.Errorf("device velocity: %w", err)
	}
	s.DeviceCount = c.Count
	return s, nil
}

// Assess scores a referral attempt. Wallets must already be canonical.
func (a *Assessor) Assess(ctx context.Context, referrer, referred string, device identitymodels.DeviceInfo) (models.Assessment, error) {
	s, err := a.Snapshot(ctx, referrer, referred, device)
	if err != nil {
		return models.Assessment{}, err
	}
	assessment := Score(s, a.fraudCfg)
	metrics.FraudScore.Observe(assessment.Score)
	return assessment, nil
}

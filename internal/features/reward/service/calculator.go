package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/reward/models"
	"referral-ledger-backend/internal/features/reward/repository"
)

// TierFor returns the highest tier whose MinCount is <= count.
func TierFor(count int, tiers config.TierTable) config.Tier {
	current := tiers[0]
	for _, t := range tiers[1:] {
		if count < t.MinCount {
			break
		}
		current = t
	}
	return current
}

// Compute is the pure accrual for a validated referral count.
//
// Marginal blending pays the k-th referral the rate of TierFor(k), so 5
// referrals on the default table give 4*1.0 + 1*1.5. Flat blending pays every
// referral at the rate of TierFor(count).
func Compute(count int, cfg config.RewardConfig) models.Accrual {
	if count < 0 {
		count = 0
	}
	tier := TierFor(count, cfg.Tiers)
	out := models.Accrual{
		ValidatedCount: count,
		TierLevel:      tier.Level,
		TierRewards:    decimal.Zero,
		MilestoneBonus: decimal.Zero,
	}

	switch cfg.Blending {
	case config.BlendingFlat:
		out.TierRewards = tier.Rate.Mul(decimal.NewFromInt(int64(count)))
	default:
		for i, t := range cfg.Tiers {
			// referrals with ordinal in [lo, hi] are paid at t.Rate
			lo := t.MinCount
			if lo < 1 {
				lo = 1
			}
			hi := count
			if i+1 < len(cfg.Tiers) && cfg.Tiers[i+1].MinCount-1 < hi {
				hi = cfg.Tiers[i+1].MinCount - 1
			}
			if hi < lo {
				continue
			}
			out.TierRewards = out.TierRewards.Add(t.Rate.Mul(decimal.NewFromInt(int64(hi - lo + 1))))
		}
	}

	for _, m := range cfg.Milestones {
		if count >= m.Count {
			out.MilestoneBonus = out.MilestoneBonus.Add(m.Bonus)
		}
	}
	out.Total = out.TierRewards.Add(out.MilestoneBonus)
	return out
}

// ValidatedCounter is what the calculator reads from the referral store.
type ValidatedCounter interface {
	CountValidated(ctx context.Context, referrerWallet string) (int, error)
	ListReferrersWithValidated(ctx context.Context) ([]string, error)
}

type Calculator struct {
	repo      repository.RewardRepository
	referrals ValidatedCounter
	wallets   *validation.WalletNormalizer
	cfg       config.RewardConfig
	retry     retry.Policy
	now       func() time.Time
}

func NewCalculator(
	repo repository.RewardRepository,
	referrals ValidatedCounter,
	wallets *validation.WalletNormalizer,
	cfg config.RewardConfig,
	retryPolicy retry.Policy,
) *Calculator {
	return &Calculator{
		repo:      repo,
		referrals: referrals,
		wallets:   wallets,
		cfg:       cfg,
		retry:     retryPolicy,
		now:       time.Now,
	}
}

// Recompute derives tier and accrual from the current validated count and
// applies it. Running it twice with no new referrals changes nothing.
func (c *Calculator) Recompute(ctx context.Context, address string) (*models.RewardBalance, error) {
	wallet, err := c.canonical(address)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, c.retry, "reward.recompute", func(ctx context.Context) (*models.RewardBalance, error) {
		count, err := c.referrals.CountValidated(ctx, wallet)
		if err != nil {
			return nil, apperrors.NewInternalError("reward.count", err)
		}
		accrual := Compute(count, c.cfg)
		balance, err := c.repo.ApplyAccrual(ctx, wallet, accrual.TierLevel, accrual.Total, c.now().UTC())
		if err != nil {
			return nil, c.mapError(err, wallet)
		}
		logger.Debug().
			Str("wallet_address", wallet).
			Int("validated", count).
			Int("tier", balance.TierLevel).
			Str("accrued", balance.TotalAccrued.String()).
			Msg("Reward recomputed")
		return balance, nil
	})
}

// Balance returns the stored balance, or a zero balance for wallets that
// never accrued anything.
func (c *Calculator) Balance(ctx context.Context, address string) (*models.RewardBalance, error) {
	wallet, err := c.canonical(address)
	if err != nil {
		return nil, err
	}
	b, err := c.repo.Get(ctx, wallet)
	if errors.Is(err, repository.ErrBalanceNotFound) {
		return &models.RewardBalance{
			WalletAddress: wallet,
			TotalAccrued:  decimal.Zero,
			TotalClaimed:  decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, c.mapError(err, wallet)
	}
	return b, nil
}

// ReconcileAll recomputes every referrer with validated referrals. One
// failing wallet does not stop the others; the first error is returned.
func (c *Calculator) ReconcileAll(ctx context.Context) (int, error) {
	wallets, err := c.referrals.ListReferrersWithValidated(ctx)
	if err != nil {
		return 0, apperrors.NewInternalError("reward.reconcile", err)
	}

	limit := c.cfg.ReconcileConcurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, w := range wallets {
		g.Go(func() error {
			if _, err := c.Recompute(ctx, w); err != nil {
				logger.Warn().Err(err).Str("wallet_address", w).Msg("Reward reconcile failed")
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	logger.Info().Int("wallets", len(wallets)).Msg("Reward reconcile finished")
	return len(wallets), err
}

func (c *Calculator) canonical(address string) (string, error) {
	wallet, _, err := c.wallets.Normalize(address)
	if err != nil {
		return "", apperrors.NewInvalidWalletError(address, err.Error())
	}
	return wallet, nil
}

func (c *Calculator) mapError(err error, wallet string) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	if errors.Is(err, repository.ErrBalanceNotFound) {
		return apperrors.NewNotFoundError("reward balance", wallet)
	}
	return apperrors.NewInternalError("reward", err).WithContext("wallet_address", wallet)
}

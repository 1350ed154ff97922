package cached

import (
	"context"
	"errors"
	"time"

	"referral-ledger-backend/internal/common/cache"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/features/referral/models"
	"referral-ledger-backend/internal/features/referral/repository"
)

// Repository serves code lookups from Redis. Everything else, including
// relationships, goes straight to the wrapped store. Cache failures only
// cost a database round trip.
type Repository struct {
	repository.ReferralRepository
	cache *cache.Service
	ttl   time.Duration
}

func NewRepository(inner repository.ReferralRepository, c *cache.Service, ttl time.Duration) *Repository {
	return &Repository{ReferralRepository: inner, cache: c, ttl: ttl}
}

func codeKey(code string) string {
	return "code:" + code
}

func (r *Repository) GetCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	var rc models.ReferralCode
	err := r.cache.Get(ctx, codeKey(code), &rc)
	if err == nil {
		return &rc, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Debug().Err(err).Str("code", code).Msg("Referral code cache read failed")
	}

	stored, err := r.ReferralRepository.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, codeKey(code), stored, r.ttl); err != nil {
		logger.Debug().Err(err).Str("code", code).Msg("Referral code cache write failed")
	}
	return stored, nil
}

func (r *Repository) SetCodeActive(ctx context.Context, code string, active bool) error {
	if err := r.ReferralRepository.SetCodeActive(ctx, code, active); err != nil {
		return err
	}
	// A stale active=true in cache would let a deactivated code through
	if err := r.cache.Delete(ctx, codeKey(code)); err != nil {
		logger.Warn().Err(err).Str("code", code).Msg("Failed to invalidate referral code cache")
	}
	return nil
}

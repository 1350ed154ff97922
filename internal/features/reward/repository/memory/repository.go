package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/features/reward/models"
	"referral-ledger-backend/internal/features/reward/repository"
)

// ErrClaimExceedsAccrued guards total_claimed <= total_accrued the way the
// SQL check constraint does.
var ErrClaimExceedsAccrued = errors.New("claimed would exceed accrued")

type Repository struct {
	mu       sync.RWMutex
	balances map[string]*models.RewardBalance
}

func NewRepository() *Repository {
	return &Repository{balances: make(map[string]*models.RewardBalance)}
}

func (r *Repository) Get(_ context.Context, wallet string) (*models.RewardBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.balances[wallet]
	if !ok {
		return nil, repository.ErrBalanceNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *Repository) ApplyAccrual(_ context.Context, wallet string, tierLevel int, accrued decimal.Decimal, at time.Time) (*models.RewardBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.balances[wallet]
	if !ok {
		b = &models.RewardBalance{
			WalletAddress: wallet,
			TotalAccrued:  decimal.Zero,
			TotalClaimed:  decimal.Zero,
		}
		r.balances[wallet] = b
	}
	if tierLevel > b.TierLevel {
		b.TierLevel = tierLevel
	}
	if accrued.GreaterThan(b.TotalAccrued) {
		b.TotalAccrued = accrued
	}
	b.UpdatedAt = at
	cp := *b
	return &cp, nil
}

// AddClaimed moves amount into TotalClaimed. The claim ledger calls it while
// holding its per-wallet lock.
func (r *Repository) AddClaimed(_ context.Context, wallet string, amount decimal.Decimal, at time.Time) (*models.RewardBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.balances[wallet]
	if !ok {
		return nil, repository.ErrBalanceNotFound
	}
	claimed := b.TotalClaimed.Add(amount)
	if claimed.GreaterThan(b.TotalAccrued) {
		return nil, ErrClaimExceedsAccrued
	}
	b.TotalClaimed = claimed
	claimedAt := at
	b.LastClaimAt = &claimedAt
	b.UpdatedAt = at
	cp := *b
	return &cp, nil
}

package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/common/locker"
	"referral-ledger-backend/internal/features/claim/models"
	"referral-ledger-backend/internal/features/claim/repository"
	rewardmodels "referral-ledger-backend/internal/features/reward/models"
	rewardrepo "referral-ledger-backend/internal/features/reward/repository"
	rewardmemory "referral-ledger-backend/internal/features/reward/repository/memory"
)

// Repository keeps claims in memory and writes total_claimed through the
// in-memory reward store. A keyed mutex serialises claims per wallet.
type Repository struct {
	balances *rewardmemory.Repository
	locks    *locker.Keyed

	mu      sync.RWMutex
	records map[string]*models.ClaimRecord
	order   []string
}

func NewRepository(balances *rewardmemory.Repository) *Repository {
	return &Repository{
		balances: balances,
		locks:    locker.NewKeyed(),
		records:  make(map[string]*models.ClaimRecord),
	}
}

type tx struct {
	r      *Repository
	wallet string
}

func (r *Repository) WithWalletLock(ctx context.Context, wallet string, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.locks.Lock(wallet)
	defer unlock()
	return fn(&tx{r: r, wallet: wallet})
}

func (t *tx) Balance(ctx context.Context) (*rewardmodels.RewardBalance, error) {
	b, err := t.r.balances.Get(ctx, t.wallet)
	if errors.Is(err, rewardrepo.ErrBalanceNotFound) {
		return nil, repository.ErrNoBalance
	}
	return b, err
}

func (t *tx) PeriodTotal(_ context.Context, periodKey string) (decimal.Decimal, error) {
	t.r.mu.RLock()
	defer t.r.mu.RUnlock()

	total := decimal.Zero
	for _, rec := range t.r.records {
		if rec.WalletAddress == t.wallet && rec.PeriodKey == periodKey {
			total = total.Add(rec.Amount)
		}
	}
	return total, nil
}

func (t *tx) Append(ctx context.Context, record *models.ClaimRecord) (*rewardmodels.RewardBalance, error) {
	b, err := t.r.balances.AddClaimed(ctx, t.wallet, record.Amount, record.ClaimedAt)
	if err != nil {
		if errors.Is(err, rewardrepo.ErrBalanceNotFound) {
			return nil, repository.ErrNoBalance
		}
		return nil, err
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	cp := *record
	t.r.records[record.ID] = &cp
	t.r.order = append(t.r.order, record.ID)
	return b, nil
}

func (r *Repository) Get(_ context.Context, id string) (*models.ClaimRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrClaimNotFound
	}
	cp := *rec
	return &cp, nil
}

// History is newest first.
func (r *Repository) History(_ context.Context, wallet string, limit int) ([]*models.ClaimRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ClaimRecord
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if rec.WalletAddress != wallet {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *Repository) MarkSettled(_ context.Context, id, txHash string, at time.Time) (*models.ClaimRecord, error) {
	return r.transition(id, func(rec *models.ClaimRecord) {
		rec.Status = models.StatusSettled
		hash := txHash
		rec.TransactionHash = &hash
		settledAt := at
		rec.SettledAt = &settledAt
	})
}

func (r *Repository) MarkFailed(_ context.Context, id string, _ time.Time) (*models.ClaimRecord, error) {
	return r.transition(id, func(rec *models.ClaimRecord) {
		rec.Status = models.StatusFailed
	})
}

func (r *Repository) transition(id string, apply func(rec *models.ClaimRecord)) (*models.ClaimRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, repository.ErrClaimNotFound
	}
	if rec.Status != models.StatusPending {
		return nil, repository.ErrClaimNotPending
	}
	apply(rec)
	cp := *rec
	return &cp, nil
}

func (r *Repository) ListPending(_ context.Context, claimedBefore time.Time, limit int) ([]*models.ClaimRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ClaimRecord
	for _, rec := range r.records {
		if rec.Status == models.StatusPending && rec.ClaimedAt.Before(claimedBefore) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

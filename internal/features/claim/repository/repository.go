package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/features/claim/models"
	rewardmodels "referral-ledger-backend/internal/features/reward/models"
)

var (
	ErrClaimNotFound   = errors.New("claim not found")
	ErrNoBalance       = errors.New("wallet has no reward balance")
	ErrClaimNotPending = errors.New("claim is not pending")
)

// Tx is scoped to one wallet whose balance row is locked for its duration.
type Tx interface {
	Balance(ctx context.Context) (*rewardmodels.RewardBalance, error)
	PeriodTotal(ctx context.Context, periodKey string) (decimal.Decimal, error)
	// Append stores record and adds its amount to total_claimed.
	Append(ctx context.Context, record *models.ClaimRecord) (*rewardmodels.RewardBalance, error)
}

type ClaimRepository interface {
	WithWalletLock(ctx context.Context, wallet string, fn func(tx Tx) error) error
	Get(ctx context.Context, id string) (*models.ClaimRecord, error)
	History(ctx context.Context, wallet string, limit int) ([]*models.ClaimRecord, error)
	MarkSettled(ctx context.Context, id, txHash string, at time.Time) (*models.ClaimRecord, error)
	MarkFailed(ctx context.Context, id string, at time.Time) (*models.ClaimRecord, error)
	ListPending(ctx context.Context, claimedBefore time.Time, limit int) ([]*models.ClaimRecord, error)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/features/reward/models"
)

var ErrBalanceNotFound = errors.New("reward balance not found")

type RewardRepository interface {
	Get(ctx context.Context, wallet string) (*models.RewardBalance, error)
	// ApplyAccrual raises tier and accrued to the given values, creating the
	// row if needed. Neither ever moves down.
	ApplyAccrual(ctx context.Context, wallet string, tierLevel int, accrued decimal.Decimal, at time.Time) (*models.RewardBalance, error)
}

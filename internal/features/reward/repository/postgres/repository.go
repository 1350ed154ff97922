package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/features/reward/models"
	"referral-ledger-backend/internal/features/reward/repository"
	"referral-ledger-backend/internal/platform/postgres"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.RewardRepository {
	return &postgresRepository{db: db}
}

// BalanceColumns is the column order ScanBalance expects.
const BalanceColumns = `wallet_address, tier_level, total_accrued, total_claimed, last_claim_at, updated_at`

// ScanBalance is shared with the claim ledger, which reads the same row under FOR UPDATE.
func ScanBalance(row *sql.Row) (*models.RewardBalance, error) {
	var (
		b           models.RewardBalance
		lastClaimAt sql.NullTime
	)
	err := row.Scan(&b.WalletAddress, &b.TierLevel, &b.TotalAccrued, &b.TotalClaimed, &lastClaimAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("failed to scan reward balance: %w", err)
	}
	if lastClaimAt.Valid {
		b.LastClaimAt = &lastClaimAt.Time
	}
	return &b, nil
}

func (r *postgresRepository) Get(ctx context.Context, wallet string) (*models.RewardBalance, error) {
	return ScanBalance(r.db.QueryRowContext(ctx,
		`SELECT `+BalanceColumns+` FROM reward_balances WHERE wallet_address = $1`, wallet))
}

func (r *postgresRepository) ApplyAccrual(ctx context.Context, wallet string, tierLevel int, accrued decimal.Decimal, at time.Time) (*models.RewardBalance, error) {
	b, err := ScanBalance(r.db.QueryRowContext(ctx, `
		INSERT INTO reward_balances (wallet_address, tier_level, total_accrued, total_claimed, updated_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (wallet_address) DO UPDATE SET
			tier_level = GREATEST(reward_balances.tier_level, EXCLUDED.tier_level),
			total_accrued = GREATEST(reward_balances.total_accrued, EXCLUDED.total_accrued),
			updated_at = EXCLUDED.updated_at
		RETURNING `+BalanceColumns,
		wallet, tierLevel, accrued, at))
	if err != nil {
		return nil, postgres.MapError("apply accrual", err)
	}
	return b, nil
}

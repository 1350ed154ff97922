package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/features/claim/models"
	"referral-ledger-backend/internal/features/claim/repository"
	rewardmodels "referral-ledger-backend/internal/features/reward/models"
	rewardrepo "referral-ledger-backend/internal/features/reward/repository"
	rewardpg "referral-ledger-backend/internal/features/reward/repository/postgres"
	"referral-ledger-backend/internal/platform/postgres"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.ClaimRepository {
	return &postgresRepository{db: db}
}

type pgTx struct {
	tx      *sql.Tx
	wallet  string
	balance *rewardmodels.RewardBalance
}

// WithWalletLock takes the balance row FOR UPDATE before fn runs, so two
// claims for one wallet never read the same snapshot.
func (r *postgresRepository) WithWalletLock(ctx context.Context, wallet string, fn func(tx repository.Tx) error) error {
	err := postgres.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		b, err := rewardpg.ScanBalance(tx.QueryRowContext(ctx,
			`SELECT `+rewardpg.BalanceColumns+` FROM reward_balances WHERE wallet_address = $1 FOR UPDATE`, wallet))
		if err != nil && !errors.Is(err, rewardrepo.ErrBalanceNotFound) {
			return err
		}
		return fn(&pgTx{tx: tx, wallet: wallet, balance: b})
	})
	return postgres.MapError("claim tx", err)
}

func (t *pgTx) Balance(_ context.Context) (*rewardmodels.RewardBalance, error) {
	if t.balance == nil {
		return nil, repository.ErrNoBalance
	}
	cp := *t.balance
	return &cp, nil
}

func (t *pgTx) PeriodTotal(ctx context.Context, periodKey string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM claim_records
		WHERE wallet_address = $1 AND period_key = $2
	`, t.wallet, periodKey).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum period claims: %w", err)
	}
	return total, nil
}

func (t *pgTx) Append(ctx context.Context, rec *models.ClaimRecord) (*rewardmodels.RewardBalance, error) {
	if t.balance == nil {
		return nil, repository.ErrNoBalance
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO claim_records (
			id, wallet_address, amount, settlement_amount, settlement_token, period_key, status, claimed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.WalletAddress, rec.Amount, rec.SettlementAmount, rec.SettlementToken,
		rec.PeriodKey, string(rec.Status), rec.ClaimedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	b, err := rewardpg.ScanBalance(t.tx.QueryRowContext(ctx, `
		UPDATE reward_balances SET
			total_claimed = total_claimed + $2,
			last_claim_at = $3,
			updated_at = $3
		WHERE wallet_address = $1
		RETURNING `+rewardpg.BalanceColumns,
		t.wallet, rec.Amount, rec.ClaimedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to update claimed total: %w", err)
	}
	t.balance = b
	return b, nil
}

const claimColumns = `id, wallet_address, amount, settlement_amount, settlement_token, period_key,
	status, transaction_hash, claimed_at, settled_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanClaim(row scanner) (*models.ClaimRecord, error) {
	var (
		rec       models.ClaimRecord
		txHash    sql.NullString
		settledAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.WalletAddress, &rec.Amount, &rec.SettlementAmount, &rec.SettlementToken,
		&rec.PeriodKey, &rec.Status, &txHash, &rec.ClaimedAt, &settledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrClaimNotFound
		}
		return nil, fmt.Errorf("failed to scan claim: %w", err)
	}
	if txHash.Valid {
		rec.TransactionHash = &txHash.String
	}
	if settledAt.Valid {
		rec.SettledAt = &settledAt.Time
	}
	return &rec, nil
}

func (r *postgresRepository) queryClaims(ctx context.Context, query string, args ...any) ([]*models.ClaimRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var out []*models.ClaimRecord
	for rows.Next() {
		rec, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *postgresRepository) Get(ctx context.Context, id string) (*models.ClaimRecord, error) {
	return scanClaim(r.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claim_records WHERE id = $1`, id))
}

// History is newest first; ULIDs sort by creation time.
func (r *postgresRepository) History(ctx context.Context, wallet string, limit int) ([]*models.ClaimRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE wallet_address = $1 ORDER BY id DESC LIMIT $2
	`, wallet, limit)
}

func (r *postgresRepository) MarkSettled(ctx context.Context, id, txHash string, at time.Time) (*models.ClaimRecord, error) {
	return r.transition(ctx, `
		UPDATE claim_records SET status = 'settled', transaction_hash = $2, settled_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+claimColumns, id, txHash, at)
}

func (r *postgresRepository) MarkFailed(ctx context.Context, id string, _ time.Time) (*models.ClaimRecord, error) {
	return r.transition(ctx, `
		UPDATE claim_records SET status = 'failed'
		WHERE id = $1 AND status = 'pending'
		RETURNING `+claimColumns, id)
}

func (r *postgresRepository) transition(ctx context.Context, query, id string, args ...any) (*models.ClaimRecord, error) {
	rec, err := scanClaim(r.db.QueryRowContext(ctx, query, append([]any{id}, args...)...))
	if errors.Is(err, repository.ErrClaimNotFound) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrClaimNotPending
	}
	return rec, err
}

func (r *postgresRepository) ListPending(ctx context.Context, claimedBefore time.Time, limit int) ([]*models.ClaimRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryClaims(ctx, `
		SELECT `+claimColumns+` FROM claim_records
		WHERE status = 'pending' AND claimed_at < $1
		ORDER BY claimed_at LIMIT $2
	`, claimedBefore, limit)
}

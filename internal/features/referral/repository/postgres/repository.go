package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/features/referral/models"
	"referral-ledger-backend/internal/features/referral/repository"
	"referral-ledger-backend/internal/platform/postgres"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.ReferralRepository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateCode(ctx context.Context, code *models.ReferralCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO referral_codes (code, wallet_address, active, created_at)
		VALUES ($1, $2, $3, $4)
	`, code.Code, code.WalletAddress, code.Active, code.CreatedAt)
	if postgres.IsUniqueViolation(err) {
		return repository.ErrCodeTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create referral code: %w", err)
	}
	return nil
}

func scanCode(row *sql.Row) (*models.ReferralCode, error) {
	var c models.ReferralCode
	if err := row.Scan(&c.Code, &c.WalletAddress, &c.Active, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to scan referral code: %w", err)
	}
	return &c, nil
}

func (r *postgresRepository) GetCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	return scanCode(r.db.QueryRowContext(ctx,
		`SELECT code, wallet_address, active, created_at FROM referral_codes WHERE code = $1`, code))
}

func (r *postgresRepository) GetCodeByWallet(ctx context.Context, wallet string) (*models.ReferralCode, error) {
	return scanCode(r.db.QueryRowContext(ctx,
		`SELECT code, wallet_address, active, created_at FROM referral_codes WHERE wallet_address = $1`, wallet))
}

func (r *postgresRepository) SetCodeActive(ctx context.Context, code string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE referral_codes SET active = $2 WHERE code = $1`, code, active)
	if err != nil {
		return fmt.Errorf("failed to update referral code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrCodeNotFound
	}
	return nil
}

const relationshipColumns = `id, referrer_wallet, referred_wallet, referral_code, device_id, status,
	fraud_score, signals, created_at, validated_at, reviewed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRelationship(row scanner) (*models.Relationship, error) {
	var (
		rel         models.Relationship
		signals     []byte
		validatedAt sql.NullTime
		reviewedAt  sql.NullTime
	)
	err := row.Scan(&rel.ID, &rel.ReferrerWallet, &rel.ReferredWallet, &rel.ReferralCode, &rel.DeviceID,
		&rel.Status, &rel.FraudScore, &signals, &rel.CreatedAt, &validatedAt, &reviewedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrRelationshipNotFound
		}
		return nil, fmt.Errorf("failed to scan referral relationship: %w", err)
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &rel.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode fraud signals: %w", err)
		}
	}
	if validatedAt.Valid {
		rel.ValidatedAt = &validatedAt.Time
	}
	if reviewedAt.Valid {
		rel.ReviewedAt = &reviewedAt.Time
	}
	return &rel, nil
}

// CreateRelationship relies on the partial unique index over non-rejected
// rows, so concurrent inserts for one referred wallet leave exactly one row.
func (r *postgresRepository) CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, bool, error) {
	signals, err := json.Marshal(rel.Signals)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode fraud signals: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO referral_relationships (
			id, referrer_wallet, referred_wallet, referral_code, device_id, status,
			fraud_score, signals, created_at, validated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (referred_wallet) WHERE status <> 'rejected' DO NOTHING
		RETURNING id
	`, rel.ID, rel.ReferrerWallet, rel.ReferredWallet, rel.ReferralCode, rel.DeviceID, rel.Status,
		rel.FraudScore, signals, rel.CreatedAt, rel.ValidatedAt).Scan(&id)

	switch {
	case err == nil:
		cp := *rel
		return &cp, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := r.GetActiveByReferred(ctx, rel.ReferredWallet)
		if errors.Is(err, repository.ErrRelationshipNotFound) {
			// the conflicting row was rejected meanwhile; let the caller retry
			return nil, false, apperrors.NewPersistenceConflictError("create referral", err)
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, postgres.MapError("create referral", err)
	}
}

func (r *postgresRepository) GetRelationship(ctx context.Context, id uuid.UUID) (*models.Relationship, error) {
	return scanRelationship(r.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM referral_relationships WHERE id = $1`, id))
}

func (r *postgresRepository) GetActiveByReferred(ctx context.Context, referredWallet string) (*models.Relationship, error) {
	return scanRelationship(r.db.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM referral_relationships
		WHERE referred_wallet = $1 AND status <> 'rejected'
	`, referredWallet))
}

func (r *postgresRepository) ListByReferrer(ctx context.Context, referrerWallet string) ([]*models.Relationship, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM referral_relationships
		WHERE referrer_wallet = $1 ORDER BY created_at
	`, referrerWallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var out []*models.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func (r *postgresRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, at time.Time) (*models.Relationship, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	rel, err := scanRelationship(r.db.QueryRowContext(ctx, `
		UPDATE referral_relationships SET
			status = $2,
			reviewed_at = $3,
			validated_at = CASE WHEN $2 = 'validated' THEN $3 ELSE validated_at END
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+relationshipColumns,
		id, string(to), at, pq.Array(allowed)))
	if errors.Is(err, repository.ErrRelationshipNotFound) {
		if _, getErr := r.GetRelationship(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrStatusConflict
	}
	if err != nil {
		return nil, postgres.MapError("review referral", err)
	}
	return rel, nil
}

func (r *postgresRepository) CountValidated(ctx context.Context, referrerWallet string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM referral_relationships
		WHERE referrer_wallet = $1 AND status = 'validated'
	`, referrerWallet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count validated referrals: %w", err)
	}
	return n, nil
}

func (r *postgresRepository) ListReferrersWithValidated(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT referrer_wallet FROM referral_relationships
		WHERE status = 'validated' ORDER BY referrer_wallet
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan referrer: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

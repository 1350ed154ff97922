package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/features/session/models"
	"referral-ledger-backend/internal/features/session/repository"
	"referral-ledger-backend/internal/platform/postgres"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.SessionRepository {
	return &postgresRepository{db: db}
}

const sessionColumns = `id, wallet_address, device_id, start_time, last_active, end_time, duration_seconds, active`

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		s        models.Session
		endTime  sql.NullTime
		duration sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.WalletAddress, &s.DeviceID, &s.StartTime, &s.LastActive, &endTime, &duration, &s.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}
	if duration.Valid {
		s.DurationSeconds = &duration.Int64
	}
	return &s, nil
}

func (r *postgresRepository) Create(ctx context.Context, s *models.Session) (*models.Session, bool, error) {
	stored, err := scanSession(r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, wallet_address, device_id, start_time, last_active, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (wallet_address, device_id) WHERE active DO NOTHING
		RETURNING `+sessionColumns,
		s.ID, s.WalletAddress, s.DeviceID, s.StartTime, s.LastActive))
	switch {
	case err == nil:
		return stored, true, nil
	case errors.Is(err, repository.ErrSessionNotFound):
		existing, err := r.GetActive(ctx, s.WalletAddress, s.DeviceID)
		if errors.Is(err, repository.ErrSessionNotFound) {
			// the active session was closed between insert and read
			return nil, false, apperrors.NewPersistenceConflictError("start session", err)
		}
		if err != nil {
			return nil, false, postgres.MapError("start session", err)
		}
		return existing, false, nil
	default:
		return nil, false, postgres.MapError("start session", err)
	}
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (r *postgresRepository) GetActive(ctx context.Context, wallet, deviceID string) (*models.Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE wallet_address = $1 AND device_id = $2 AND active
	`, wallet, deviceID))
}

func (r *postgresRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	return r.updateActive(ctx, id, `
		UPDATE sessions SET last_active = GREATEST(last_active, $2)
		WHERE id = $1 AND active
		RETURNING `+sessionColumns, at)
}

func (r *postgresRepository) Close(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	return r.updateActive(ctx, id, `
		UPDATE sessions SET
			active = FALSE,
			end_time = $2,
			duration_seconds = FLOOR(EXTRACT(EPOCH FROM ($2 - start_time)))::BIGINT
		WHERE id = $1 AND active
		RETURNING `+sessionColumns, at)
}

func (r *postgresRepository) updateActive(ctx context.Context, id uuid.UUID, query string, at time.Time) (*models.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, repository.ErrSessionNotFound) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrSessionClosed
	}
	return s, err
}

func (r *postgresRepository) CloseIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			active = FALSE,
			end_time = last_active,
			duration_seconds = FLOOR(EXTRACT(EPOCH FROM (last_active - start_time)))::BIGINT
		WHERE active AND last_active < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close idle sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

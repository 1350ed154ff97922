package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/identity/repository"
	"referral-ledger-backend/internal/platform/postgres"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.IdentityRepository {
	return &postgresRepository{db: db}
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type pgTx struct {
	tx *sql.Tx
}

// WithinTx serialises work on one wallet with a transaction-scoped advisory
// lock, which also covers wallets that have no row yet.
func (r *postgresRepository) WithinTx(ctx context.Context, wallet string, fn func(tx repository.Tx) error) error {
	err := postgres.WithTx(ctx, r.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('wallet:' || $1::text))`, wallet); err != nil {
			return fmt.Errorf("failed to lock wallet: %w", err)
		}
		return fn(&pgTx{tx: tx})
	})
	return postgres.MapError("identity tx", err)
}

const identityColumns = `wallet_address, wallet_type, email, telegram_id, active, first_seen_at, last_seen_at`

func scanIdentity(row *sql.Row) (*models.Identity, error) {
	var (
		ident      models.Identity
		email      sql.NullString
		telegramID sql.NullInt64
	)
	err := row.Scan(&ident.WalletAddress, &ident.WalletType, &email, &telegramID,
		&ident.Active, &ident.FirstSeenAt, &ident.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	if email.Valid {
		ident.Email = &email.String
	}
	if telegramID.Valid {
		ident.TelegramID = &telegramID.Int64
	}
	return &ident, nil
}

func (t *pgTx) GetIdentity(ctx context.Context, wallet string) (*models.Identity, error) {
	return scanIdentity(t.tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE wallet_address = $1`, wallet))
}

func (t *pgTx) CreateIdentity(ctx context.Context, ident *models.Identity) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO identities (wallet_address, wallet_type, email, active, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ident.WalletAddress, ident.WalletType, ident.Email, ident.Active, ident.FirstSeenAt, ident.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

func (t *pgTx) TouchIdentity(ctx context.Context, wallet string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE identities SET last_seen_at = GREATEST(last_seen_at, $2) WHERE wallet_address = $1`, wallet, at)
	if err != nil {
		return fmt.Errorf("failed to touch identity: %w", err)
	}
	return nil
}

func (t *pgTx) UpsertDevice(ctx context.Context, d *models.Device) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('device:' || $1::text))`, d.DeviceID); err != nil {
		return fmt.Errorf("failed to lock device: %w", err)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, hardware_fingerprint, user_agent, last_ip, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			hardware_fingerprint = COALESCE(NULLIF(EXCLUDED.hardware_fingerprint, ''), devices.hardware_fingerprint),
			user_agent = COALESCE(NULLIF(EXCLUDED.user_agent, ''), devices.user_agent),
			last_ip = COALESCE(NULLIF(EXCLUDED.last_ip, ''), devices.last_ip),
			last_seen_at = EXCLUDED.last_seen_at
	`, d.DeviceID, d.HardwareFingerprint, d.UserAgent, d.LastIP, d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (t *pgTx) LinkedDevices(ctx context.Context, wallet string) ([]models.DeviceLink, error) {
	return queryLinks(ctx, t.tx, `
		SELECT wallet_address, device_id, linked_at, last_seen_at
		FROM identity_devices WHERE wallet_address = $1 ORDER BY linked_at
	`, wallet)
}

func (t *pgTx) OtherWalletCount(ctx context.Context, deviceID, wallet string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identity_devices WHERE device_id = $1 AND wallet_address <> $2`,
		deviceID, wallet).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count device wallets: %w", err)
	}
	return n, nil
}

func (t *pgTx) Link(ctx context.Context, l models.DeviceLink) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO identity_devices (wallet_address, device_id, linked_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet_address, device_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, l.WalletAddress, l.DeviceID, l.LinkedAt, l.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to link device: %w", err)
	}
	return nil
}

func (t *pgTx) TouchLink(ctx context.Context, wallet, deviceID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE identity_devices SET last_seen_at = $3 WHERE wallet_address = $1 AND device_id = $2`,
		wallet, deviceID, at)
	if err != nil {
		return fmt.Errorf("failed to touch device link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrLinkNotFound
	}
	return nil
}

func (r *postgresRepository) Get(ctx context.Context, wallet string) (*models.Identity, error) {
	ident, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE wallet_address = $1`, wallet))
	if err != nil {
		return nil, err
	}
	if ident.Devices, err = r.LinkedDevices(ctx, wallet); err != nil {
		return nil, err
	}
	return ident, nil
}

func (r *postgresRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*models.Identity, error) {
	ident, err := scanIdentity(r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE telegram_id = $1`, telegramID))
	if err != nil {
		return nil, err
	}
	if ident.Devices, err = r.LinkedDevices(ctx, ident.WalletAddress); err != nil {
		return nil, err
	}
	return ident, nil
}

func (r *postgresRepository) LinkedDevices(ctx context.Context, wallet string) ([]models.DeviceLink, error) {
	return queryLinks(ctx, r.db, `
		SELECT wallet_address, device_id, linked_at, last_seen_at
		FROM identity_devices WHERE wallet_address = $1 ORDER BY linked_at
	`, wallet)
}

func (r *postgresRepository) LinksForDevice(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceLink, error) {
	return queryLinks(ctx, r.db, `
		SELECT wallet_address, device_id, linked_at, last_seen_at
		FROM identity_devices WHERE device_id = $1 AND last_seen_at >= $2 ORDER BY linked_at
	`, deviceID, since)
}

func (r *postgresRepository) Unlink(ctx context.Context, wallet, deviceID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM identity_devices WHERE wallet_address = $1 AND device_id = $2`, wallet, deviceID)
	if err != nil {
		return fmt.Errorf("failed to unlink device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrLinkNotFound
	}
	return nil
}

func (r *postgresRepository) SetActive(ctx context.Context, wallet string, active bool) error {
	return r.updateOne(ctx, `UPDATE identities SET active = $2 WHERE wallet_address = $1`, wallet, active)
}

func (r *postgresRepository) SetEmail(ctx context.Context, wallet, email string) error {
	return r.updateOne(ctx, `UPDATE identities SET email = $2 WHERE wallet_address = $1`, wallet, email)
}

func (r *postgresRepository) BindTelegram(ctx context.Context, wallet string, telegramID int64) error {
	err := r.updateOne(ctx, `UPDATE identities SET telegram_id = $2 WHERE wallet_address = $1`, wallet, telegramID)
	if postgres.IsUniqueViolation(err) {
		return repository.ErrTelegramBound
	}
	return err
}

func (r *postgresRepository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return repository.ErrIdentityNotFound
	}
	return nil
}

func queryLinks(ctx context.Context, q rowQuerier, query string, args ...any) ([]models.DeviceLink, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query device links: %w", err)
	}
	defer rows.Close()

	var links []models.DeviceLink
	for rows.Next() {
		var l models.DeviceLink
		if err := rows.Scan(&l.WalletAddress, &l.DeviceID, &l.LinkedAt, &l.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan device link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

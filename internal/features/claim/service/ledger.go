package service

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/metrics"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/claim/models"
	"referral-ledger-backend/internal/features/claim/repository"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/ratelimit"
	"referral-ledger-backend/internal/service/notifications"
)

const historyLimit = 100

// SettlementQueue hands committed claims to the settlement worker.
type SettlementQueue interface {
	Enqueue(ctx context.Context, record *models.ClaimRecord)
}

type Notifier interface {
	Notify(to notifications.Recipient, kind string, payload map[string]any)
}

type IdentityReader interface {
	Get(ctx context.Context, address string) (*identitymodels.Identity, error)
}

// Ledger is the only writer of total_claimed.
type Ledger struct {
	repo       repository.ClaimRepository
	wallets    *validation.WalletNormalizer
	identities IdentityReader
	queue      SettlementQueue
	notifier   Notifier
	limiter    ratelimit.Limiter
	cfg        config.ClaimConfig
	limits     config.RateLimitConfig
	retry      retry.Policy
	now        func() time.Time
}

func NewLedger(
	repo repository.ClaimRepository,
	wallets *validation.WalletNormalizer,
	identities IdentityReader,
	queue SettlementQueue,
	notifier Notifier,
	limiter ratelimit.Limiter,
	cfg config.ClaimConfig,
	limits config.RateLimitConfig,
	retryPolicy retry.Policy,
) *Ledger {
	return &Ledger{
		repo:       repo,
		wallets:    wallets,
		identities: identities,
		queue:      queue,
		notifier:   notifier,
		limiter:    limiter,
		cfg:        cfg,
		limits:     limits,
		retry:      retryPolicy,
		now:        time.Now,
	}
}

// PeriodKey names the claim period containing t: the UTC date for
// day-sized periods, the RFC 3339 period start otherwise.
func PeriodKey(t time.Time, period time.Duration) string {
	start := t.UTC().Truncate(period)
	if period%(24*time.Hour) == 0 {
		return start.Format("2006-01-02")
	}
	return start.Format(time.RFC3339)
}

// Claim moves amount from available to claimed and records it.
//
// The balance check comes before the period cap, so a claim failing both
// reports InsufficientBalance. Nothing is written on failure.
func (l *Ledger) Claim(ctx context.Context, address string, amount decimal.Decimal) (*models.ClaimRecord, error) {
	wallet, _, err := l.wallets.Normalize(address)
	if err != nil {
		return nil, apperrors.NewInvalidWalletError(address, err.Error())
	}
	if err := validation.ValidateAmount(amount); err != nil {
		return nil, apperrors.NewValidationError("amount", err.Error())
	}

	_, err = retry.Do(ctx, l.retry, "claim.ratelimit", func(ctx context.Context) (ratelimit.Counter, error) {
		return ratelimit.Allow(ctx, l.limiter, ratelimit.ActionClaim, wallet, l.limits.ClaimAttempts, l.limits.ClaimWindow)
	})
	if err != nil {
		metrics.Claims.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	record, err := retry.Do(ctx, l.retry, "claim", func(ctx context.Context) (*models.ClaimRecord, error) {
		return l.claimOnce(ctx, wallet, amount)
	})
	if err != nil {
		metrics.Claims.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	metrics.Claims.WithLabelValues("ok").Inc()

	logger.Info().
		Str("claim_id", record.ID).
		Str("wallet_address", wallet).
		Str("amount", record.Amount.String()).
		Str("period_key", record.PeriodKey).
		Msg("Claim recorded")

	if l.queue != nil {
		l.queue.Enqueue(ctx, record)
	}
	l.notify(ctx, record)
	return record, nil
}

func (l *Ledger) claimOnce(ctx context.Context, wallet string, amount decimal.Decimal) (*models.ClaimRecord, error) {
	now := l.now().UTC()
	periodKey := PeriodKey(now, l.cfg.Period)
	var record *models.ClaimRecord

	err := l.repo.WithWalletLock(ctx, wallet, func(tx repository.Tx) error {
		available := decimal.Zero
		balance, err := tx.Balance(ctx)
		switch {
		case err == nil:
			available = balance.Available()
		case !errors.Is(err, repository.ErrNoBalance):
			return err
		}
		if amount.GreaterThan(available) {
			return apperrors.NewInsufficientBalanceError(wallet, amount.String(), available.String())
		}

		used, err := tx.PeriodTotal(ctx, periodKey)
		if err != nil {
			return err
		}
		remaining := l.cfg.PeriodCap.Sub(used)
		if amount.GreaterThan(remaining) {
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			return apperrors.NewClaimLimitError(wallet, periodKey, remaining.String())
		}

		record = &models.ClaimRecord{
			ID:               ulid.Make().String(),
			WalletAddress:    wallet,
			Amount:           amount,
			SettlementAmount: amount.Mul(l.cfg.SettlementRate),
			SettlementToken:  l.cfg.SettlementToken,
			PeriodKey:        periodKey,
			Status:           models.StatusPending,
			ClaimedAt:        now,
		}
		_, err = tx.Append(ctx, record)
		return err
	})
	if err != nil {
		return nil, l.mapError(err, wallet)
	}
	return record, nil
}

func (l *Ledger) notify(ctx context.Context, record *models.ClaimRecord) {
	if l.notifier == nil || l.identities == nil {
		return
	}
	ident, err := l.identities.Get(ctx, record.WalletAddress)
	if err != nil {
		return
	}
	to := notifications.To(ident.Email, ident.TelegramID)
	if to.Empty() {
		return
	}
	l.notifier.Notify(to, notifications.KindClaimCreated, map[string]any{
		"claim_id":          record.ID,
		"amount":            record.Amount.String(),
		"settlement_amount": record.SettlementAmount.String(),
		"settlement_token":  record.SettlementToken,
	})
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.ClaimRecord, error) {
	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return nil, l.mapError(err, "")
	}
	return rec, nil
}

func (l *Ledger) History(ctx context.Context, address string) ([]*models.ClaimRecord, error) {
	wallet, _, err := l.wallets.Normalize(address)
	if err != nil {
		return nil, apperrors.NewInvalidWalletError(address, err.Error())
	}
	recs, err := l.repo.History(ctx, wallet, historyLimit)
	if err != nil {
		return nil, l.mapError(err, wallet)
	}
	return recs, nil
}

// MarkSettled records the on-chain transfer. Settling twice is rejected.
func (l *Ledger) MarkSettled(ctx context.Context, id, txHash string) (*models.ClaimRecord, error) {
	rec, err := l.repo.MarkSettled(ctx, id, txHash, l.now().UTC())
	if err != nil {
		return nil, l.mapError(err, "")
	}
	if l.notifier != nil && l.identities != nil {
		if ident, err := l.identities.Get(ctx, rec.WalletAddress); err == nil {
			l.notifier.Notify(notifications.To(ident.Email, ident.TelegramID), notifications.KindClaimSettled, map[string]any{
				"claim_id":         rec.ID,
				"transaction_hash": txHash,
			})
		}
	}
	return rec, nil
}

// MarkFailed is terminal; the claimed amount stays claimed and the record is
// left for manual resolution.
func (l *Ledger) MarkFailed(ctx context.Context, id string) (*models.ClaimRecord, error) {
	rec, err := l.repo.MarkFailed(ctx, id, l.now().UTC())
	if err != nil {
		return nil, l.mapError(err, "")
	}
	logger.Warn().Str("claim_id", id).Str("wallet_address", rec.WalletAddress).Msg("Claim settlement failed")
	return rec, nil
}

// ListPending returns claims still awaiting settlement after olderThan.
func (l *Ledger) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*models.ClaimRecord, error) {
	recs, err := l.repo.ListPending(ctx, l.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return nil, l.mapError(err, "")
	}
	return recs, nil
}

func resultLabel(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeInsufficientBalance:
		return "insufficient_balance"
	case apperrors.ErrCodeClaimLimitExceeded:
		return "limit_exceeded"
	case apperrors.ErrCodeValidation, apperrors.ErrCodeInvalidWalletFormat:
		return "invalid"
	default:
		return "error"
	}
}

func (l *Ledger) mapError(err error, wallet string) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrClaimNotFound):
		return apperrors.NewNotFoundError("claim", "")
	case errors.Is(err, repository.ErrClaimNotPending):
		return apperrors.NewValidationError("status", "claim is not pending")
	case errors.Is(err, repository.ErrNoBalance):
		return apperrors.NewInsufficientBalanceError(wallet, "", "0")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.NewInternalError("claim", err).WithContext("wallet_address", wallet)
	}
}

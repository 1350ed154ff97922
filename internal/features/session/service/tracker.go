package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/metrics"
	"referral-ledger-backend/internal/common/retry"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/session/models"
	"referral-ledger-backend/internal/features/session/repository"
)

type IdentityResolver interface {
	Resolve(ctx context.Context, address string, device identitymodels.DeviceInfo) (*identitymodels.Identity, error)
}

// Tracker owns the session lifecycle: start on connect, heartbeat on
// activity, end on logout or idle timeout.
type Tracker struct {
	repo       repository.SessionRepository
	identities IdentityResolver
	retry      retry.Policy
	now        func() time.Time
}

func NewTracker(repo repository.SessionRepository, identities IdentityResolver, retryPolicy retry.Policy) *Tracker {
	return &Tracker{
		repo:       repo,
		identities: identities,
		retry:      retryPolicy,
		now:        time.Now,
	}
}

// Start resolves the identity (linking the device) and returns the active
// session for the pair, opening one if there is none.
func (t *Tracker) Start(ctx context.Context, address string, device identitymodels.DeviceInfo) (*models.Session, error) {
	ident, err := t.identities.Resolve(ctx, address, device)
	if err != nil {
		return nil, err
	}
	if !ident.Active {
		return nil, apperrors.NewForbiddenError("identity is deactivated")
	}

	return retry.Do(ctx, t.retry, "session.start", func(ctx context.Context) (*models.Session, error) {
		now := t.now().UTC()
		s, created, err := t.repo.Create(ctx, &models.Session{
			ID:            uuid.New(),
			WalletAddress: ident.WalletAddress,
			DeviceID:      device.DeviceID,
			StartTime:     now,
			LastActive:    now,
			Active:        true,
		})
		if err != nil {
			return nil, t.mapError(err)
		}
		if !created {
			if s, err = t.repo.Touch(ctx, s.ID, now); err != nil {
				return nil, t.mapError(err)
			}
			return s, nil
		}
		logger.Debug().
			Str("session_id", s.ID.String()).
			Str("wallet_address", s.WalletAddress).
			Str("device_id", s.DeviceID).
			Msg("Session started")
		return s, nil
	})
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, t.mapError(err)
	}
	return s, nil
}

func (t *Tracker) Heartbeat(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := t.repo.Touch(ctx, id, t.now().UTC())
	if err != nil {
		return nil, t.mapError(err)
	}
	return s, nil
}

func (t *Tracker) End(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s, err := t.repo.Close(ctx, id, t.now().UTC())
	if err != nil {
		return nil, t.mapError(err)
	}
	metrics.ActiveSessionsClosed.WithLabelValues("logout").Inc()
	return s, nil
}

// ExpireIdle closes sessions with no activity for idleTimeout.
func (t *Tracker) ExpireIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	n, err := t.repo.CloseIdle(ctx, t.now().UTC().Add(-idleTimeout))
	if err != nil {
		return 0, t.mapError(err)
	}
	if n > 0 {
		metrics.ActiveSessionsClosed.WithLabelValues("timeout").Add(float64(n))
		logger.Info().Int("closed", n).Msg("Idle sessions expired")
	}
	return n, nil
}

// HasActiveSession lets the identity resolver skip busy devices on eviction.
func (t *Tracker) HasActiveSession(ctx context.Context, wallet, deviceID string) (bool, error) {
	_, err := t.repo.GetActive(ctx, wallet, deviceID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) mapError(err error) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		return apperrors.NewNotFoundError("session", "")
	case errors.Is(err, repository.ErrSessionClosed):
		return apperrors.NewValidationError("session", "session is closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.NewInternalError("session", err)
	}
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"referral-ledger-backend/internal/features/session/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
)

type SessionRepository interface {
	// Create stores s unless the pair already has an active session, which is
	// then returned with created=false.
	Create(ctx context.Context, s *models.Session) (stored *models.Session, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	GetActive(ctx context.Context, wallet, deviceID string) (*models.Session, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error)
	Close(ctx context.Context, id uuid.UUID, at time.Time) (*models.Session, error)
	// CloseIdle ends active sessions last seen before cutoff, at their last activity.
	CloseIdle(ctx context.Context, cutoff time.Time) (int, error)
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"referral-ledger-backend/internal/features/referral/models"
)

var (
	ErrCodeNotFound         = errors.New("referral code not found")
	ErrCodeTaken            = errors.New("referral code already exists")
	ErrRelationshipNotFound = errors.New("referral relationship not found")
	ErrStatusConflict       = errors.New("referral relationship is not in the expected status")
)

type ReferralRepository interface {
	// CreateCode fails with ErrCodeTaken when the code or the wallet already has one.
	CreateCode(ctx context.Context, code *models.ReferralCode) error
	GetCode(ctx context.Context, code string) (*models.ReferralCode, error)
	GetCodeByWallet(ctx context.Context, wallet string) (*models.ReferralCode, error)
	SetCodeActive(ctx context.Context, code string, active bool) error

	// CreateRelationship inserts rel unless the referred wallet already has a
	// non-rejected relationship, in which case that one is returned with created=false.
	CreateRelationship(ctx context.Context, rel *models.Relationship) (stored *models.Relationship, created bool, err error)
	GetRelationship(ctx context.Context, id uuid.UUID) (*models.Relationship, error)
	GetActiveByReferred(ctx context.Context, referredWallet string) (*models.Relationship, error)
	ListByReferrer(ctx context.Context, referrerWallet string) ([]*models.Relationship, error)
	// TransitionStatus moves id to `to` only if its status is one of from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []models.Status, to models.Status, at time.Time) (*models.Relationship, error)

	CountValidated(ctx context.Context, referrerWallet string) (int, error)
	ListReferrersWithValidated(ctx context.Context) ([]string, error)
}

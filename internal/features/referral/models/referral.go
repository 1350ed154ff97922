package models

import (
	"time"

	"github.com/google/uuid"

	apperrors "referral-ledger-backend/internal/common/errors"
	fraudmodels "referral-ledger-backend/internal/features/fraud/models"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusValidated  Status = "validated"
	StatusRejected   Status = "rejected"
	StatusSuspicious Status = "suspicious"
)

// Outcome tells the caller whether a redemption created anything.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
)

type ReferralCode struct {
	Code          string    `json:"code"`
	WalletAddress string    `json:"wallet_address"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Relationship links a referrer to the wallet it brought in. A referred
// wallet holds at most one relationship that is not rejected.
type Relationship struct {
	ID             uuid.UUID           `json:"id"`
	ReferrerWallet string              `json:"referrer_wallet"`
	ReferredWallet string              `json:"referred_wallet"`
	ReferralCode   string              `json:"referral_code"`
	DeviceID       string              `json:"device_id"`
	Status         Status              `json:"status"`
	FraudScore     float64             `json:"fraud_score"`
	Signals        fraudmodels.Signals `json:"signals"`
	CreatedAt      time.Time           `json:"created_at"`
	ValidatedAt    *time.Time          `json:"validated_at,omitempty"`
	ReviewedAt     *time.Time          `json:"reviewed_at,omitempty"`
}

// Public drops the fraud scoring and the referred device, which only admins see.
func (r *Relationship) Public() *PublicRelationship {
	return &PublicRelationship{
		ID:             r.ID,
		ReferrerWallet: r.ReferrerWallet,
		ReferredWallet: r.ReferredWallet,
		ReferralCode:   r.ReferralCode,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		ValidatedAt:    r.ValidatedAt,
		ReviewedAt:     r.ReviewedAt,
	}
}

type PublicRelationship struct {
	ID             uuid.UUID  `json:"id"`
	ReferrerWallet string     `json:"referrer_wallet"`
	ReferredWallet string     `json:"referred_wallet"`
	ReferralCode   string     `json:"referral_code"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

// Reason explains a redemption that did not simply create a validated row.
type Reason struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

var (
	ReasonSuspicious = Reason{Code: apperrors.ErrCodeSuspiciousReferral, Message: "Referral held for manual review"}
	ReasonDuplicate  = Reason{Code: apperrors.ErrCodeDuplicateReferral, Message: "Referral already recorded for this pair"}
)

type ProcessResult struct {
	Relationship *Relationship `json:"relationship"`
	Outcome      Outcome       `json:"outcome"`
	Reason       *Reason       `json:"reason,omitempty"`
}

// Public is the result as a non-admin caller sees it.
func (r *ProcessResult) Public() *PublicProcessResult {
	return &PublicProcessResult{Relationship: r.Relationship.Public(), Outcome: r.Outcome, Reason: r.Reason}
}

type PublicProcessResult struct {
	Relationship *PublicRelationship `json:"relationship"`
	Outcome      Outcome             `json:"outcome"`
	Reason       *Reason             `json:"reason,omitempty"`
}

type RedeemRequest struct {
	ReferralCode   string                    `json:"referral_code" binding:"required,refcode"`
	ReferredWallet string                    `json:"referred_wallet" binding:"required,wallet"`
	Device         identitymodels.DeviceInfo `json:"device" binding:"required"`
}

type IssueCodeRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required,wallet"`
}

type ReviewRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

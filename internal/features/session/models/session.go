package models

import (
	"time"

	"github.com/google/uuid"

	identitymodels "referral-ledger-backend/internal/features/identity/models"
)

// Session is one connected (wallet, device) pair. At most one is active per pair.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	WalletAddress   string     `json:"wallet_address"`
	DeviceID        string     `json:"device_id"`
	StartTime       time.Time  `json:"start_time"`
	LastActive      time.Time  `json:"last_active"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Active          bool       `json:"active"`
}

type StartRequest struct {
	WalletAddress string                    `json:"wallet_address" binding:"required,wallet"`
	Device        identitymodels.DeviceInfo `json:"device" binding:"required"`
}

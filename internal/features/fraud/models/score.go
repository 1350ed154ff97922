package models

import "time"

// Signals are the per-signal values, each in [0,1].
type Signals struct {
	DeviceSharing float64 `json:"device_sharing"`
	WalletAge     float64 `json:"wallet_age"`
	Velocity      float64 `json:"velocity"`
	SelfReferral  float64 `json:"self_referral"`

	// TelegramRegisteredAt is a hint for reviewers and carries no weight.
	TelegramRegisteredAt *time.Time `json:"telegram_registered_at,omitempty"`
}

type Assessment struct {
	Score      float64 `json:"score"`
	Signals    Signals `json:"signals"`
	Suspicious bool    `json:"suspicious"`
}

// Snapshot is everything the score depends on, captured before scoring.
type Snapshot struct {
	ReferrerWallet string
	ReferredWallet string
	DeviceID       string

	// DeviceWallets are wallets linked to DeviceID within the lookback window.
	DeviceWallets []string
	// ReferrerDevices are the devices currently linked to the referrer.
	ReferrerDevices []string

	// ReferredFirstSeen is zero when the referred wallet is unknown.
	ReferredFirstSeen  time.Time
	ReferredTelegramID *int64
	Now                time.Time

	IPCount     int64
	IPCap       int64
	DeviceCount int64
	DeviceCap   int64
}

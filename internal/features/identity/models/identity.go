package models

import (
	"time"

	"referral-ledger-backend/internal/common/validation"
)

// Identity is a wallet known to the system. WalletAddress is canonical.
type Identity struct {
	WalletAddress string                `json:"wallet_address"`
	WalletType    validation.WalletType `json:"wallet_type"`
	Email         *string               `json:"email,omitempty"`
	TelegramID    *int64                `json:"telegram_id,omitempty"`
	Active        bool                  `json:"active"`
	FirstSeenAt   time.Time             `json:"first_seen_at"`
	LastSeenAt    time.Time             `json:"last_seen_at"`
	Devices       []DeviceLink          `json:"devices,omitempty"`
}

// HasDevice reports whether deviceID is currently linked.
func (i *Identity) HasDevice(deviceID string) bool {
	for _, d := range i.Devices {
		if d.DeviceID == deviceID {
			return true
		}
	}
	return false
}

type Device struct {
	DeviceID            string    `json:"device_id"`
	HardwareFingerprint string    `json:"hardware_fingerprint"`
	UserAgent           string    `json:"user_agent"`
	LastIP              string    `json:"last_ip"`
	FirstSeenAt         time.Time `json:"first_seen_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
}

// DeviceLink is one edge of the wallet <-> device graph.
type DeviceLink struct {
	WalletAddress string    `json:"wallet_address"`
	DeviceID      string    `json:"device_id"`
	LinkedAt      time.Time `json:"linked_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// DeviceInfo is what a client reports about the device it is calling from.
type DeviceInfo struct {
	DeviceID            string `json:"device_id" binding:"required,deviceid"`
	HardwareFingerprint string `json:"hardware_fingerprint" binding:"max=256"`
	UserAgent           string `json:"user_agent" binding:"max=512"`
	IP                  string `json:"-"`
}

type ResolveRequest struct {
	WalletAddress string     `json:"wallet_address" binding:"required,wallet"`
	Device        DeviceInfo `json:"device" binding:"required"`
}

type SetEmailRequest struct {
	Email string `json:"email" binding:"required,email,max=254"`
}

package repository

import (
	"context"
	"errors"
	"time"

	"referral-ledger-backend/internal/features/identity/models"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrLinkNotFound     = errors.New("device link not found")
	ErrTelegramBound    = errors.New("telegram account already bound to another wallet")
)

// Tx is the view of the store available while a wallet is locked.
type Tx interface {
	GetIdentity(ctx context.Context, wallet string) (*models.Identity, error)
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	TouchIdentity(ctx context.Context, wallet string, at time.Time) error

	// UpsertDevice also serialises concurrent links of the same device.
	UpsertDevice(ctx context.Context, device *models.Device) error
	LinkedDevices(ctx context.Context, wallet string) ([]models.DeviceLink, error)
	// OtherWalletCount counts wallets linked to deviceID except wallet.
	OtherWalletCount(ctx context.Context, deviceID, wallet string) (int, error)
	Link(ctx context.Context, link models.DeviceLink) error
	TouchLink(ctx context.Context, wallet, deviceID string, at time.Time) error
}

type IdentityRepository interface {
	// WithinTx runs fn with wallet exclusively locked; fn's error rolls everything back.
	WithinTx(ctx context.Context, wallet string, fn func(tx Tx) error) error

	Get(ctx context.Context, wallet string) (*models.Identity, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*models.Identity, error)
	LinkedDevices(ctx context.Context, wallet string) ([]models.DeviceLink, error)
	// LinksForDevice returns links of deviceID seen at or after since.
	LinksForDevice(ctx context.Context, deviceID string, since time.Time) ([]models.DeviceLink, error)
	Unlink(ctx context.Context, wallet, deviceID string) error

	SetActive(ctx context.Context, wallet string, active bool) error
	SetEmail(ctx context.Context, wallet, email string) error
	BindTelegram(ctx context.Context, wallet string, telegramID int64) error
}

package service

import (
	"context"
	"errors"
	"time"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	"referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/identity/repository"
)

const (
	reasonDeviceCap    = "wallet_device_cap"
	reasonDeviceShared = "device_shared_too_widely"
	reasonNoInactive   = "no_inactive_device"
)

// ActiveSessionChecker tells the resolver which devices are in use.
type ActiveSessionChecker interface {
	HasActiveSession(ctx context.Context, wallet, deviceID string) (bool, error)
}

// Resolver maps (wallet, device) observations onto identities.
type Resolver struct {
	repo     repository.IdentityRepository
	wallets  *validation.WalletNormalizer
	sessions ActiveSessionChecker
	cfg      config.IdentityConfig
	retry    retry.Policy
	now      func() time.Time
}

func NewResolver(
	repo repository.IdentityRepository,
	wallets *validation.WalletNormalizer,
	sessions ActiveSessionChecker,
	cfg config.IdentityConfig,
	retryPolicy retry.Policy,
) *Resolver {
	return &Resolver{
		repo:     repo,
		wallets:  wallets,
		sessions: sessions,
		cfg:      cfg,
		retry:    retryPolicy,
		now:      time.Now,
	}
}

// SetSessionChecker breaks the construction cycle with the session service.
func (r *Resolver) SetSessionChecker(c ActiveSessionChecker) {
	r.sessions = c
}

// Normalize validates the address and returns its canonical form.
func (r *Resolver) Normalize(address string) (string, validation.WalletType, error) {
	canonical, walletType, err := r.wallets.Normalize(address)
	if err != nil {
		return "", "", apperrors.NewInvalidWalletError(address, err.Error())
	}
	return canonical, walletType, nil
}

// DetectWalletType is Normalize without the canonical address.
func (r *Resolver) DetectWalletType(address string) (validation.WalletType, error) {
	_, walletType, err := r.Normalize(address)
	return walletType, err
}

// Resolve returns the identity for address, creating it on first sight and
// linking the reporting device. Concurrent calls with the same input
// converge on one identity and one link.
func (r *Resolver) Resolve(ctx context.Context, address string, device models.DeviceInfo) (*models.Identity, error) {
	wallet, walletType, err := r.Normalize(address)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateDeviceID(device.DeviceID); err != nil {
		return nil, apperrors.NewValidationError("device_id", err.Error())
	}

	return retry.Do(ctx, r.retry, "identity.resolve", func(ctx context.Context) (*models.Identity, error) {
		return r.resolveOnce(ctx, wallet, walletType, device)
	})
}

func (r *Resolver) resolveOnce(ctx context.Context, wallet string, walletType validation.WalletType, device models.DeviceInfo) (*models.Identity, error) {
	now := r.now().UTC()
	var result *models.Identity

	err := r.repo.WithinTx(ctx, wallet, func(tx repository.Tx) error {
		ident, err := tx.GetIdentity(ctx, wallet)
		switch {
		case errors.Is(err, repository.ErrIdentityNotFound):
			ident = &models.Identity{
				WalletAddress: wallet,
				WalletType:    walletType,
				Active:        true,
				FirstSeenAt:   now,
				LastSeenAt:    now,
			}
			if err := tx.CreateIdentity(ctx, ident); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if err := tx.UpsertDevice(ctx, &models.Device{
			DeviceID:            device.DeviceID,
			HardwareFingerprint: device.HardwareFingerprint,
			UserAgent:           device.UserAgent,
			LastIP:              device.IP,
			FirstSeenAt:         now,
			LastSeenAt:          now,
		}); err != nil {
			return err
		}

		links, err := tx.LinkedDevices(ctx, wallet)
		if err != nil {
			return err
		}
		linked := false
		for _, l := range links {
			if l.DeviceID == device.DeviceID {
				linked = true
				break
			}
		}

		if linked {
			if err := tx.TouchLink(ctx, wallet, device.DeviceID, now); err != nil {
				return err
			}
		} else {
			// Per-wallet device limit
			if len(links) >= r.cfg.MaxDevicesPerWallet {
				return apperrors.NewDeviceLimitError(wallet, device.DeviceID, reasonDeviceCap, r.cfg.MaxDevicesPerWallet)
			}
			// Sharing below the threshold only feeds the fraud score.
			others, err := tx.OtherWalletCount(ctx, device.DeviceID, wallet)
			if err != nil {
				return err
			}
			if others >= r.cfg.MaxWalletsPerDevice {
				return apperrors.NewDeviceLimitError(wallet, device.DeviceID, reasonDeviceShared, r.cfg.MaxWalletsPerDevice)
			}
			link := models.DeviceLink{WalletAddress: wallet, DeviceID: device.DeviceID, LinkedAt: now, LastSeenAt: now}
			if err := tx.Link(ctx, link); err != nil {
				return err
			}
			links = append(links, link)
		}

		if err := tx.TouchIdentity(ctx, wallet, now); err != nil {
			return err
		}
		ident.LastSeenAt = now
		ident.Devices = links
		result = ident
		return nil
	})
	if err != nil {
		return nil, r.mapError(err, wallet)
	}

	logger.Debug().
		Str("wallet_address", wallet).
		Str("device_id", device.DeviceID).
		Int("devices", len(result.Devices)).
		Msg("Identity resolved")
	return result, nil
}

// Get returns a known identity by any spelling of its address.
func (r *Resolver) Get(ctx context.Context, address string) (*models.Identity, error) {
	wallet, _, err := r.Normalize(address)
	if err != nil {
		return nil, err
	}
	ident, err := r.repo.Get(ctx, wallet)
	if err != nil {
		return nil, r.mapError(err, wallet)
	}
	return ident, nil
}

func (r *Resolver) GetByTelegramID(ctx context.Context, telegramID int64) (*models.Identity, error) {
	ident, err := r.repo.GetByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, apperrors.NewNotFoundError("identity", telegramID)
		}
		return nil, apperrors.NewInternalError("identity.get_by_telegram", err)
	}
	return ident, nil
}

// EvictOldestInactiveDevice frees a device slot by unlinking the least
// recently seen device that has no active session.
func (r *Resolver) EvictOldestInactiveDevice(ctx context.Context, address string) (*models.DeviceLink, error) {
	ident, err := r.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	var victim *models.DeviceLink
	for i := range ident.Devices {
		d := ident.Devices[i]
		if r.sessions != nil {
			active, err := r.sessions.HasActiveSession(ctx, ident.WalletAddress, d.DeviceID)
			if err != nil {
				return nil, apperrors.NewInternalError("identity.evict", err)
			}
			if active {
				continue
			}
		}
		if victim == nil || d.LastSeenAt.Before(victim.LastSeenAt) {
			victim = &d
		}
	}
	if victim == nil {
		return nil, apperrors.NewDeviceLimitError(ident.WalletAddress, "", reasonNoInactive, r.cfg.MaxDevicesPerWallet)
	}

	if err := r.repo.Unlink(ctx, ident.WalletAddress, victim.DeviceID); err != nil {
		return nil, r.mapError(err, ident.WalletAddress)
	}
	logger.Info().
		Str("wallet_address", ident.WalletAddress).
		Str("device_id", victim.DeviceID).
		Msg("Evicted inactive device")
	return victim, nil
}

func (r *Resolver) DetachDevice(ctx context.Context, address, deviceID string) error {
	wallet, _, err := r.Normalize(address)
	if err != nil {
		return err
	}
	if err := r.repo.Unlink(ctx, wallet, deviceID); err != nil {
		return r.mapError(err, wallet)
	}
	return nil
}

func (r *Resolver) Deactivate(ctx context.Context, address string) error {
	wallet, _, err := r.Normalize(address)
	if err != nil {
		return err
	}
	if err := r.repo.SetActive(ctx, wallet, false); err != nil {
		return r.mapError(err, wallet)
	}
	logger.Info().Str("wallet_address", wallet).Msg("Identity deactivated")
	return nil
}

func (r *Resolver) SetEmail(ctx context.Context, address, email string) error {
	wallet, _, err := r.Normalize(address)
	if err != nil {
		return err
	}
	if err := validation.ValidateEmail(email); err != nil {
		return apperrors.NewValidationError("email", err.Error())
	}
	if err := r.repo.SetEmail(ctx, wallet, email); err != nil {
		return r.mapError(err, wallet)
	}
	return nil
}

// BindTelegram ties a Mini App account to a wallet. Rebinding to the same
// wallet is a no-op.
func (r *Resolver) BindTelegram(ctx context.Context, address string, telegramID int64) error {
	wallet, _, err := r.Normalize(address)
	if err != nil {
		return err
	}
	ident, err := r.repo.Get(ctx, wallet)
	if err != nil {
		return r.mapError(err, wallet)
	}
	if ident.TelegramID != nil {
		if *ident.TelegramID == telegramID {
			return nil
		}
		return apperrors.NewForbiddenError("wallet is bound to another telegram account")
	}
	if err := r.repo.BindTelegram(ctx, wallet, telegramID); err != nil {
		return r.mapError(err, wallet)
	}
	return nil
}

func (r *Resolver) mapError(err error, wallet string) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrIdentityNotFound):
		return apperrors.NewNotFoundError("identity", wallet)
	case errors.Is(err, repository.ErrLinkNotFound):
		return apperrors.NewNotFoundError("device link", wallet)
	case errors.Is(err, repository.ErrTelegramBound):
		return apperrors.NewForbiddenError("telegram account already bound to another wallet")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.NewInternalError("identity", err).WithContext("wallet_address", wallet)
	}
}

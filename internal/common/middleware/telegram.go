package middleware

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
)

const InitDataHeader = "X-Telegram-Init-Data"

// TelegramLookup finds the wallet bound to a Mini App user.
type TelegramLookup interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*identitymodels.Identity, error)
}

// fromInitData validates Mini App init-data and maps its user onto a principal.
func (a *Authenticator) fromInitData(c *gin.Context, raw string) (*Principal, error) {
	if a.cfg.BotToken == "" {
		return nil, apperrors.NewUnauthorizedError("init-data validation is not configured")
	}
	if err := initdata.Validate(raw, a.cfg.BotToken, a.cfg.InitDataTTL); err != nil {
		logger.Debug().Err(err).Msg("Init data validation failed")
		return nil, apperrors.NewUnauthorizedError("invalid init data")
	}
	parsed, err := initdata.Parse(raw)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError(fmt.Sprintf("malformed init data: %v", err))
	}
	if parsed.User.ID == 0 {
		return nil, apperrors.NewUnauthorizedError("init data carries no user")
	}

	p := &Principal{TelegramID: parsed.User.ID, Role: RoleUser}
	if a.admins[parsed.User.ID] {
		p.Role = RoleAdmin
	}
	if a.lookup != nil {
		// A user without a linked wallet is still authenticated
		if ident, err := a.lookup.GetByTelegramID(c.Request.Context(), parsed.User.ID); err == nil {
			p.Wallet = ident.WalletAddress
		} else if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return nil, err
		}
	}
	return p, nil
}

package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/validation"
)

// Claims are the JWT claims issued to wallets. Subject is the canonical wallet.
type Claims struct {
	Role       string `json:"role"`
	TelegramID int64  `json:"tg_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator accepts a Bearer JWT or Telegram Mini App init-data.
type Authenticator struct {
	cfg     config.AuthConfig
	wallets *validation.WalletNormalizer
	lookup  TelegramLookup
	admins  map[int64]bool
	now     func() time.Time
}

func NewAuthenticator(cfg config.AuthConfig, wallets *validation.WalletNormalizer, lookup TelegramLookup) *Authenticator {
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Authenticator{cfg: cfg, wallets: wallets, lookup: lookup, admins: admins, now: time.Now}
}

// IssueToken signs an HS256 token for the principal.
func (a *Authenticator) IssueToken(p *Principal) (string, time.Time, error) {
	if a.cfg.JWTSecret == "" {
		return "", time.Time{}, apperrors.NewInternalError("auth.issue", fmt.Errorf("JWT_SECRET is not set"))
	}
	now := a.now()
	expires := now.Add(a.cfg.JWTTTL)
	claims := Claims{
		Role:       p.Role,
		TelegramID: p.TelegramID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Wallet,
			Issuer:    a.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, apperrors.NewInternalError("auth.issue", err)
	}
	return signed, expires, nil
}

func (a *Authenticator) parseToken(raw string) (*Principal, error) {
	if a.cfg.JWTSecret == "" {
		return nil, apperrors.NewUnauthorizedError("token authentication is not configured")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.cfg.JWTIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError("invalid token")
	}

	p := &Principal{TelegramID: claims.TelegramID, Role: claims.Role}
	if p.Role != RoleAdmin {
		p.Role = RoleUser
	}
	if claims.Subject != "" {
		wallet, _, err := a.wallets.Normalize(claims.Subject)
		if err != nil {
			return nil, apperrors.NewUnauthorizedError("token subject is not a wallet")
		}
		p.Wallet = wallet
	}
	return p, nil
}

// Authenticate requires a credential and stores the caller in the context.
func (a *Authenticator) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			p   *Principal
			err error
		)
		if header := c.GetHeader("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				Abort(c, apperrors.NewUnauthorizedError("authorization header must be a Bearer token"))
				return
			}
			p, err = a.parseToken(strings.TrimSpace(token))
		} else if raw := c.GetHeader(InitDataHeader); raw != "" {
			p, err = a.fromInitData(c, raw)
		} else {
			err = apperrors.NewUnauthorizedError("credentials required")
		}
		if err != nil {
			Abort(c, err)
			return
		}
		setPrincipal(c, p)
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			Abort(c, apperrors.NewUnauthorizedError("credentials required"))
			return
		}
		if !p.IsAdmin() {
			Abort(c, apperrors.NewForbiddenError("admin access required"))
			return
		}
		c.Next()
	}
}

// AuthorizeWallet checks that the caller acts on its own wallet. Admins may
// act on any wallet. address may be in any accepted spelling.
func (a *Authenticator) AuthorizeWallet(c *gin.Context, address string) error {
	p, ok := PrincipalFrom(c)
	if !ok {
		return apperrors.NewUnauthorizedError("credentials required")
	}
	if p.IsAdmin() {
		return nil
	}
	wallet, _, err := a.wallets.Normalize(address)
	if err != nil {
		return apperrors.NewInvalidWalletError(address, err.Error())
	}
	if p.Wallet == "" || p.Wallet != wallet {
		return apperrors.NewForbiddenError("wallet does not belong to the caller")
	}
	return nil
}

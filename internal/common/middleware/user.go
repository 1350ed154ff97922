package middleware

import (
	"github.com/gin-gonic/gin"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	principalKey = "principal"
)

// Principal is the authenticated caller. Wallet is canonical and may be
// empty for a Telegram user that has not bound a wallet yet.
type Principal struct {
	Wallet     string `json:"wallet_address,omitempty"`
	TelegramID int64  `json:"telegram_id,omitempty"`
	Role       string `json:"role"`
}

func (p *Principal) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

func setPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom returns the caller set by Authenticate.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

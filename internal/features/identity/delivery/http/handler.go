package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/middleware"
	"referral-ledger-backend/internal/features/identity/models"
)

type IdentityService interface {
	Resolve(ctx context.Context, address string, device models.DeviceInfo) (*models.Identity, error)
	Get(ctx context.Context, address string) (*models.Identity, error)
	EvictOldestInactiveDevice(ctx context.Context, address string) (*models.DeviceLink, error)
	DetachDevice(ctx context.Context, address, deviceID string) error
	Deactivate(ctx context.Context, address string) error
	SetEmail(ctx context.Context, address, email string) error
	BindTelegram(ctx context.Context, address string, telegramID int64) error
}

type Handler struct {
	service IdentityService
	auth    *middleware.Authenticator
}

func NewHandler(service IdentityService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

type EmailRequest struct {
	Email string `json:"email" binding:"required,max=254"`
}

type BindTelegramRequest struct {
	TelegramID int64 `json:"telegram_id" binding:"required,gt=0"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/auth/token", h.issueToken)

	identity := router.Group("/identity")
	{
		identity.POST("/resolve", h.resolve)
		identity.GET("/:wallet", h.get)
		identity.POST("/:wallet/devices/evict", h.evict)
		identity.DELETE("/:wallet/devices/:device_id", h.detach)
		identity.PUT("/:wallet/email", h.setEmail)
	}

	// Admin routes
	admin := router.Group("/identity", middleware.RequireAdmin())
	{
		admin.PUT("/:wallet/telegram", h.bindTelegram)
		admin.DELETE("/:wallet", h.deactivate)
	}
}

// @Summary Exchange credentials for a JWT
// @Description Issues a Bearer token for the authenticated caller. Mini App users need a bound wallet.
// @Tags auth
// @Produce json
// @Security TelegramInitData
// @Success 200 {object} middleware.DataResponse{data=TokenResponse}
// @Failure 401 {object} middleware.ErrorResponse
// @Failure 403 {object} middleware.ErrorResponse
// @Router /auth/token [post]
func (h *Handler) issueToken(c *gin.Context) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		middleware.Abort(c, apperrors.NewUnauthorizedError("credentials required"))
		return
	}
	if p.Wallet == "" && !p.IsAdmin() {
		middleware.Abort(c, apperrors.NewForbiddenError("no wallet is bound to this account"))
		return
	}
	token, expires, err := h.auth.IssueToken(p)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires.Unix()})
}

// @Summary Resolve identity
// @Description Creates the identity on first sight and links the calling device.
// @Tags identity
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.ResolveRequest true "Wallet and device"
// @Success 200 {object} middleware.DataResponse{data=models.Identity}
// @Failure 400 {object} middleware.ErrorResponse "Invalid wallet or device"
// @Failure 403 {object} middleware.ErrorResponse
// @Failure 409 {object} middleware.ErrorResponse "Device limit exceeded"
// @Router /identity/resolve [post]
func (h *Handler) resolve(c *gin.Context) {
	var req models.ResolveRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.auth.AuthorizeWallet(c, req.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return
	}
	req.Device.IP = c.ClientIP()

	ident, err := h.service.Resolve(c.Request.Context(), req.WalletAddress, req.Device)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, ident)
}

// @Summary Get identity
// @Tags identity
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 200 {object} middleware.DataResponse{data=models.Identity}
// @Failure 404 {object} middleware.ErrorResponse
// @Router /identity/{wallet} [get]
func (h *Handler) get(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	ident, err := h.service.Get(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, ident)
}

// @Summary Evict oldest inactive device
// @Description Frees a device slot by unlinking the least recently seen device without an active session.
// @Tags identity
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 200 {object} middleware.DataResponse{data=models.DeviceLink}
// @Failure 409 {object} middleware.ErrorResponse "Every device is in use"
// @Router /identity/{wallet}/devices/evict [post]
func (h *Handler) evict(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	link, err := h.service.EvictOldestInactiveDevice(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, link)
}

// @Summary Detach device
// @Tags identity
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Param device_id path string true "Device ID"
// @Success 204
// @Failure 404 {object} middleware.ErrorResponse
// @Router /identity/{wallet}/devices/{device_id} [delete]
func (h *Handler) detach(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	if err := h.service.DetachDevice(c.Request.Context(), wallet, c.Param("device_id")); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Set notification email
// @Tags identity
// @Accept json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Param request body EmailRequest true "Email"
// @Success 204
// @Failure 400 {object} middleware.ErrorResponse
// @Router /identity/{wallet}/email [put]
func (h *Handler) setEmail(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	var req EmailRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.service.SetEmail(c.Request.Context(), wallet, req.Email); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Bind Telegram account (admin)
// @Tags identity
// @Accept json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Param request body BindTelegramRequest true "Telegram user"
// @Success 204
// @Failure 403 {object} middleware.ErrorResponse
// @Router /identity/{wallet}/telegram [put]
func (h *Handler) bindTelegram(c *gin.Context) {
	var req BindTelegramRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.service.BindTelegram(c.Request.Context(), c.Param("wallet"), req.TelegramID); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Deactivate identity (admin)
// @Tags identity
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 204
// @Router /identity/{wallet} [delete]
func (h *Handler) deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("wallet")); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

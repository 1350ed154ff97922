package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/middleware"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/session/models"
)

type SessionService interface {
	Start(ctx context.Context, address string, device identitymodels.DeviceInfo) (*models.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Heartbeat(ctx context.Context, id uuid.UUID) (*models.Session, error)
	End(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

type Handler struct {
	service SessionService
	auth    *middleware.Authenticator
}

func NewHandler(service SessionService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.start)
		sessions.GET("/:id", h.get)
		sessions.POST("/:id/heartbeat", h.heartbeat)
		sessions.POST("/:id/end", h.end)
	}
}

// @Summary Start session
// @Description Resolves the identity and returns the active session for the wallet and device, opening one if needed.
// @Tags sessions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.StartRequest true "Wallet and device"
// @Success 200 {object} middleware.DataResponse{data=models.Session}
// @Failure 409 {object} middleware.ErrorResponse "Device limit exceeded"
// @Router /sessions [post]
func (h *Handler) start(c *gin.Context) {
	var req models.StartRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.auth.AuthorizeWallet(c, req.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return
	}
	req.Device.IP = c.ClientIP()

	s, err := h.service.Start(c.Request.Context(), req.WalletAddress, req.Device)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, s)
}

// @Summary Get session
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} middleware.DataResponse{data=models.Session}
// @Router /sessions/{id} [get]
func (h *Handler) get(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	middleware.Respond(c, http.StatusOK, s)
}

// @Summary Session heartbeat
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} middleware.DataResponse{data=models.Session}
// @Failure 400 {object} middleware.ErrorResponse "Session is closed"
// @Router /sessions/{id}/heartbeat [post]
func (h *Handler) heartbeat(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	s, err := h.service.Heartbeat(c.Request.Context(), s.ID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, s)
}

// @Summary End session
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 200 {object} middleware.DataResponse{data=models.Session}
// @Router /sessions/{id}/end [post]
func (h *Handler) end(c *gin.Context) {
	s, ok := h.owned(c)
	if !ok {
		return
	}
	s, err := h.service.End(c.Request.Context(), s.ID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, s)
}

// owned loads the session in the path and checks the caller owns it.
func (h *Handler) owned(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.Abort(c, apperrors.NewValidationError("id", "must be a UUID"))
		return nil, false
	}
	s, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return nil, false
	}
	if err := h.auth.AuthorizeWallet(c, s.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return nil, false
	}
	return s, true
}

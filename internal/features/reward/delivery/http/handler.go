package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"referral-ledger-backend/internal/common/middleware"
	"referral-ledger-backend/internal/features/reward/models"
)

type RewardService interface {
	Balance(ctx context.Context, address string) (*models.RewardBalance, error)
	Recompute(ctx context.Context, address string) (*models.RewardBalance, error)
	ReconcileAll(ctx context.Context) (int, error)
}

type Handler struct {
	service RewardService
	auth    *middleware.Authenticator
}

func NewHandler(service RewardService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

type ReconcileResponse struct {
	Wallets int `json:"wallets"`
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/wallets/:wallet/balance", h.balance)
	router.POST("/wallets/:wallet/balance/recompute", h.recompute)
	router.POST("/rewards/reconcile", middleware.RequireAdmin(), h.reconcile)
}

// @Summary Get reward balance
// @Description Unknown wallets report a zero balance.
// @Tags rewards
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 200 {object} middleware.DataResponse{data=models.BalanceResponse}
// @Failure 400 {object} middleware.ErrorResponse
// @Router /wallets/{wallet}/balance [get]
func (h *Handler) balance(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	b, err := h.service.Balance(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, toResponse(b))
}

// @Summary Recompute reward balance
// @Description Recounts validated referrals and raises total_accrued if the tier table now yields more.
// @Tags rewards
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 200 {object} middleware.DataResponse{data=models.BalanceResponse}
// @Router /wallets/{wallet}/balance/recompute [post]
func (h *Handler) recompute(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	b, err := h.service.Recompute(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, toResponse(b))
}

// @Summary Reconcile all balances (admin)
// @Tags rewards
// @Produce json
// @Security BearerAuth
// @Success 200 {object} middleware.DataResponse{data=ReconcileResponse}
// @Router /rewards/reconcile [post]
func (h *Handler) reconcile(c *gin.Context) {
	n, err := h.service.ReconcileAll(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, ReconcileResponse{Wallets: n})
}

func toResponse(b *models.RewardBalance) models.BalanceResponse {
	return models.BalanceResponse{RewardBalance: *b, Available: b.Available()}
}

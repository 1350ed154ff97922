package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/middleware"
	"referral-ledger-backend/internal/features/claim/models"
)

type ClaimService interface {
	Claim(ctx context.Context, address string, amount decimal.Decimal) (*models.ClaimRecord, error)
	Get(ctx context.Context, id string) (*models.ClaimRecord, error)
	History(ctx context.Context, address string) ([]*models.ClaimRecord, error)
	MarkSettled(ctx context.Context, id, txHash string) (*models.ClaimRecord, error)
	MarkFailed(ctx context.Context, id string) (*models.ClaimRecord, error)
}

type Handler struct {
	service ClaimService
	auth    *middleware.Authenticator
}

func NewHandler(service ClaimService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

type SettleRequest struct {
	TransactionHash string `json:"transaction_hash" binding:"required,max=128"`
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	claims := router.Group("/claims")
	{
		claims.POST("", h.create)
		claims.GET("/:id", h.get)
	}

	// Admin routes
	admin := router.Group("/claims", middleware.RequireAdmin())
	{
		admin.POST("/:id/settle", h.settle)
		admin.POST("/:id/fail", h.fail)
	}

	router.GET("/wallets/:wallet/claims", h.history)
}

// @Summary Claim rewards
// @Description Debits the claimable balance within the per-period cap and queues settlement.
// @Tags claims
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.ClaimRequest true "Claim"
// @Success 201 {object} middleware.DataResponse{data=models.ClaimRecord}
// @Failure 400 {object} middleware.ErrorResponse
// @Failure 422 {object} middleware.ErrorResponse "Insufficient balance or period cap reached"
// @Failure 429 {object} middleware.ErrorResponse
// @Router /claims [post]
func (h *Handler) create(c *gin.Context) {
	var req models.ClaimRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.auth.AuthorizeWallet(c, req.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		middleware.Abort(c, apperrors.NewValidationError("amount", "must be a decimal number"))
		return
	}

	rec, err := h.service.Claim(c.Request.Context(), req.WalletAddress, amount)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusCreated, rec)
}

// @Summary Get claim
// @Tags claims
// @Produce json
// @Security BearerAuth
// @Param id path string true "Claim ID"
// @Success 200 {object} middleware.DataResponse{data=models.ClaimRecord}
// @Failure 404 {object} middleware.ErrorResponse
// @Router /claims/{id} [get]
func (h *Handler) get(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if err := h.auth.AuthorizeWallet(c, rec.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, rec)
}

// @Summary Claim history
// @Description Newest first, at most 100 records.
// @Tags claims
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Wallet address"
// @Success 200 {object} middleware.DataResponse{data=[]models.ClaimRecord}
// @Router /wallets/{wallet}/claims [get]
func (h *Handler) history(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	recs, err := h.service.History(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if recs == nil {
		recs = []*models.ClaimRecord{}
	}
	middleware.Respond(c, http.StatusOK, recs)
}

// @Summary Mark claim settled (admin)
// @Tags claims
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Claim ID"
// @Param request body SettleRequest true "Transfer"
// @Success 200 {object} middleware.DataResponse{data=models.ClaimRecord}
// @Failure 400 {object} middleware.ErrorResponse "Claim is not pending"
// @Router /claims/{id}/settle [post]
func (h *Handler) settle(c *gin.Context) {
	var req SettleRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	rec, err := h.service.MarkSettled(c.Request.Context(), c.Param("id"), req.TransactionHash)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, rec)
}

// @Summary Mark claim failed (admin)
// @Tags claims
// @Produce json
// @Security BearerAuth
// @Param id path string true "Claim ID"
// @Success 200 {object} middleware.DataResponse{data=models.ClaimRecord}
// @Router /claims/{id}/fail [post]
func (h *Handler) fail(c *gin.Context) {
	rec, err := h.service.MarkFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, rec)
}

package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/middleware"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/referral/models"
)

type ReferralService interface {
	IssueCode(ctx context.Context, address string) (*models.ReferralCode, error)
	GetCode(ctx context.Context, code string) (*models.ReferralCode, error)
	DeactivateCode(ctx context.Context, code string) error
	ProcessReferral(ctx context.Context, code, referredAddress string, device identitymodels.DeviceInfo) (*models.ProcessResult, error)
	ReviewReferral(ctx context.Context, id uuid.UUID, approve bool) (*models.Relationship, error)
	ListByReferrer(ctx context.Context, address string) ([]*models.Relationship, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Relationship, error)
}

type Handler struct {
	service ReferralService
	auth    *middleware.Authenticator
}

func NewHandler(service ReferralService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/referral-codes", h.issueCode)
	router.GET("/referral-codes/:code", h.getCode)
	router.DELETE("/referral-codes/:code", middleware.RequireAdmin(), h.deactivateCode)

	referrals := router.Group("/referrals")
	{
		referrals.POST("/redeem", h.redeem)
		referrals.GET("/:id", h.get)
		referrals.POST("/:id/review", middleware.RequireAdmin(), h.review)
	}

	router.GET("/wallets/:wallet/referrals", h.listByReferrer)
}

// @Summary Issue referral code
// @Description Returns the wallet's active code, creating it on first call.
// @Tags referrals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.IssueCodeRequest true "Referrer wallet"
// @Success 200 {object} middleware.DataResponse{data=models.ReferralCode}
// @Failure 400 {object} middleware.ErrorResponse
// @Failure 404 {object} middleware.ErrorResponse "Unknown identity"
// @Router /referral-codes [post]
func (h *Handler) issueCode(c *gin.Context) {
	var req models.IssueCodeRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.auth.AuthorizeWallet(c, req.WalletAddress); err != nil {
		middleware.Abort(c, err)
		return
	}
	code, err := h.service.IssueCode(c.Request.Context(), req.WalletAddress)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, code)
}

// @Summary Get referral code
// @Tags referrals
// @Produce json
// @Security BearerAuth
// @Param code path string true "Referral code"
// @Success 200 {object} middleware.DataResponse{data=models.ReferralCode}
// @Failure 404 {object} middleware.ErrorResponse
// @Router /referral-codes/{code} [get]
func (h *Handler) getCode(c *gin.Context) {
	code, err := h.service.GetCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, code)
}

// @Summary Deactivate referral code (admin)
// @Tags referrals
// @Security BearerAuth
// @Param code path string true "Referral code"
// @Success 204
// @Router /referral-codes/{code} [delete]
func (h *Handler) deactivateCode(c *gin.Context) {
	if err := h.service.DeactivateCode(c.Request.Context(), c.Param("code")); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Redeem referral code
// @Description 201 for a new validated relationship, 200 when the same pair was already recorded,
// @Description 202 when the relationship was held for review as suspicious. Reason carries
// @Description SUSPICIOUS_REFERRAL or DUPLICATE_REFERRAL. Fraud scoring is shown to admins only.
// @Tags referrals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.RedeemRequest true "Redemption"
// @Success 200 {object} middleware.DataResponse{data=models.PublicProcessResult}
// @Success 201 {object} middleware.DataResponse{data=models.PublicProcessResult}
// @Success 202 {object} middleware.DataResponse{data=models.PublicProcessResult}
// @Failure 400 {object} middleware.ErrorResponse "Invalid code or wallet"
// @Failure 409 {object} middleware.ErrorResponse "Wallet already referred"
// @Failure 429 {object} middleware.ErrorResponse
// @Router /referrals/redeem [post]
func (h *Handler) redeem(c *gin.Context) {
	var req models.RedeemRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	if err := h.auth.AuthorizeWallet(c, req.ReferredWallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	req.Device.IP = c.ClientIP()

	res, err := h.service.ProcessReferral(c.Request.Context(), req.ReferralCode, req.ReferredWallet, req.Device)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if isAdmin(c) {
		middleware.Respond(c, redeemStatus(res), res)
		return
	}
	middleware.Respond(c, redeemStatus(res), res.Public())
}

func redeemStatus(res *models.ProcessResult) int {
	switch {
	case res.Relationship.Status == models.StatusSuspicious:
		return http.StatusAccepted
	case res.Outcome == models.OutcomeCreated:
		return http.StatusCreated
	default:
		return http.StatusOK
	}
}

func isAdmin(c *gin.Context) bool {
	p, ok := middleware.PrincipalFrom(c)
	return ok && p.IsAdmin()
}

// @Summary Get referral relationship
// @Tags referrals
// @Produce json
// @Security BearerAuth
// @Description Admins also see fraud_score, signals and device_id.
// @Param id path string true "Relationship ID"
// @Success 200 {object} middleware.DataResponse{data=models.PublicRelationship}
// @Failure 404 {object} middleware.ErrorResponse
// @Router /referrals/{id} [get]
func (h *Handler) get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.Abort(c, apperrors.NewValidationError("id", "must be a UUID"))
		return
	}
	rel, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	// visible to both sides
	if h.auth.AuthorizeWallet(c, rel.ReferrerWallet) != nil {
		if err := h.auth.AuthorizeWallet(c, rel.ReferredWallet); err != nil {
			middleware.Abort(c, err)
			return
		}
	}
	if isAdmin(c) {
		middleware.Respond(c, http.StatusOK, rel)
		return
	}
	middleware.Respond(c, http.StatusOK, rel.Public())
}

// @Summary Review suspicious referral (admin)
// @Tags referrals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Relationship ID"
// @Param request body models.ReviewRequest true "Decision"
// @Success 200 {object} middleware.DataResponse{data=models.Relationship}
// @Failure 400 {object} middleware.ErrorResponse "Already reviewed"
// @Failure 403 {object} middleware.ErrorResponse
// @Router /referrals/{id}/review [post]
func (h *Handler) review(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		middleware.Abort(c, apperrors.NewValidationError("id", "must be a UUID"))
		return
	}
	var req models.ReviewRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	rel, err := h.service.ReviewReferral(c.Request.Context(), id, *req.Approve)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, rel)
}

// @Summary List referrals made by a wallet
// @Tags referrals
// @Produce json
// @Security BearerAuth
// @Param wallet path string true "Referrer wallet"
// @Success 200 {object} middleware.DataResponse{data=[]models.PublicRelationship}
// @Router /wallets/{wallet}/referrals [get]
func (h *Handler) listByReferrer(c *gin.Context) {
	wallet := c.Param("wallet")
	if err := h.auth.AuthorizeWallet(c, wallet); err != nil {
		middleware.Abort(c, err)
		return
	}
	rels, err := h.service.ListByReferrer(c.Request.Context(), wallet)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if isAdmin(c) {
		if rels == nil {
			rels = []*models.Relationship{}
		}
		middleware.Respond(c, http.StatusOK, rels)
		return
	}
	public := make([]*models.PublicRelationship, 0, len(rels))
	for _, rel := range rels {
		public = append(public, rel.Public())
	}
	middleware.Respond(c, http.StatusOK, public)
}

package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"referral-ledger-backend/internal/common/middleware"
	"referral-ledger-backend/internal/features/tonproof/models"
)

type ProofService interface {
	GeneratePayload(ctx context.Context) (*models.PayloadResponse, error)
	Verify(ctx context.Context, req *models.VerifyRequest) (string, error)
}

// Handler serves the TON Connect login. Its routes need no credentials.
type Handler struct {
	service ProofService
	auth    *middleware.Authenticator
}

func NewHandler(service ProofService, auth *middleware.Authenticator) *Handler {
	return &Handler{service: service, auth: auth}
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	tonproof := router.Group("/auth/ton-proof")
	{
		tonproof.POST("/payload", h.payload)
		tonproof.POST("", h.verify)
	}
}

// @Summary Get TON Connect proof payload
// @Description Single-use challenge to pass to the wallet as tonProof.
// @Tags auth
// @Produce json
// @Success 200 {object} middleware.DataResponse{data=models.PayloadResponse}
// @Router /auth/ton-proof/payload [post]
func (h *Handler) payload(c *gin.Context) {
	p, err := h.service.GeneratePayload(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, p)
}

// @Summary Log in with TON Connect proof
// @Description Verifies the signed ton_proof and issues a Bearer token for the wallet.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.VerifyRequest true "ton_proof item"
// @Success 200 {object} middleware.DataResponse{data=models.TokenResponse}
// @Failure 400 {object} middleware.ErrorResponse
// @Failure 401 {object} middleware.ErrorResponse "Proof rejected"
// @Router /auth/ton-proof [post]
func (h *Handler) verify(c *gin.Context) {
	var req models.VerifyRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	wallet, err := h.service.Verify(c.Request.Context(), &req)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	token, expires, err := h.auth.IssueToken(&middleware.Principal{Wallet: wallet, Role: middleware.RoleUser})
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	middleware.Respond(c, http.StatusOK, models.TokenResponse{
		Token:         token,
		ExpiresAt:     expires.Unix(),
		WalletAddress: wallet,
	})
}

package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "referral-ledger-backend/internal/common/errors"
)

// BindJSON decodes and validates the body. On failure the VALIDATION_ERROR
// is attached to c and false is returned.
func BindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		Abort(c, bindError(err))
		return false
	}
	return true
}

func bindError(err error) *apperrors.AppError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		first := verrs[0]
		value, _ := first.Value().(string)
		var appErr *apperrors.AppError
		switch first.Tag() {
		case "wallet":
			appErr = apperrors.NewInvalidWalletError(value, "unsupported wallet address format")
		case "refcode":
			appErr = apperrors.NewInvalidReferralCodeError(value, "malformed referral code")
		default:
			appErr = apperrors.NewValidationError(first.Field(), "failed on "+first.Tag())
		}
		return appErr.WithDetail("fields", strings.Join(fields, ","))
	}
	return apperrors.NewValidationError("body", err.Error())
}

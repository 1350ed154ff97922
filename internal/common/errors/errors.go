package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

type ErrorCode string

const (
	// General
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Identity and devices
	ErrCodeInvalidWalletFormat ErrorCode = "INVALID_WALLET_FORMAT"
	ErrCodeDeviceLimitExceeded ErrorCode = "DEVICE_LIMIT_EXCEEDED"

	// Referrals
	ErrCodeInvalidReferralCode ErrorCode = "INVALID_REFERRAL_CODE"
	ErrCodeDuplicateReferral   ErrorCode = "DUPLICATE_REFERRAL"
	ErrCodeSuspiciousReferral  ErrorCode = "SUSPICIOUS_REFERRAL"

	// Ledger
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeClaimLimitExceeded  ErrorCode = "CLAIM_LIMIT_EXCEEDED"

	// Infrastructure
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodePersistenceConflict ErrorCode = "PERSISTENCE_CONFLICT"
)

// AppError is the typed error every layer returns to the HTTP boundary.
// Code is the error kind; callers branch on it, never on Message.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Context    map[string]string      `json:"-"`
	Stack      []string               `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	RetryAfter time.Duration          `json:"-"`
	Cause      error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so errors.Is(err, errors.New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether the operation may be attempted again as is.
func (e *AppError) IsRetryable() bool {
	return e.Code == ErrCodePersistenceConflict || e.Code == ErrCodeRateLimit
}

// WithContext attaches a string fact that is logged and returned.
func (e *AppError) WithContext(key, value string) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// New creates an AppError and records the caller stack.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Stack:     getStackTrace(),
	}
}

// Wrap is New with a cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

func getStackTrace() []string {
	var stack []string
	for i := 2; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		// skip frames of this package
		if strings.Contains(fn.Name(), "internal/common/errors") {
			continue
		}
		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		if len(stack) >= 10 {
			break
		}
	}
	return stack
}

func NewValidationError(field, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Validation failed for field '%s': %s", field, reason)).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NewNotFoundError(resource, id interface{}) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func NewUnauthorizedError(reason string) *AppError {
	return New(ErrCodeUnauthorized, fmt.Sprintf("Unauthorized: %s", reason)).
		WithDetail("reason", reason)
}

func NewForbiddenError(reason string) *AppError {
	return New(ErrCodeForbidden, fmt.Sprintf("Forbidden: %s", reason)).
		WithDetail("reason", reason)
}

func NewInvalidWalletError(address, reason string) *AppError {
	return New(ErrCodeInvalidWalletFormat, fmt.Sprintf("Invalid wallet address: %s", reason)).
		WithDetail("reason", reason).
		WithContext("wallet_address", address)
}

func NewDeviceLimitError(wallet, deviceID, reason string, limit int) *AppError {
	return New(ErrCodeDeviceLimitExceeded, fmt.Sprintf("Device limit exceeded: %s", reason)).
		WithDetail("reason", reason).
		WithDetail("limit", limit).
		WithContext("wallet_address", wallet).
		WithContext("device_id", deviceID)
}

func NewDuplicateReferralError(referredWallet, existingReferrer string) *AppError {
	return New(ErrCodeDuplicateReferral, "Wallet already has an active referral relationship").
		WithContext("referred_wallet", referredWallet).
		WithContext("existing_referrer", existingReferrer)
}

func NewInvalidReferralCodeError(code, reason string) *AppError {
	return New(ErrCodeInvalidReferralCode, fmt.Sprintf("Referral code is not redeemable: %s", reason)).
		WithDetail("reason", reason).
		WithContext("referral_code", code)
}

// NewInsufficientBalanceError reports the amount that was actually available.
func NewInsufficientBalanceError(wallet, requested, available string) *AppError {
	return New(ErrCodeInsufficientBalance, "Requested amount exceeds claimable balance").
		WithDetail("requested", requested).
		WithDetail("available", available).
		WithContext("wallet_address", wallet)
}

func NewClaimLimitError(wallet, periodKey, remaining string) *AppError {
	return New(ErrCodeClaimLimitExceeded, "Claim limit for the current period exceeded").
		WithDetail("period_key", periodKey).
		WithDetail("remaining", remaining).
		WithContext("wallet_address", wallet)
}

// NewRateLimitError carries the window reset as RetryAfter.
func NewRateLimitError(action string, retryAfter time.Duration) *AppError {
	appErr := New(ErrCodeRateLimit, fmt.Sprintf("Rate limit exceeded for %s", action)).
		WithDetail("action", action).
		WithDetail("retry_after_seconds", int64(retryAfter.Round(time.Second)/time.Second))
	appErr.RetryAfter = retryAfter
	return appErr
}

// NewPersistenceConflictError marks a transient store failure (serialization, deadlock, lost race).
func NewPersistenceConflictError(operation string, err error) *AppError {
	return Wrap(err, ErrCodePersistenceConflict, fmt.Sprintf("Persistence conflict during %s", operation)).
		WithDetail("operation", operation)
}

// NewInternalError hides the cause from the client and keeps it for the logs.
func NewInternalError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeInternal, "Internal server error").
		WithContext("operation", operation)
}

// AsAppError finds an AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if err == nil {
		return nil, false
	}
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err (or anything it wraps) is an AppError of the given kind.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// CodeOf returns the kind of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

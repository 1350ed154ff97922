package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	// Field length limits
	MaxDeviceIDLength    = 128
	MaxFingerprintLength = 256
	MaxUserAgentLength   = 512
	MaxEmailLength       = 254
	// Claims are stored as NUMERIC(36,18)
	MaxAmountScale = 18
)

var (
	// Referral codes: uppercase letters and digits, 6-16 characters
	referralCodeRegex = regexp.MustCompile(`^[A-Z0-9]{6,16}$`)
	deviceIDRegex     = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)
	emailRegex        = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// ValidateReferralCode checks a normalized code against the code alphabet.
func ValidateReferralCode(code string) error {
	if code == "" {
		return fmt.Errorf("referral code cannot be empty")
	}
	if !referralCodeRegex.MatchString(code) {
		return fmt.Errorf("referral code must be 6-16 uppercase letters or digits")
	}
	return nil
}

// NormalizeReferralCode trims and upper-cases a code.
func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	if !deviceIDRegex.MatchString(id) {
		return fmt.Errorf("device id must be 1-%d characters of [A-Za-z0-9._:-]", MaxDeviceIDLength)
	}
	return nil
}

func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if len(email) > MaxEmailLength || !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateAmount requires a strictly positive amount that fits the ledger scale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if -amount.Exponent() > MaxAmountScale {
		return fmt.Errorf("amount cannot have more than %d decimal places", MaxAmountScale)
	}
	return nil
}

// RegisterBindingValidators adds the custom tags used by request DTOs to
// gin's validator: wallet, refcode, deviceid, decimal_positive.
func RegisterBindingValidators(wallets *WalletNormalizer) error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
	}
	return RegisterValidators(v, wallets)
}

func RegisterValidators(v *validator.Validate, wallets *WalletNormalizer) error {
	rules := map[string]validator.Func{
		"wallet": func(fl validator.FieldLevel) bool {
			return wallets.IsWallet(fl.Field().String())
		},
		"refcode": func(fl validator.FieldLevel) bool {
			return ValidateReferralCode(NormalizeReferralCode(fl.Field().String())) == nil
		},
		"deviceid": func(fl validator.FieldLevel) bool {
			return ValidateDeviceID(fl.Field().String()) == nil
		},
		"decimal_positive": func(fl validator.FieldLevel) bool {
			d, err := decimal.NewFromString(fl.Field().String())
			return err == nil && ValidateAmount(d) == nil
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

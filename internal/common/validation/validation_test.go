package validation

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xssnick/tonutils-go/address"
)

func newNormalizer(t *testing.T) *WalletNormalizer {
	t.Helper()
	n, err := NewWalletNormalizer([]string{"evm", "ton", "solana"})
	require.NoError(t, err)
	return n
}

func TestNormalizeWallet(t *testing.T) {
	n := newNormalizer(t)
	rawTON := "0:" + strings.Repeat("ab", 32)
	friendlyTON := address.NewAddress(0, 0, make([]byte, 32)).String()

	tests := []struct {
		name      string
		in        string
		want      string
		wantType  WalletType
		wantError bool
	}{
		{
			name:     "evm checksummed is lowercased",
			in:       "0x52908400098527886E0F7030069857D2E4169EE7",
			want:     "0x52908400098527886e0f7030069857d2e4169ee7",
			wantType: WalletEVM,
		},
		{
			name:     "evm surrounding whitespace",
			in:       "  0xde709f2102306220921060314715629080e2fb77 ",
			want:     "0xde709f2102306220921060314715629080e2fb77",
			wantType: WalletEVM,
		},
		{
			name:     "ton raw uppercase hex",
			in:       strings.ToUpper(rawTON),
			want:     rawTON,
			wantType: WalletTON,
		},
		{
			name:     "ton user friendly maps to raw",
			in:       friendlyTON,
			want:     "0:" + strings.Repeat("00", 32),
			wantType: WalletTON,
		},
		{
			name:     "solana keeps case",
			in:       "So11111111111111111111111111111111111111112",
			want:     "So11111111111111111111111111111111111111112",
			wantType: WalletSolana,
		},
		{name: "empty", in: "", wantError: true},
		{name: "evm too short", in: "0x1234", wantError: true},
		{name: "garbage", in: "not-a-wallet", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, typ, err := n.Normalize(tt.in)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantType, typ)
		})
	}
}

func TestNormalizeRespectsEnabledChains(t *testing.T) {
	n, err := NewWalletNormalizer([]string{"evm"})
	require.NoError(t, err)

	_, _, err = n.Normalize("So11111111111111111111111111111111111111112")
	assert.Error(t, err)

	_, err = NewWalletNormalizer([]string{"dogecoin"})
	assert.Error(t, err)
}

func TestValidateReferralCode(t *testing.T) {
	assert.NoError(t, ValidateReferralCode("AB12CD34"))
	assert.NoError(t, ValidateReferralCode(NormalizeReferralCode(" ab12cd34 ")))
	assert.Error(t, ValidateReferralCode("ab12cd34"))
	assert.Error(t, ValidateReferralCode("AB1"))
	assert.Error(t, ValidateReferralCode(""))
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("0.5")))
	assert.Error(t, ValidateAmount(decimal.Zero))
	assert.Error(t, ValidateAmount(decimal.RequireFromString("-1")))
	assert.Error(t, ValidateAmount(decimal.RequireFromString("0.0000000000000000001")))
}

func TestRegisterValidators(t *testing.T) {
	v := validator.New()
	require.NoError(t, RegisterValidators(v, newNormalizer(t)))

	type request struct {
		Wallet string `validate:"required,wallet"`
		Code   string `validate:"required,refcode"`
		Device string `validate:"required,deviceid"`
		Amount string `validate:"required,decimal_positive"`
	}

	ok := request{
		Wallet: "0x52908400098527886E0F7030069857D2E4169EE7",
		Code:   "ab12cd34",
		Device: "device-1",
		Amount: "1.25",
	}
	assert.NoError(t, v.Struct(ok))

	bad := ok
	bad.Amount = "-3"
	bad.Wallet = "nope"
	err := v.Struct(bad)
	require.Error(t, err)
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
}

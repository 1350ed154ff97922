package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/xssnick/tonutils-go/address"
)

// WalletType names the chain family an address belongs to.
type WalletType string

const (
	WalletEVM    WalletType = "evm"
	WalletTON    WalletType = "ton"
	WalletSolana WalletType = "solana"
)

// ChainFormat recognises and canonicalises addresses of one chain family.
type ChainFormat interface {
	Type() WalletType
	IsValidSyntax(addr string) bool
	Canonical(addr string) (string, error)
}

var (
	evmRegex    = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	tonRawRegex = regexp.MustCompile(`^-?[0-9]+:[a-fA-F0-9]{64}$`)
	// TON user-friendly addresses are 48 base64/base64url characters
	tonFriendlyRegex = regexp.MustCompile(`^[A-Za-z0-9_\-+/]{48}$`)
	solanaRegex      = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

type evmFormat struct{}

func (evmFormat) Type() WalletType { return WalletEVM }

func (evmFormat) IsValidSyntax(addr string) bool {
	return evmRegex.MatchString(addr) && common.IsHexAddress(addr)
}

func (evmFormat) Canonical(addr string) (string, error) {
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

type tonFormat struct{}

func (tonFormat) Type() WalletType { return WalletTON }

func (tonFormat) IsValidSyntax(addr string) bool {
	return tonRawRegex.MatchString(addr) || tonFriendlyRegex.MatchString(addr)
}

// Canonical form is the lowercase raw "workchain:hex" form, identical for
// bounceable and non-bounceable spellings of the same account.
func (tonFormat) Canonical(addr string) (string, error) {
	var (
		parsed *address.Address
		err    error
	)
	if tonRawRegex.MatchString(addr) {
		parsed, err = address.ParseRawAddr(addr)
	} else {
		parsed, err = address.ParseAddr(addr)
	}
	if err != nil {
		return "", err
	}
	return strings.ToLower(parsed.StringRaw()), nil
}

type solanaFormat struct{}

func (solanaFormat) Type() WalletType { return WalletSolana }

func (solanaFormat) IsValidSyntax(addr string) bool {
	return solanaRegex.MatchString(addr)
}

// Base58 is case-significant, so the address is kept as given once it
// decodes to a 32-byte public key.
func (solanaFormat) Canonical(addr string) (string, error) {
	if len(base58.Decode(addr)) != 32 {
		return "", fmt.Errorf("not a 32-byte ed25519 public key")
	}
	return addr, nil
}

var allFormats = map[WalletType]ChainFormat{
	WalletEVM:    evmFormat{},
	WalletTON:    tonFormat{},
	WalletSolana: solanaFormat{},
}

// WalletNormalizer validates addresses against the enabled chain formats.
type WalletNormalizer struct {
	formats []ChainFormat
}

// NewWalletNormalizer enables the listed chains; unknown names are an error.
func NewWalletNormalizer(chains []string) (*WalletNormalizer, error) {
	n := &WalletNormalizer{}
	for _, c := range chains {
		f, ok := allFormats[WalletType(strings.ToLower(strings.TrimSpace(c)))]
		if !ok {
			return nil, fmt.Errorf("unsupported chain %q", c)
		}
		n.formats = append(n.formats, f)
	}
	if len(n.formats) == 0 {
		return nil, fmt.Errorf("at least one chain must be enabled")
	}
	return n, nil
}

// Normalize returns the canonical address and its chain family.
func (n *WalletNormalizer) Normalize(addr string) (string, WalletType, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", fmt.Errorf("wallet address is empty")
	}
	for _, f := range n.formats {
		if !f.IsValidSyntax(addr) {
			continue
		}
		canonical, err := f.Canonical(addr)
		if err != nil {
			return "", "", fmt.Errorf("invalid %s address: %w", f.Type(), err)
		}
		return canonical, f.Type(), nil
	}
	return "", "", fmt.Errorf("address does not match any supported chain format")
}

// IsWallet is a syntax-only check used by request binding.
func (n *WalletNormalizer) IsWallet(addr string) bool {
	_, _, err := n.Normalize(addr)
	return err == nil
}

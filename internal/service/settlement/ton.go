package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
)

const (
	// nanoTON precision
	tonDecimals = 9
	// outgoing transactions scanned by Lookup
	lookupDepth = 50
)

// TONSettler pays claims in TON from a V4R2 hot wallet. Every transfer
// comment ends with the claim id so a lost confirmation can be found again.
type TONSettler struct {
	api     ton.APIClientWrapped
	wallet  *wallet.Wallet
	comment string
}

// NewTONSettler connects to the lite servers listed in cfg.LiteConfigURL and
// restores the hot wallet from its seed phrase.
func NewTONSettler(ctx context.Context, cfg config.SettlementConfig) (*TONSettler, error) {
	if cfg.WalletSeed == "" {
		return nil, fmt.Errorf("empty TON wallet seed")
	}

	pool := liteclient.NewConnectionPool()
	if err := pool.AddConnectionsFromConfigUrl(ctx, cfg.LiteConfigURL); err != nil {
		return nil, fmt.Errorf("connect lite servers: %w", err)
	}
	api := ton.NewAPIClient(pool).WithRetry()

	w, err := wallet.FromSeed(api, strings.Fields(cfg.WalletSeed), wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("restore wallet: %w", err)
	}
	logger.Info().Str("address", w.WalletAddress().String()).Msg("TON settlement wallet ready")
	return &TONSettler{api: api, wallet: w, comment: cfg.Comment}, nil
}

func (s *TONSettler) Settle(ctx context.Context, order Order) (string, error) {
	if !strings.EqualFold(order.Token, "TON") {
		return "", permanent("token %s is not supported", order.Token)
	}
	to, err := parseDestination(order.WalletAddress)
	if err != nil {
		return "", permanent("destination %s is not a TON address: %v", order.WalletAddress, err)
	}
	amount, err := tlb.FromTON(order.Amount.Truncate(tonDecimals).String())
	if err != nil {
		return "", permanent("amount %s: %v", order.Amount, err)
	}

	if _, err := s.api.CurrentMasterchainInfo(ctx); err != nil {
		return "", notSent("reach lite servers", err)
	}
	// user wallets may be undeployed, so no bounce
	msg, err := s.wallet.BuildTransfer(to, amount, false, s.commentFor(order))
	if err != nil {
		return "", notSent("build transfer", err)
	}

	// from here on the message may be on its way
	tx, _, err := s.wallet.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("transfer claim %s: %w", order.ClaimID, err)
	}
	return hex.EncodeToString(tx.Hash), nil
}

// Lookup scans the hot wallet's latest transactions for an outgoing transfer
// carrying the order's comment.
func (s *TONSettler) Lookup(ctx context.Context, order Order) (string, bool, error) {
	block, err := s.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return "", false, fmt.Errorf("masterchain info: %w", err)
	}
	from := s.wallet.WalletAddress()
	acc, err := s.api.GetAccount(ctx, block, from)
	if err != nil {
		return "", false, fmt.Errorf("get hot wallet: %w", err)
	}
	if !acc.IsActive {
		return "", false, nil
	}

	txs, err := s.api.ListTransactions(ctx, from, lookupDepth, acc.LastTxLT, acc.LastTxHash)
	if err != nil {
		if errors.Is(err, ton.ErrNoTransactionsWereFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("list transactions: %w", err)
	}

	want := s.commentFor(order)
	for _, tx := range txs {
		if tx.IO.Out == nil {
			continue
		}
		msgs, err := tx.IO.Out.ToSlice()
		if err != nil {
			continue
		}
		for _, m := range msgs {
			if m.MsgType != tlb.MsgTypeInternal {
				continue
			}
			if m.AsInternal().Comment() == want {
				return hex.EncodeToString(tx.Hash), true, nil
			}
		}
	}
	return "", false, nil
}

func (s *TONSettler) commentFor(order Order) string {
	return strings.TrimSpace(s.comment + " " + order.ClaimID)
}

// Claims store TON wallets in raw "wc:hex" form.
func parseDestination(addr string) (*address.Address, error) {
	if strings.Contains(addr, ":") {
		return address.ParseRawAddr(addr)
	}
	return address.ParseAddr(addr)
}

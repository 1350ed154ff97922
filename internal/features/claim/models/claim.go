package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// ClaimRecord is one committed claim. TransactionHash stays nil until the
// settlement worker reports the on-chain transfer.
type ClaimRecord struct {
	ID               string          `json:"id"`
	WalletAddress    string          `json:"wallet_address"`
	Amount           decimal.Decimal `json:"amount"`
	SettlementAmount decimal.Decimal `json:"settlement_amount"`
	SettlementToken  string          `json:"settlement_token"`
	PeriodKey        string          `json:"period_key"`
	Status           Status          `json:"status"`
	TransactionHash  *string         `json:"transaction_hash,omitempty"`
	ClaimedAt        time.Time       `json:"claimed_at"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
}

type ClaimRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required,wallet"`
	Amount        string `json:"amount" binding:"required,decimal_positive"`
}

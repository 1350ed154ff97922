package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RewardBalance is the per-wallet ledger head. TotalClaimed never exceeds TotalAccrued.
type RewardBalance struct {
	WalletAddress string          `json:"wallet_address"`
	TierLevel     int             `json:"tier_level"`
	TotalAccrued  decimal.Decimal `json:"total_accrued"`
	TotalClaimed  decimal.Decimal `json:"total_claimed"`
	LastClaimAt   *time.Time      `json:"last_claim_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (b *RewardBalance) Available() decimal.Decimal {
	return b.TotalAccrued.Sub(b.TotalClaimed)
}

// Accrual is the output of the tier computation for one referral count.
type Accrual struct {
	ValidatedCount int             `json:"validated_count"`
	TierLevel      int             `json:"tier_level"`
	TierRewards    decimal.Decimal `json:"tier_rewards"`
	MilestoneBonus decimal.Decimal `json:"milestone_bonus"`
	Total          decimal.Decimal `json:"total"`
}

type BalanceResponse struct {
	RewardBalance
	Available decimal.Decimal `json:"available"`
}

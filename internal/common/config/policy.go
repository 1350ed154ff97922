package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier is a half-open referral count band [MinCount, next tier's MinCount).
type Tier struct {
	Level    int             `yaml:"level"`
	MinCount int             `yaml:"min_count"`
	Rate     decimal.Decimal `yaml:"rate"`
}

// TierTable is ordered by MinCount; the last tier is open-ended.
type TierTable []Tier

// UnmarshalText parses "min:rate,min:rate", e.g. "0:1.0,5:1.5,20:2.0".
func (t *TierTable) UnmarshalText(text []byte) error {
	var out TierTable
	for i, part := range splitList(string(text)) {
		minStr, rateStr, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("tier %q: expected min:rate", part)
		}
		minCount, err := strconv.Atoi(strings.TrimSpace(minStr))
		if err != nil {
			return fmt.Errorf("tier %q: %w", part, err)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(rateStr))
		if err != nil {
			return fmt.Errorf("tier %q: %w", part, err)
		}
		out = append(out, Tier{Level: i, MinCount: minCount, Rate: rate})
	}
	*t = out
	return nil
}

// Validate requires contiguous bands starting at zero with non-negative rates.
func (t TierTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	if t[0].MinCount != 0 {
		return fmt.Errorf("first tier must start at 0, got %d", t[0].MinCount)
	}
	for i, tier := range t {
		if tier.Rate.IsNegative() {
			return fmt.Errorf("tier %d has negative rate", tier.Level)
		}
		if tier.Level != i {
			return fmt.Errorf("tier levels must be sequential, got %d at position %d", tier.Level, i)
		}
		if i > 0 && tier.MinCount <= t[i-1].MinCount {
			return fmt.Errorf("tier %d overlaps tier %d", tier.Level, t[i-1].Level)
		}
	}
	return nil
}

// Milestone pays Bonus once the validated referral count reaches Count.
type Milestone struct {
	Count int             `yaml:"count"`
	Bonus decimal.Decimal `yaml:"bonus"`
}

type MilestoneTable []Milestone

// UnmarshalText parses "count:bonus,count:bonus".
func (m *MilestoneTable) UnmarshalText(text []byte) error {
	var out MilestoneTable
	for _, part := range splitList(string(text)) {
		countStr, bonusStr, ok := strings.Cut(part, ":")
		if !ok {
			return fmt.Errorf("milestone %q: expected count:bonus", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return fmt.Errorf("milestone %q: %w", part, err)
		}
		bonus, err := decimal.NewFromString(strings.TrimSpace(bonusStr))
		if err != nil {
			return fmt.Errorf("milestone %q: %w", part, err)
		}
		out = append(out, Milestone{Count: count, Bonus: bonus})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count < out[j].Count })
	*m = out
	return nil
}

func (m MilestoneTable) Validate() error {
	seen := make(map[int]bool, len(m))
	for _, ms := range m {
		if ms.Count < 1 {
			return fmt.Errorf("milestone count must be positive, got %d", ms.Count)
		}
		if ms.Bonus.IsNegative() {
			return fmt.Errorf("milestone %d has negative bonus", ms.Count)
		}
		if seen[ms.Count] {
			return fmt.Errorf("duplicate milestone %d", ms.Count)
		}
		seen[ms.Count] = true
	}
	return nil
}

// BlendingMode decides how referrals spanning several tiers are paid.
type BlendingMode string

const (
	// BlendingMarginal pays each referral at the rate of the tier its ordinal falls in.
	BlendingMarginal BlendingMode = "marginal"
	// BlendingFlat pays every referral at the rate of the current tier.
	BlendingFlat BlendingMode = "flat"
)

func (b BlendingMode) Validate() error {
	switch b {
	case BlendingMarginal, BlendingFlat:
		return nil
	default:
		return fmt.Errorf("unknown reward blending mode %q", b)
	}
}

// Policy is the optional YAML file overriding reward and fraud settings.
type Policy struct {
	Reward *struct {
		Tiers      TierTable      `yaml:"tiers"`
		Milestones MilestoneTable `yaml:"milestones"`
		Blending   BlendingMode   `yaml:"blending"`
	} `yaml:"reward"`
	Fraud *FraudConfig `yaml:"fraud"`
}

func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if p.Reward != nil {
		// Tier levels are optional in YAML; number them in order
		sort.SliceStable(p.Reward.Tiers, func(i, j int) bool {
			return p.Reward.Tiers[i].MinCount < p.Reward.Tiers[j].MinCount
		})
		for i := range p.Reward.Tiers {
			p.Reward.Tiers[i].Level = i
		}
		sort.Slice(p.Reward.Milestones, func(i, j int) bool {
			return p.Reward.Milestones[i].Count < p.Reward.Milestones[j].Count
		})
	}
	return &p, nil
}

// ApplyTo overrides only the sections present in the file.
func (p *Policy) ApplyTo(cfg *Config) {
	if p.Reward != nil {
		if len(p.Reward.Tiers) > 0 {
			cfg.Reward.Tiers = p.Reward.Tiers
		}
		if p.Reward.Milestones != nil {
			cfg.Reward.Milestones = p.Reward.Milestones
		}
		if p.Reward.Blending != "" {
			cfg.Reward.Blending = p.Reward.Blending
		}
	}
	if p.Fraud != nil {
		f := p.Fraud
		cfg.Fraud.DeviceSharingWeight = f.DeviceSharingWeight
		cfg.Fraud.WalletAgeWeight = f.WalletAgeWeight
		cfg.Fraud.VelocityWeight = f.VelocityWeight
		cfg.Fraud.SelfReferralWeight = f.SelfReferralWeight
		if f.SuspiciousThreshold > 0 {
			cfg.Fraud.SuspiciousThreshold = f.SuspiciousThreshold
		}
		if f.SharedDeviceWallets > 0 {
			cfg.Fraud.SharedDeviceWallets = f.SharedDeviceWallets
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package referral

import (
	"eduplane/pkg/config"
)

// Settings are the referral program knobs. They are injected rather than
// hard-coded so tests can vary thresholds without touching logic.
type Settings struct {
	// CodePrefix is the leading token of every synthesized code.
	CodePrefix string
	// CommissionRate is the percentage of a qualifying purchase credited to
	// the referrer, fixed on the record at issuance.
	CommissionRate int64
	// MinPurchaseAmount is the smallest purchase that earns commission.
	MinPurchaseAmount int64
	// GroupThreshold is the cohort size that unlocks the group discount.
	GroupThreshold int
	// GroupDiscountPercent is the flat discount applied to the whole cohort
	// once GroupThreshold is reached.
	GroupDiscountPercent int64
	// ExpiryDays is how long an issued code stays redeemable.
	ExpiryDays int
}

func ProvideSettings(cfg *config.Config) Settings {
	return Settings{
		CodePrefix:           cfg.Referral.CodePrefix,
		CommissionRate:       cfg.Referral.CommissionRate,
		MinPurchaseAmount:    cfg.Referral.MinPurchaseAmount,
		GroupThreshold:       cfg.Referral.GroupThreshold,
		GroupDiscountPercent: cfg.Referral.GroupDiscountPercent,
		ExpiryDays:           cfg.Referral.ExpiryDays,
	}
}

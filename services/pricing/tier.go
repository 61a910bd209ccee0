package pricing

// Tier is the discount bracket a group qualifies for based on its member
// count. Both the referral benefits reporting and bulk group enrollment
// resolve tiers through this table so the two can never disagree on the same
// count.
type Tier struct {
	ID         string
	Label      string
	Percentage int64
}

var tiers = []struct {
	minMembers int
	tier       Tier
}{
	{21, Tier{ID: "tier_25", Label: "Mega Group", Percentage: 25}},
	{11, Tier{ID: "tier_20", Label: "Large Group", Percentage: 20}},
	{6, Tier{ID: "tier_15", Label: "Medium Group", Percentage: 15}},
	{3, Tier{ID: "tier_10", Label: "Small Group", Percentage: 10}},
}

// ResolveTier maps a member count onto its discount tier. Highest bracket
// wins; counts below the smallest bracket resolve to the zero Tier.
func ResolveTier(memberCount int) Tier {
	for _, t := range tiers {
		if memberCount >= t.minMembers {
			return t.tier
		}
	}
	return Tier{}
}

// Applies reports whether the tier carries any discount at all.
func (t Tier) Applies() bool {
	return t.Percentage > 0
}

// DiscountFor returns the absolute discount on price at this tier, floored.
func (t Tier) DiscountFor(price int64) int64 {
	return price * t.Percentage / 100
}

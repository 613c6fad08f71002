package types

import "fmt"

// Tier is an author's quality classification. It drives how much human
// correction their future documents receive.
type Tier string

// Tiers from best (least correction needed) to worst.
const (
	TierNoTouch     Tier = "no_touch"
	TierLowTouch    Tier = "low_touch"
	TierMediumTouch Tier = "medium_touch"
	TierHighTouch   Tier = "high_touch"
	TierFullTouch   Tier = "full_touch"
)

// Tiers lists every tier ordered best to worst.
var Tiers = []Tier{TierNoTouch, TierLowTouch, TierMediumTouch, TierHighTouch, TierFullTouch}

// Rank returns the 1-based position of t in [Tiers] (1 is best), or 0 for an
// unknown tier.
func (t Tier) Rank() int {
	for i, v := range Tiers {
		if v == t {
			return i + 1
		}
	}
	return 0
}

// IsValid reports whether t is one of the known tiers.
func (t Tier) IsValid() bool { return t.Rank() != 0 }

// ParseTier accepts a tier name or its "tier-N" alias.
func ParseTier(s string) (Tier, error) {
	if t := Tier(s); t.IsValid() {
		return t, nil
	}
	for i, t := range Tiers {
		if s == fmt.Sprintf("tier-%d", i+1) {
			return t, nil
		}
	}
	return "", fmt.Errorf("types: unknown tier %q", s)
}

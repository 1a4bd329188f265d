// Package priority maps tenant tier and request attributes to a queue
// priority score. Higher scores are leased first; ties fall back to
// enqueue order in the job queue.
package priority

// Tier is a tenant subscription tier.
type Tier string

const (
	TierFree Tier = "free"
	TierPlus Tier = "plus"
	TierPro  Tier = "pro"
)

// Base scores per tier. Spaced so that a preferred-category bump can
// never promote a lower tier past a higher one.
const (
	scoreFree = 0
	scorePlus = 10
	scorePro  = 20

	preferredBump = 5
)

// ParseTier normalizes a tier string. Unknown values map to free so a
// bad tenant record degrades service rather than failing enqueue.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPlus:
		return TierPlus
	case TierPro:
		return TierPro
	default:
		return TierFree
	}
}

// Compute returns the priority score for a request. Pure and total:
// every (tier, preferred) pair maps to a distinct score, tiers dominate
// the preferred-category bump, and preferred requests within a tier
// strictly outrank non-preferred ones.
func Compute(tier Tier, preferredCategory bool) int {
	score := scoreFree
	switch tier {
	case TierPlus:
		score = scorePlus
	case TierPro:
		score = scorePro
	}
	if preferredCategory {
		score += preferredBump
	}
	return score
}

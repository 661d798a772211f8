// Package autonomy estimates how much unsupervised latitude a role has earned
// from its historical success rate.
package autonomy

import (
	"math"

	"github.com/ashita-ai/kobo/internal/model"
)

// z for a two-sided 95% interval.
const z95 = 1.96

// Estimate returns the point success rate, the Wilson score lower bound at
// 95% confidence, and the tier derived from the point rate. All values are
// zero (tier0) when total is not positive. successes is clamped to [0,total].
func Estimate(successes, total int) (score, lowerBound95 float64, tier model.AutonomyTier) {
	if total <= 0 {
		return 0, 0, model.Tier0
	}
	successes = max(0, min(successes, total))

	n := float64(total)
	phat := float64(successes) / n
	score = round4(phat)
	lowerBound95 = round4(wilsonLower(phat, n, z95))
	// Rounding both values can invert a near-tie.
	if lowerBound95 > score {
		lowerBound95 = score
	}
	return score, lowerBound95, TierFor(score)
}

// Score is Estimate packaged as a model.AutonomyScore.
func Score(roleKey, actionType string, successes, total int) model.AutonomyScore {
	s, lb, tier := Estimate(successes, total)
	return model.AutonomyScore{
		RoleKey:      roleKey,
		ActionType:   actionType,
		Successes:    max(0, min(successes, max(total, 0))),
		Total:        max(total, 0),
		Score:        s,
		LowerBound95: lb,
		Tier:         tier,
	}
}

// TierFor maps a success rate onto the discrete autonomy tiers.
func TierFor(score float64) model.AutonomyTier {
	switch {
	case score < 0.30:
		return model.Tier0
	case score < 0.60:
		return model.Tier1
	case score < 0.80:
		return model.Tier2
	default:
		return model.Tier3
	}
}

func wilsonLower(phat, n, z float64) float64 {
	z2 := z * z
	denom := 1 + z2/n
	center := phat + z2/(2*n)
	margin := z * math.Sqrt((phat*(1-phat)+z2/(4*n))/n)
	return math.Max(0, (center-margin)/denom)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

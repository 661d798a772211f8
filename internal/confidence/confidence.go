// Package confidence turns quality signals on an agent output into a single
// calibrated confidence value.
//
// The score is a plain convex combination of the three signals:
//
//	overall = 0.40*source_ratio + 0.35*consistency + 0.25*(1 - verifier_risk)
//
// rounded to four decimal places. No logistic calibration is applied, so the
// completion threshold (Threshold) is compared against the raw weighted mean.
package confidence

import (
	"math"

	"github.com/ashita-ai/kobo/internal/model"
)

// Component weights. They sum to 1.
const (
	WeightSourceRatio  = 0.40
	WeightConsistency  = 0.35
	WeightVerifierRisk = 0.25
)

// Threshold is the minimum overall score for a run to complete.
const Threshold = 0.70

// Score combines the signals into a breakdown. Inputs outside [0,1] are
// clamped, so the overall score is always within [0,1].
func Score(sourceRatio, consistency, verifierRisk float64) model.ConfidenceBreakdown {
	sr := clamp01(sourceRatio)
	c := clamp01(consistency)
	vr := clamp01(verifierRisk)

	source := WeightSourceRatio * sr
	consistent := WeightConsistency * c
	verifier := WeightVerifierRisk * (1 - vr)
	return model.ConfidenceBreakdown{
		SourceRatio:      round4(sr),
		Consistency:      round4(c),
		VerifierRisk:     round4(vr),
		SourceScore:      round4(source),
		ConsistencyScore: round4(consistent),
		VerifierScore:    round4(verifier),
		Overall:          clamp01(round4(source + consistent + verifier)),
	}
}

// Passes reports whether overall meets the completion threshold.
func Passes(overall float64) bool {
	return overall >= Threshold
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

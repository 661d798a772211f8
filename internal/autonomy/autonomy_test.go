package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kobo/internal/model"
)

func TestEstimateZeroTotal(t *testing.T) {
	score, lb, tier := Estimate(0, 0)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, 0.0, lb)
	assert.Equal(t, model.Tier0, tier)

	score, lb, _ = Estimate(3, -1)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, 0.0, lb)
}

func TestEstimateKnownValues(t *testing.T) {
	// 8/10 at z=1.96: Wilson lower bound ~0.4902.
	score, lb, tier := Estimate(8, 10)
	assert.Equal(t, 0.8, score)
	assert.InDelta(t, 0.4902, lb, 0.0001)
	assert.Equal(t, model.Tier3, tier)

	// Perfect but tiny sample stays far from 1.
	score, lb, _ = Estimate(2, 2)
	assert.Equal(t, 1.0, score)
	assert.Less(t, lb, 0.5)
}

func TestLowerBoundNeverExceedsScore(t *testing.T) {
	for total := 0; total <= 60; total++ {
		for s := 0; s <= total; s++ {
			score, lb, _ := Estimate(s, total)
			if lb > score {
				t.Fatalf("Estimate(%d, %d): lower bound %v > score %v", s, total, lb, score)
			}
			if lb < 0 {
				t.Fatalf("Estimate(%d, %d): negative lower bound %v", s, total, lb)
			}
		}
	}
}

func TestLowerBoundTightensWithSampleSize(t *testing.T) {
	_, small, _ := Estimate(9, 10)
	_, large, _ := Estimate(900, 1000)
	assert.Less(t, small, large)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  model.AutonomyTier
	}{
		{0, model.Tier0},
		{0.2999, model.Tier0},
		{0.30, model.Tier1},
		{0.5999, model.Tier1},
		{0.60, model.Tier2},
		{0.7999, model.Tier2},
		{0.80, model.Tier3},
		{1, model.Tier3},
	}
	for _, tt := range tests {
		if got := TierFor(tt.score); got != tt.want {
			t.Errorf("TierFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScoreClampsSuccesses(t *testing.T) {
	s := Score("growth", "", 12, 10)
	assert.Equal(t, 10, s.Successes)
	assert.Equal(t, 10, s.Total)
	assert.Equal(t, 1.0, s.Score)
	assert.Equal(t, "growth", s.RoleKey)
}

// Package difficulty turns per-image detection statistics into a scalar
// difficulty score and maps that score onto a discrete resampling weight.
package difficulty

import (
	"fmt"
	"math"

	"github.com/banshee-data/resample/internal/stats"
)

// ScoringWeights defines the coefficients of the difficulty score:
//
//	score = FalsePositive·FP + FalseNegative·FN + Uncertainty·(1 − confidence)
type ScoringWeights struct {
	FalsePositive float64 `json:"alpha_fp"`
	FalseNegative float64 `json:"beta_fn"`
	Uncertainty   float64 `json:"gamma_conf"`
}

// DefaultScoringWeights penalises missed objects most, spurious detections
// next and low confidence least.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		FalsePositive: 2.0,
		FalseNegative: 3.0,
		Uncertainty:   1.0,
	}
}

// Validate rejects negative or non-finite coefficients; either would break
// the score's floor of zero and its monotonicity.
func (w ScoringWeights) Validate() error {
	for _, c := range []struct {
		name string
		v    float64
	}{
		{"alpha_fp", w.FalsePositive},
		{"beta_fn", w.FalseNegative},
		{"gamma_conf", w.Uncertainty},
	} {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return fmt.Errorf("%s must be finite, got %v", c.name, c.v)
		}
		if c.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", c.name, c.v)
		}
	}
	return nil
}

// Score computes the difficulty of one image. It is zero only when the
// image has no false positives, no false negatives and full confidence; an
// image without predictions counts as fully uncertain.
func Score(s stats.PerImageStats, w ScoringWeights) float64 {
	fp := float64(max(s.FalsePositive, 0))
	fn := float64(max(s.FalseNegative, 0))
	return w.FalsePositive*fp + w.FalseNegative*fn + w.Uncertainty*s.Uncertainty()
}

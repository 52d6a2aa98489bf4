package difficulty

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// FallbackWeight is returned when no band matches a score. With the default
// bands every non-negative score matches, so this only applies to negative
// or NaN scores.
const FallbackWeight = 1.0

// MaxWeight bounds every resampling weight, so one row can never demand an
// unbounded number of copies.
const MaxWeight = 1000.0

var errNoBands = errors.New("at least one weight band is required")

// Band assigns Weight to every score at or above Threshold.
type Band struct {
	Threshold float64
	Weight    float64
}

// MarshalJSON encodes a band as a [threshold, weight] pair.
func (b Band) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{b.Threshold, b.Weight})
}

// UnmarshalJSON decodes a [threshold, weight] pair.
func (b *Band) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("band must be a [threshold, weight] pair: %w", err)
	}
	b.Threshold, b.Weight = pair[0], pair[1]
	return nil
}

// Bands is a step function from score to weight, ordered from the highest
// threshold to the lowest.
type Bands []Band

// DefaultBands returns score≥2.5→3, score≥1→2, score≥0→1.
func DefaultBands() Bands {
	return Bands{
		{Threshold: 2.5, Weight: 3.0},
		{Threshold: 1.0, Weight: 2.0},
		{Threshold: 0.0, Weight: 1.0},
	}
}

// Validate checks that bands are non-empty, strictly descending by threshold
// and carry weights in [1, MaxWeight].
func (b Bands) Validate() error {
	if len(b) == 0 {
		return errNoBands
	}
	for i, band := range b {
		if math.IsNaN(band.Threshold) || math.IsInf(band.Threshold, 0) {
			return fmt.Errorf("band %d: threshold must be finite, got %v", i, band.Threshold)
		}
		if math.IsNaN(band.Weight) || band.Weight < 1 || band.Weight > MaxWeight {
			return fmt.Errorf("band %d: weight must be in [1, %g], got %v", i, MaxWeight, band.Weight)
		}
		if i > 0 && band.Threshold >= b[i-1].Threshold {
			return fmt.Errorf("band %d: thresholds must be strictly descending (%v after %v)",
				i, band.Threshold, b[i-1].Threshold)
		}
	}
	return nil
}

// Allocate returns the weight of the first band whose threshold is at or
// below score, scanning in the given order. Ties at a threshold resolve to
// that band. If no band matches, FallbackWeight is returned.
func Allocate(score float64, bands Bands) float64 {
	for _, b := range bands {
		if score >= b.Threshold {
			return b.Weight
		}
	}
	return FallbackWeight
}

package difficulty

import (
	"fmt"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/resample/internal/stats"
)

// Policy is an immutable scoring and banding configuration. Construct it
// with NewPolicy or DefaultPolicy and pass it to every call that scores or
// weights images.
type Policy struct {
	weights ScoringWeights
	bands   Bands
}

// NewPolicy validates and captures w and bands. The bands are copied, so
// later changes to the caller's slice do not affect the policy.
func NewPolicy(w ScoringWeights, bands Bands) (Policy, error) {
	if err := w.Validate(); err != nil {
		return Policy{}, fmt.Errorf("scoring weights: %w", err)
	}
	if err := bands.Validate(); err != nil {
		return Policy{}, fmt.Errorf("weight bands: %w", err)
	}
	return Policy{weights: w, bands: append(Bands(nil), bands...)}, nil
}

// DefaultPolicy uses DefaultScoringWeights and DefaultBands.
func DefaultPolicy() Policy {
	return Policy{weights: DefaultScoringWeights(), bands: DefaultBands()}
}

// ScoringWeights returns the policy's score coefficients.
func (p Policy) ScoringWeights() ScoringWeights { return p.weights }

// Bands returns a copy of the policy's weight bands.
func (p Policy) Bands() Bands { return append(Bands(nil), p.bands...) }

// Assessment is the difficulty and resampling weight computed for one image.
type Assessment struct {
	Filename   string
	Difficulty float64
	Weight     float64
}

// Assess scores s and allocates its weight.
func (p Policy) Assess(s stats.PerImageStats) Assessment {
	d := Score(s, p.weights)
	return Assessment{
		Filename:   s.Filename,
		Difficulty: d,
		Weight:     Allocate(d, p.bands),
	}
}

// AssessAll assesses every image, preserving input order.
func (p Policy) AssessAll(rows []stats.PerImageStats) []Assessment {
	return lo.Map(rows, func(s stats.PerImageStats, _ int) Assessment {
		return p.Assess(s)
	})
}

// Advice is a hint about whether the bands weight a sensible share of the
// dataset.
type Advice string

const (
	AdviceBalanced Advice = "balanced"
	AdviceTooMany  Advice = "too_many" // raise the band thresholds
	AdviceTooFew   Advice = "too_few"  // lower the band thresholds
)

// DiagnosticLimits bounds the share of up-weighted ("hard") images that is
// considered healthy.
type DiagnosticLimits struct {
	MaxHardRatio float64 `json:"hard_ratio_high"`
	MinHardRatio float64 `json:"hard_ratio_low"`
}

// DefaultDiagnosticLimits accepts between 5% and 40% hard images.
func DefaultDiagnosticLimits() DiagnosticLimits {
	return DiagnosticLimits{MaxHardRatio: 0.40, MinHardRatio: 0.05}
}

// Diagnostics summarises how a policy distributed weights over a dataset.
type Diagnostics struct {
	TotalImages      int     `json:"total_images"`
	HardSamples      int     `json:"hard_samples"`
	HardRatio        float64 `json:"hard_ratio"`
	MeanDifficulty   float64 `json:"mean_difficulty"`
	StddevDifficulty float64 `json:"stddev_difficulty"`
	Advice           Advice  `json:"advice"`
}

// Diagnose counts images with weight above 1 and compares their share with
// limits.
func Diagnose(assessments []Assessment, limits DiagnosticLimits) Diagnostics {
	d := Diagnostics{
		TotalImages: len(assessments),
		HardSamples: lo.CountBy(assessments, func(a Assessment) bool { return a.Weight > 1.0 }),
	}
	if d.TotalImages > 0 {
		d.HardRatio = float64(d.HardSamples) / float64(d.TotalImages)
		scores := lo.Map(assessments, func(a Assessment, _ int) float64 { return a.Difficulty })
		d.MeanDifficulty = stat.Mean(scores, nil)
		if len(scores) > 1 {
			d.StddevDifficulty = stat.StdDev(scores, nil)
		}
	}

	switch {
	case d.HardRatio > limits.MaxHardRatio:
		d.Advice = AdviceTooMany
	case d.HardRatio < limits.MinHardRatio:
		d.Advice = AdviceTooFew
	default:
		d.Advice = AdviceBalanced
	}
	return d
}

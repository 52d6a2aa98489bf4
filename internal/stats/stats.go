// Package stats defines the per-image detection statistics produced by an
// evaluation run and consumed by the difficulty scorer and the summary
// report.
//
// True/false positive and false negative counts are derived from object
// counts alone (see FromCounts). This is a coarse approximation that does
// not match predicted boxes to ground-truth boxes by location; downstream
// weighting is calibrated against it, so it must not be silently replaced by
// IoU matching.
package stats

// Record is one row of a stats table as read from disk. Optional fields are
// nil when the column is missing or the cell is empty. Call Resolve to apply
// the documented defaults.
type Record struct {
	Filename       string
	GroundTruth    *int
	Predicted      *int
	TruePositive   *int
	FalsePositive  *int
	FalseNegative  *int
	MeanConfidence *float64
}

// PerImageStats holds fully resolved statistics for one image.
// MeanConfidence is only meaningful when HasConfidence is true; an image
// with no predictions has no confidence.
type PerImageStats struct {
	Filename       string
	GroundTruth    int
	Predicted      int
	TruePositive   int
	FalsePositive  int
	FalseNegative  int
	MeanConfidence float64
	HasConfidence  bool
}

// FromCounts builds the statistics for one image from its ground-truth
// object count and the confidences of its predictions.
//
//	TP = min(gt, pred)
//	FP = max(0, pred - gt)
//	FN = max(0, gt - pred)
func FromCounts(filename string, groundTruth int, confidences []float64) PerImageStats {
	pred := len(confidences)
	s := PerImageStats{
		Filename:      filename,
		GroundTruth:   groundTruth,
		Predicted:     pred,
		TruePositive:  min(groundTruth, pred),
		FalsePositive: max(0, pred-groundTruth),
		FalseNegative: max(0, groundTruth-pred),
	}
	if pred > 0 {
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		s.MeanConfidence = sum / float64(pred)
		s.HasConfidence = true
	}
	return s
}

// Resolve substitutes defaults for absent fields: counts default to 0 and an
// absent confidence stays absent (HasConfidence=false), which the scorer
// treats as maximum uncertainty.
func (r Record) Resolve() PerImageStats {
	s := PerImageStats{
		Filename:      r.Filename,
		GroundTruth:   intOrZero(r.GroundTruth),
		Predicted:     intOrZero(r.Predicted),
		TruePositive:  intOrZero(r.TruePositive),
		FalsePositive: intOrZero(r.FalsePositive),
		FalseNegative: intOrZero(r.FalseNegative),
	}
	if r.MeanConfidence != nil {
		s.MeanConfidence = *r.MeanConfidence
		s.HasConfidence = true
	}
	return s
}

// ResolveAll resolves every record in order.
func ResolveAll(records []Record) []PerImageStats {
	out := make([]PerImageStats, len(records))
	for i, r := range records {
		out[i] = r.Resolve()
	}
	return out
}

// Uncertainty returns 1 - mean confidence, with confidence clamped to [0,1].
// An image without a confidence value has uncertainty 1.
func (s PerImageStats) Uncertainty() float64 {
	if !s.HasConfidence {
		return 1.0
	}
	c := s.MeanConfidence
	if c != c { // NaN
		return 1.0
	}
	return 1.0 - min(max(c, 0), 1)
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

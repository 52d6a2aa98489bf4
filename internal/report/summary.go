// Package report aggregates per-image statistics into dataset-level error
// summaries and renders them as tables, a plain-text overview and charts.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/stats"
)

// SummaryColumns is the header of the summary table, in output order.
var SummaryColumns = []string{
	"total_images", "total_gt", "total_pred",
	"total_TP", "total_FP", "total_FN",
	"avg_conf",
	"FN_per_image", "FP_per_image",
	"FN_rate_over_GT", "FP_rate_over_pred",
}

// Summary is the dataset-level aggregate of a stats table.
type Summary struct {
	TotalImages    int     `json:"total_images"`
	TotalGT        int     `json:"total_gt"`
	TotalPred      int     `json:"total_pred"`
	TotalTP        int     `json:"total_tp"`
	TotalFP        int     `json:"total_fp"`
	TotalFN        int     `json:"total_fn"`
	MeanConfidence float64 `json:"avg_conf"`
	FNPerImage     float64 `json:"fn_per_image"`
	FPPerImage     float64 `json:"fp_per_image"`
	FNRateOverGT   float64 `json:"fn_rate_over_gt"`
	FPRateOverPred float64 `json:"fp_rate_over_pred"`
	ImagesWithConf int     `json:"images_with_conf"`
}

// Summarise totals rows. The mean confidence covers only images that have a
// confidence and is 0 when none do, so it is never below the mean of an
// avg_conf column zero-filled for images without predictions. Every rate is 0
// when its denominator is 0.
func Summarise(rows []stats.PerImageStats) Summary {
	s := Summary{
		TotalImages: len(rows),
		TotalGT:     lo.SumBy(rows, func(r stats.PerImageStats) int { return r.GroundTruth }),
		TotalPred:   lo.SumBy(rows, func(r stats.PerImageStats) int { return r.Predicted }),
		TotalTP:     lo.SumBy(rows, func(r stats.PerImageStats) int { return r.TruePositive }),
		TotalFP:     lo.SumBy(rows, func(r stats.PerImageStats) int { return r.FalsePositive }),
		TotalFN:     lo.SumBy(rows, func(r stats.PerImageStats) int { return r.FalseNegative }),
	}

	confs := lo.FilterMap(rows, func(r stats.PerImageStats, _ int) (float64, bool) {
		return r.MeanConfidence, r.HasConfidence
	})
	s.ImagesWithConf = len(confs)
	if len(confs) > 0 {
		s.MeanConfidence = stat.Mean(confs, nil)
	}

	s.FNPerImage = ratio(s.TotalFN, s.TotalImages)
	s.FPPerImage = ratio(s.TotalFP, s.TotalImages)
	s.FNRateOverGT = ratio(s.TotalFN, s.TotalGT)
	s.FPRateOverPred = ratio(s.TotalFP, s.TotalPred)
	return s
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func (s Summary) values() []string {
	return []string{
		strconv.Itoa(s.TotalImages),
		strconv.Itoa(s.TotalGT),
		strconv.Itoa(s.TotalPred),
		strconv.Itoa(s.TotalTP),
		strconv.Itoa(s.TotalFP),
		strconv.Itoa(s.TotalFN),
		stats.FormatFloat(s.MeanConfidence),
		stats.FormatFloat(s.FNPerImage),
		stats.FormatFloat(s.FPPerImage),
		stats.FormatFloat(s.FNRateOverGT),
		stats.FormatFloat(s.FPRateOverPred),
	}
}

// WriteSummary writes the single-row summary table.
func WriteSummary(w io.Writer, s Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SummaryColumns); err != nil {
		return err
	}
	if err := cw.Write(s.values()); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// overviewLabels pairs with SummaryColumns.
var overviewLabels = []string{
	"TOTAL IMAGES", "TOTAL GT", "TOTAL PRED",
	"TOTAL TP", "TOTAL FP", "TOTAL FN",
	"AVG CONF",
	"FN PER IMAGE", "FP PER IMAGE",
	"FN RATE OVER GT", "FP RATE OVER PRED",
}

// WriteOverview writes the operator-readable overview, one "LABEL: value"
// line per summary field.
func WriteOverview(w io.Writer, s Summary) error {
	for i, v := range s.values() {
		if _, err := fmt.Fprintf(w, "%s: %s\n", overviewLabels[i], v); err != nil {
			return err
		}
	}
	return nil
}

// SaveSummary writes the summary table to path through fsys.
func SaveSummary(fsys fsutil.FileSystem, path string, s Summary) error {
	return saveWith(fsys, path, func(w io.Writer) error { return WriteSummary(w, s) })
}

// SaveOverview writes the overview text to path through fsys.
func SaveOverview(fsys fsutil.FileSystem, path string, s Summary) error {
	return saveWith(fsys, path, func(w io.Writer) error { return WriteOverview(w, s) })
}

func saveWith(fsys fsutil.FileSystem, path string, write func(io.Writer) error) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return write(f)
}

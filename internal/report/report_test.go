package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resample/internal/difficulty"
	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/stats"
)

// twoImages is one image with a missed object and one with a spurious
// detection.
func twoImages() []stats.PerImageStats {
	return []stats.PerImageStats{
		stats.FromCounts("a.jpg", 2, []float64{0.8}),
		stats.FromCounts("b.jpg", 0, []float64{0.4}),
	}
}

func TestSummarise(t *testing.T) {
	t.Parallel()
	got := Summarise(twoImages())

	want := Summary{
		TotalImages:    2,
		TotalGT:        2,
		TotalPred:      2,
		TotalTP:        1,
		TotalFP:        1,
		TotalFN:        1,
		MeanConfidence: 0.6,
		FNPerImage:     0.5,
		FPPerImage:     0.5,
		FNRateOverGT:   0.5,
		FPRateOverPred: 0.5,
		ImagesWithConf: 2,
	}
	approx := cmp.Comparer(func(a, b float64) bool { return a-b < 1e-12 && b-a < 1e-12 })
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Summarise() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarise_Empty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Summary{}, Summarise(nil))
}

func TestSummarise_ZeroDenominators(t *testing.T) {
	t.Parallel()
	// No ground truth and no predictions anywhere.
	rows := []stats.PerImageStats{
		stats.FromCounts("a.jpg", 0, nil),
		stats.FromCounts("b.jpg", 0, nil),
	}
	s := Summarise(rows)
	assert.Equal(t, 2, s.TotalImages)
	assert.Equal(t, 0.0, s.FNRateOverGT)
	assert.Equal(t, 0.0, s.FPRateOverPred)
	assert.Equal(t, 0.0, s.MeanConfidence)
	assert.Equal(t, 0, s.ImagesWithConf)
}

func TestSummarise_MeanConfidenceSkipsAbsent(t *testing.T) {
	t.Parallel()
	rows := []stats.PerImageStats{
		stats.FromCounts("a.jpg", 1, []float64{0.9}),
		stats.FromCounts("b.jpg", 1, nil),
	}
	s := Summarise(rows)
	// A zero-filled avg_conf column would average to 0.45.
	assert.InDelta(t, 0.9, s.MeanConfidence, 1e-12)
	assert.Equal(t, 1, s.ImagesWithConf)
	assert.Equal(t, 1, s.TotalFN)
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()
	s := Summary{TotalImages: 2, TotalGT: 2, TotalPred: 2, TotalTP: 1, TotalFP: 1, TotalFN: 1,
		MeanConfidence: 0.6, FNPerImage: 0.5, FPPerImage: 0.5, FNRateOverGT: 0.5, FPRateOverPred: 0.5}

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, s))
	want := "total_images,total_gt,total_pred,total_TP,total_FP,total_FN,avg_conf,FN_per_image,FP_per_image,FN_rate_over_GT,FP_rate_over_pred\n" +
		"2,2,2,1,1,1,0.6,0.5,0.5,0.5,0.5\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteOverview(t *testing.T) {
	t.Parallel()
	s := Summary{TotalImages: 4, TotalGT: 3, TotalFN: 1, MeanConfidence: 0.25, FNPerImage: 0.25, FNRateOverGT: 1.0 / 3}

	var buf bytes.Buffer
	require.NoError(t, WriteOverview(&buf, s))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, len(SummaryColumns))
	assert.Equal(t, "TOTAL IMAGES: 4", lines[0])
	assert.Equal(t, "TOTAL GT: 3", lines[1])
	assert.Equal(t, "TOTAL FN: 1", lines[5])
	assert.Equal(t, "AVG CONF: 0.25", lines[6])
	assert.Equal(t, "FN RATE OVER GT: 0.3333333333333333", lines[9])
	assert.Equal(t, "FP RATE OVER PRED: 0", lines[10])
}

func TestSaveSummaryAndOverview(t *testing.T) {
	t.Parallel()
	mfs := fsutil.NewMemoryFileSystem()
	s := Summarise(twoImages())

	require.NoError(t, SaveSummary(mfs, "/out/error_summary.csv", s))
	require.NoError(t, SaveOverview(mfs, "/out/error_overview.txt", s))

	data, err := mfs.ReadFile("/out/error_summary.csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "total_images,"))

	data, err = mfs.ReadFile("/out/error_overview.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), "TOTAL IMAGES: 2\n")
}

func assessments() []difficulty.Assessment {
	return difficulty.DefaultPolicy().AssessAll([]stats.PerImageStats{
		stats.FromCounts("a.jpg", 1, []float64{1}),
		stats.FromCounts("b.jpg", 2, []float64{0.5}),
		stats.FromCounts("c.jpg", 0, []float64{0.9, 0.9}),
		stats.FromCounts("d.jpg", 1, []float64{0.7}),
	})
}

func TestWriteDifficultyHistogram(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteDifficultyHistogram(&buf, assessments(), difficulty.DefaultBands()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")), "expected PNG output")

	err := WriteDifficultyHistogram(&buf, nil, difficulty.DefaultBands())
	assert.True(t, errors.Is(err, ErrNoData))
}

func TestWriteWeightChart(t *testing.T) {
	t.Parallel()
	as := assessments()
	diag := difficulty.Diagnose(as, difficulty.DefaultDiagnosticLimits())

	var buf bytes.Buffer
	require.NoError(t, WriteWeightChart(&buf, as, diag, Summarise(nil)))
	html := buf.String()
	assert.Contains(t, html, "Images per resampling weight")
	assert.Contains(t, html, "Detection totals")
	assert.Contains(t, html, "x3")

	err := WriteWeightChart(&buf, nil, diag, Summary{})
	assert.True(t, errors.Is(err, ErrNoData))
}

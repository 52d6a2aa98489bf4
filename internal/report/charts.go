package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"slices"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/resample/internal/difficulty"
	"github.com/banshee-data/resample/internal/stats"
)

// ErrNoData is returned when there is nothing to chart.
var ErrNoData = errors.New("no images to chart")

// HistogramBins is the number of bins in the difficulty histogram.
const HistogramBins = 20

var bandLineColor = color.RGBA{R: 200, G: 40, B: 40, A: 255}

// WriteDifficultyHistogram renders a PNG histogram of difficulty scores with
// a dashed marker at each band threshold.
func WriteDifficultyHistogram(w io.Writer, assessments []difficulty.Assessment, bands difficulty.Bands) error {
	if len(assessments) == 0 {
		return ErrNoData
	}
	values := plotter.Values(lo.Map(assessments, func(a difficulty.Assessment, _ int) float64 {
		return a.Difficulty
	}))

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Difficulty scores (%d images)", len(values))
	p.X.Label.Text = "Difficulty"
	p.Y.Label.Text = "Images"

	hist, err := plotter.NewHist(values, HistogramBins)
	if err != nil {
		return fmt.Errorf("histogram: %w", err)
	}
	hist.FillColor = color.Gray{Y: 160}
	p.Add(hist)

	top := 0.0
	for _, b := range hist.Bins {
		top = max(top, b.Weight)
	}
	for _, b := range bands {
		line, err := plotter.NewLine(plotter.XYs{{X: b.Threshold, Y: 0}, {X: b.Threshold, Y: top}})
		if err != nil {
			return err
		}
		line.Color = bandLineColor
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("score >= %s: x%s", stats.FormatFloat(b.Threshold), stats.FormatFloat(b.Weight)), line)
	}

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("encode histogram: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteWeightChart renders an HTML page with the number of images at each
// resampling weight and the dataset error totals.
func WriteWeightChart(w io.Writer, assessments []difficulty.Assessment, diag difficulty.Diagnostics, s Summary) error {
	if len(assessments) == 0 {
		return ErrNoData
	}

	counts := lo.CountValues(lo.Map(assessments, func(a difficulty.Assessment, _ int) float64 { return a.Weight }))
	weights := lo.Keys(counts)
	slices.Sort(weights)

	x := lo.Map(weights, func(wt float64, _ int) string { return "x" + stats.FormatFloat(wt) })
	y := lo.Map(weights, func(wt float64, _ int) opts.BarData { return opts.BarData{Value: counts[wt]} })

	subtitle := fmt.Sprintf("hard=%d/%d ratio=%.3f mean difficulty=%.3f advice=%s",
		diag.HardSamples, diag.TotalImages, diag.HardRatio, diag.MeanDifficulty, diag.Advice)

	weightBar := charts.NewBar()
	weightBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Resampling weights", Width: "900px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Images per resampling weight", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Weight"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Images"}),
	)
	weightBar.SetXAxis(x).
		AddSeries("images", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	errorBar := charts.NewBar()
	errorBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Detection totals",
			Subtitle: fmt.Sprintf("images=%d avg_conf=%.3f", s.TotalImages, s.MeanConfidence),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	errorBar.SetXAxis([]string{"GT", "Pred", "TP", "FP", "FN"}).
		AddSeries("objects", []opts.BarData{
			{Value: s.TotalGT},
			{Value: s.TotalPred},
			{Value: s.TotalTP},
			{Value: s.TotalFP},
			{Value: s.TotalFN},
		}, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	page := components.NewPage()
	page.AddCharts(weightBar, errorBar)
	return page.Render(w)
}

package stats

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resample/internal/fsutil"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestFromCounts(t *testing.T) {
	tests := []struct {
		name        string
		gt          int
		confidences []float64
		want        PerImageStats
	}{
		{
			name:        "exact match",
			gt:          2,
			confidences: []float64{0.8, 0.6},
			want: PerImageStats{Filename: "a.jpg", GroundTruth: 2, Predicted: 2, TruePositive: 2,
				MeanConfidence: 0.7, HasConfidence: true},
		},
		{
			name:        "missed objects",
			gt:          3,
			confidences: []float64{0.5},
			want: PerImageStats{Filename: "a.jpg", GroundTruth: 3, Predicted: 1, TruePositive: 1,
				FalseNegative: 2, MeanConfidence: 0.5, HasConfidence: true},
		},
		{
			name:        "spurious predictions",
			gt:          0,
			confidences: []float64{0.9, 0.3},
			want: PerImageStats{Filename: "a.jpg", Predicted: 2, FalsePositive: 2,
				MeanConfidence: 0.6, HasConfidence: true},
		},
		{
			name: "no predictions has no confidence",
			gt:   1,
			want: PerImageStats{Filename: "a.jpg", GroundTruth: 1, FalseNegative: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromCounts("a.jpg", tt.gt, tt.confidences)
			if diff := cmp.Diff(tt.want, got, cmp.Comparer(approxEqual)); diff != "" {
				t.Errorf("FromCounts mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, min(got.GroundTruth, got.Predicted), got.TruePositive)
		})
	}
}

func approxEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestRecordResolve(t *testing.T) {
	t.Run("present fields are kept", func(t *testing.T) {
		r := Record{
			Filename:       "x.png",
			GroundTruth:    intPtr(2),
			Predicted:      intPtr(1),
			TruePositive:   intPtr(1),
			FalsePositive:  intPtr(0),
			FalseNegative:  intPtr(1),
			MeanConfidence: floatPtr(0.9),
		}
		got := r.Resolve()
		assert.Equal(t, PerImageStats{
			Filename: "x.png", GroundTruth: 2, Predicted: 1, TruePositive: 1,
			FalseNegative: 1, MeanConfidence: 0.9, HasConfidence: true,
		}, got)
	})

	t.Run("absent fields take defaults", func(t *testing.T) {
		got := Record{Filename: "y.png"}.Resolve()
		assert.Equal(t, PerImageStats{Filename: "y.png"}, got)
		assert.False(t, got.HasConfidence)
		assert.Equal(t, 1.0, got.Uncertainty())
	})
}

func TestUncertainty(t *testing.T) {
	assert.Equal(t, 0.0, PerImageStats{MeanConfidence: 1, HasConfidence: true}.Uncertainty())
	assert.InDelta(t, 0.25, PerImageStats{MeanConfidence: 0.75, HasConfidence: true}.Uncertainty(), 1e-12)
	assert.Equal(t, 1.0, PerImageStats{MeanConfidence: 0, HasConfidence: true}.Uncertainty())
	assert.Equal(t, 0.0, PerImageStats{MeanConfidence: 1.5, HasConfidence: true}.Uncertainty(), "clamped above")
	assert.Equal(t, 1.0, PerImageStats{MeanConfidence: -0.2, HasConfidence: true}.Uncertainty(), "clamped below")
	assert.Equal(t, 1.0, PerImageStats{}.Uncertainty())
}

func TestReadTable(t *testing.T) {
	input := "filename,gt,pred,TP,FP,FN,avg_conf\n" +
		"a.jpg,2,1,1,0,1,0.9\n" +
		"b.jpg,0,1,0,1,0,0.4\n" +
		"c.jpg,1,0,0,0,1,\n"

	records, err := ReadTable(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "a.jpg", records[0].Filename)
	assert.Equal(t, 2, *records[0].GroundTruth)
	assert.Equal(t, 0.9, *records[0].MeanConfidence)
	assert.Nil(t, records[2].MeanConfidence, "empty cell is absent")
}

func TestReadTable_ReorderedAndPartialColumns(t *testing.T) {
	input := "\ufeffAVG_CONF, FN ,Filename\n0.5,2,a.jpg\n"

	records, err := ReadTable(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "a.jpg", r.Filename)
	assert.Equal(t, 2, *r.FalseNegative)
	assert.Equal(t, 0.5, *r.MeanConfidence)
	assert.Nil(t, r.FalsePositive)
	assert.Nil(t, r.GroundTruth)
}

func TestReadTable_Errors(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantColumn string
		wantLine   int
	}{
		{"malformed count", "filename,FP\na.jpg,1\nb.jpg,two\n", ColFalsePositive, 3},
		{"negative count", "filename,FN\na.jpg,-1\n", ColFalseNegative, 2},
		{"float count", "filename,gt\na.jpg,1.5\n", ColGroundTruth, 2},
		{"malformed confidence", "filename,avg_conf\na.jpg,high\n", ColConfidence, 2},
		{"confidence out of range", "filename,avg_conf\na.jpg,1.2\n", ColConfidence, 2},
		{"empty filename", "filename,gt\n,1\n", ColFilename, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadTable(strings.NewReader(tt.input))
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "want ParseError, got %v", err)
			assert.Equal(t, tt.wantColumn, pe.Column)
			assert.Equal(t, tt.wantLine, pe.Line)
		})
	}
}

func TestReadTable_MissingFilenameColumn(t *testing.T) {
	_, err := ReadTable(strings.NewReader("image,gt\na.jpg,1\n"))
	assert.True(t, errors.Is(err, ErrMissingColumn))

	_, err = ReadTable(strings.NewReader(""))
	assert.True(t, errors.Is(err, ErrMissingColumn))
}

func TestWriteTable(t *testing.T) {
	rows := []PerImageStats{
		FromCounts("a.jpg", 2, []float64{0.9}),
		FromCounts("b.jpg", 1, nil),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, rows))

	want := "filename,gt,pred,TP,FP,FN,avg_conf\n" +
		"a.jpg,2,1,1,0,1,0.9\n" +
		"b.jpg,1,0,0,0,1,\n"
	assert.Equal(t, want, buf.String())

	back, err := ReadTable(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(rows, ResolveAll(back)); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadTable(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()

	_, err := LoadTable(mfs, "/work/state.csv")
	assert.True(t, errors.Is(err, ErrMissingInput))

	require.NoError(t, SaveTable(mfs, "/work/state.csv", []PerImageStats{FromCounts("a.jpg", 1, []float64{1})}))
	records, err := LoadTable(mfs, "/work/state.csv")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, *records[0].TruePositive)
}

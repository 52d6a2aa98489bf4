package difficulty

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"go.uber.org/multierr"

	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/stats"
)

// Weights table column names.
const (
	ColWeight     = "weight"
	ColDifficulty = "difficulty"
)

// ResamplingWeight is one row of a weights table.
type ResamplingWeight struct {
	Filename string
	Weight   float64
}

// WriteWeights writes a filename,weight table. withDifficulty appends the
// difficulty score as a third column.
func WriteWeights(w io.Writer, assessments []Assessment, withDifficulty bool) error {
	cw := csv.NewWriter(w)
	header := []string{stats.ColFilename, ColWeight}
	if withDifficulty {
		header = append(header, ColDifficulty)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, a := range assessments {
		row := []string{a.Filename, stats.FormatFloat(a.Weight)}
		if withDifficulty {
			row = append(row, stats.FormatFloat(a.Difficulty))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadWeights parses a weights table. Both the filename and weight columns
// are required; a malformed or non-finite weight, or one above MaxWeight, is
// fatal.
func ReadWeights(r io.Reader) ([]ResamplingWeight, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: %q (empty table)", stats.ErrMissingColumn, stats.ColFilename)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := stats.NewHeaderIndex(header)
	fileCol, err := h.Require(stats.ColFilename)
	if err != nil {
		return nil, err
	}
	weightCol, err := h.Require(ColWeight)
	if err != nil {
		return nil, err
	}

	var out []ResamplingWeight
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)

		name := stats.Cell(row, fileCol)
		if name == "" {
			return nil, &stats.ParseError{Line: line, Column: stats.ColFilename, Err: errors.New("empty filename")}
		}
		raw := stats.Cell(row, weightCol)
		weight, err := strconv.ParseFloat(raw, 64)
		if err == nil && (math.IsNaN(weight) || math.IsInf(weight, 0)) {
			err = errors.New("weight must be finite")
		} else if err == nil && weight > MaxWeight {
			err = fmt.Errorf("weight exceeds maximum %g", MaxWeight)
		}
		if err != nil {
			return nil, &stats.ParseError{Line: line, Column: ColWeight, Value: raw, Err: err}
		}
		out = append(out, ResamplingWeight{Filename: name, Weight: weight})
	}
	return out, nil
}

// LoadWeights opens and parses the weights table at path. A missing file is
// reported as stats.ErrMissingInput.
func LoadWeights(fsys fsutil.FileSystem, path string) (weights []ResamplingWeight, err error) {
	if !fsys.Exists(path) {
		return nil, fmt.Errorf("%w: %s", stats.ErrMissingInput, path)
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights table: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	weights, err = ReadWeights(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return weights, nil
}

// SaveWeights writes the weights table to path through fsys.
func SaveWeights(fsys fsutil.FileSystem, path string, assessments []Assessment, withDifficulty bool) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create weights table: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return WriteWeights(f, assessments, withDifficulty)
}

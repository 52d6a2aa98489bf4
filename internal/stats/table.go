package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/banshee-data/resample/internal/fsutil"
)

// Stats table column names, in write order.
const (
	ColFilename      = "filename"
	ColGroundTruth   = "gt"
	ColPredicted     = "pred"
	ColTruePositive  = "TP"
	ColFalsePositive = "FP"
	ColFalseNegative = "FN"
	ColConfidence    = "avg_conf"
)

// Columns is the header of a stats table.
var Columns = []string{
	ColFilename, ColGroundTruth, ColPredicted,
	ColTruePositive, ColFalsePositive, ColFalseNegative, ColConfidence,
}

// ErrMissingColumn is returned when a required column is absent from a
// table header.
var ErrMissingColumn = errors.New("missing required column")

// ErrMissingInput is returned when an input table does not exist.
var ErrMissingInput = errors.New("input table not found")

// ParseError reports a malformed cell. Line is 1-based and counts the header.
type ParseError struct {
	Line   int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: column %q: invalid value %q: %v", e.Line, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HeaderIndex maps column names to their position in a CSV header. Lookups
// are case-insensitive and ignore surrounding whitespace and a UTF-8 BOM.
type HeaderIndex map[string]int

// NewHeaderIndex indexes header.
func NewHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

// Lookup returns the position of column name, or -1.
func (h HeaderIndex) Lookup(name string) int {
	if i, ok := h[strings.ToLower(name)]; ok {
		return i
	}
	return -1
}

// Require returns the position of column name or ErrMissingColumn.
func (h HeaderIndex) Require(name string) (int, error) {
	i := h.Lookup(name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q", ErrMissingColumn, name)
	}
	return i, nil
}

// Cell returns the trimmed value at position i, or "" when i is -1 or past
// the end of a short row.
func Cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// ReadTable parses a stats table. Only the filename column is required;
// other columns may be missing or have empty cells, which leaves the
// corresponding Record field nil. Malformed numbers, negative counts and
// confidences outside [0,1] are fatal.
func ReadTable(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: %q (empty table)", ErrMissingColumn, ColFilename)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	h := NewHeaderIndex(header)
	fileCol, err := h.Require(ColFilename)
	if err != nil {
		return nil, err
	}
	countCols := []struct {
		name string
		col  int
	}{
		{ColGroundTruth, h.Lookup(ColGroundTruth)},
		{ColPredicted, h.Lookup(ColPredicted)},
		{ColTruePositive, h.Lookup(ColTruePositive)},
		{ColFalsePositive, h.Lookup(ColFalsePositive)},
		{ColFalseNegative, h.Lookup(ColFalseNegative)},
	}
	confCol := h.Lookup(ColConfidence)

	var records []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)

		rec := Record{Filename: Cell(row, fileCol)}
		if rec.Filename == "" {
			return nil, &ParseError{Line: line, Column: ColFilename, Err: errors.New("empty filename")}
		}

		counts := make([]*int, len(countCols))
		for i, c := range countCols {
			v, err := parseCount(Cell(row, c.col))
			if err != nil {
				return nil, &ParseError{Line: line, Column: c.name, Value: Cell(row, c.col), Err: err}
			}
			counts[i] = v
		}
		rec.GroundTruth, rec.Predicted = counts[0], counts[1]
		rec.TruePositive, rec.FalsePositive, rec.FalseNegative = counts[2], counts[3], counts[4]

		conf, err := parseConfidence(Cell(row, confCol))
		if err != nil {
			return nil, &ParseError{Line: line, Column: ColConfidence, Value: Cell(row, confCol), Err: err}
		}
		rec.MeanConfidence = conf

		records = append(records, rec)
	}
	return records, nil
}

// LoadTable opens and parses the stats table at path. A missing file is
// reported as ErrMissingInput.
func LoadTable(fsys fsutil.FileSystem, path string) (records []Record, err error) {
	if !fsys.Exists(path) {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, path)
	}
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stats table: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	records, err = ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return records, nil
}

// WriteTable writes rows as a stats table. An absent confidence is written
// as an empty cell.
func WriteTable(w io.Writer, rows []PerImageStats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, s := range rows {
		conf := ""
		if s.HasConfidence {
			conf = FormatFloat(s.MeanConfidence)
		}
		row := []string{
			s.Filename,
			strconv.Itoa(s.GroundTruth),
			strconv.Itoa(s.Predicted),
			strconv.Itoa(s.TruePositive),
			strconv.Itoa(s.FalsePositive),
			strconv.Itoa(s.FalseNegative),
			conf,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveTable writes rows to path through fsys.
func SaveTable(fsys fsutil.FileSystem, path string, rows []PerImageStats) (err error) {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create stats table: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return WriteTable(f, rows)
}

// FormatFloat renders v in the shortest form that round-trips.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func parseCount(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	if v < 0 {
		return nil, errors.New("count must be non-negative")
	}
	return &v, nil
}

func parseConfidence(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return nil, errors.New("confidence must be within [0,1]")
	}
	return &v, nil
}

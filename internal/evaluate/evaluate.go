// Package evaluate derives per-image detection statistics from a YOLO-style
// dataset and the prediction label files a detector saved for it.
//
// The dataset holds images under <root>/<images subdir> and one ground-truth
// label file per image under <root>/<labels subdir>, named after the image
// stem. The prediction directory holds files of the same names written with
// confidences appended ("class cx cy w h conf" per line).
package evaluate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/monitoring"
	"github.com/banshee-data/resample/internal/stats"
)

// ErrMissingDir is returned when the images or prediction directory is absent.
var ErrMissingDir = errors.New("directory does not exist")

// ImageExtensions lists the file extensions treated as images, lower case.
var ImageExtensions = []string{".jpg", ".png", ".jpeg"}

// Options locates a dataset and its predictions.
type Options struct {
	// DatasetRoot contains the images and labels subdirectories.
	DatasetRoot  string
	ImagesSubdir string
	LabelsSubdir string

	// PredictionsDir holds one prediction label file per image.
	PredictionsDir string

	// MinConfidence drops predictions scoring below it. 0 keeps all.
	MinConfidence float64
}

// Evaluator computes PerImageStats for every image of a dataset.
type Evaluator struct {
	fs   fsutil.FileSystem
	opts Options
}

// New returns an Evaluator reading through fsys.
func New(fsys fsutil.FileSystem, opts Options) *Evaluator {
	if opts.ImagesSubdir == "" {
		opts.ImagesSubdir = "images/train"
	}
	if opts.LabelsSubdir == "" {
		opts.LabelsSubdir = "labels/train"
	}
	return &Evaluator{fs: fsys, opts: opts}
}

// ImagesDir is the absolute images directory of the dataset.
func (e *Evaluator) ImagesDir() string {
	return filepath.Join(e.opts.DatasetRoot, e.opts.ImagesSubdir)
}

// LabelsDir is the absolute ground-truth labels directory of the dataset.
func (e *Evaluator) LabelsDir() string {
	return filepath.Join(e.opts.DatasetRoot, e.opts.LabelsSubdir)
}

// Evaluate returns one row per image, sorted by file name. An image without
// a label file has no ground truth; an image without a prediction file has
// no predictions and therefore no confidence.
func (e *Evaluator) Evaluate(ctx context.Context) ([]stats.PerImageStats, error) {
	images, err := ListImages(e.fs, e.ImagesDir())
	if err != nil {
		return nil, err
	}
	if !e.fs.Exists(e.opts.PredictionsDir) {
		return nil, fmt.Errorf("%w: predictions %s", ErrMissingDir, e.opts.PredictionsDir)
	}

	rows := make([]stats.PerImageStats, 0, len(images))
	var dropped int
	for _, name := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		labelName := Stem(name) + ".txt"

		gt, err := e.countObjects(filepath.Join(e.LabelsDir(), labelName))
		if err != nil {
			return nil, err
		}
		confs, n, err := e.readConfidences(filepath.Join(e.opts.PredictionsDir, labelName))
		if err != nil {
			return nil, err
		}
		dropped += n
		rows = append(rows, stats.FromCounts(name, gt, confs))
	}

	monitoring.Logf("[evaluate] %d images from %s, %d predictions below min confidence %g dropped",
		len(rows), e.ImagesDir(), dropped, e.opts.MinConfidence)
	return rows, nil
}

// ListImages returns the names of the image files directly inside dir,
// sorted. Extensions are matched case-insensitively.
func ListImages(fsys fsutil.FileSystem, dir string) ([]string, error) {
	if !fsys.Exists(dir) {
		return nil, fmt.Errorf("%w: images %s", ErrMissingDir, dir)
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !IsImage(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// IsImage reports whether name has one of ImageExtensions.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range ImageExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

// Stem strips the final extension from name.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// countObjects counts the non-blank lines of a ground-truth label file. A
// missing file holds no objects.
func (e *Evaluator) countObjects(path string) (int, error) {
	if !e.fs.Exists(path) {
		return 0, nil
	}
	var n int
	err := e.scanLines(path, func(_ int, _ string) error {
		n++
		return nil
	})
	return n, err
}

// readConfidences returns the confidence of every prediction at or above
// MinConfidence and the number dropped below it.
func (e *Evaluator) readConfidences(path string) (confs []float64, dropped int, err error) {
	if !e.fs.Exists(path) {
		return nil, 0, nil
	}
	err = e.scanLines(path, func(lineNo int, line string) error {
		conf, err := ParseConfidence(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if conf < e.opts.MinConfidence {
			dropped++
			return nil
		}
		confs = append(confs, conf)
		return nil
	})
	return confs, dropped, err
}

// scanLines calls fn for each non-blank line with its 1-based line number.
func (e *Evaluator) scanLines(path string, fn func(lineNo int, line string) error) (err error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return eachLine(f, fn)
}

func eachLine(r io.Reader, fn func(lineNo int, line string) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ParseConfidence extracts the confidence from a prediction line of the form
// "class cx cy w h conf". The confidence must lie in [0, 1].
func ParseConfidence(line string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return 0, fmt.Errorf("prediction has %d fields, want 6 (class cx cy w h conf)", len(fields))
	}
	conf, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return 0, fmt.Errorf("confidence %q: %w", fields[5], err)
	}
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return 0, fmt.Errorf("confidence %v outside [0, 1]", conf)
	}
	return conf, nil
}

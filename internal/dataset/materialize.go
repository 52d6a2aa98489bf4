// Package dataset builds a resampled copy of a training dataset by
// duplicating each image and its label file according to its weight.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/banshee-data/resample/internal/difficulty"
	"github.com/banshee-data/resample/internal/evaluate"
	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/monitoring"
	"github.com/banshee-data/resample/internal/security"
	"github.com/banshee-data/resample/internal/stats"
)

// ErrOverlap is returned when the output directory and the source dataset
// contain one another.
var ErrOverlap = errors.New("output directory overlaps source dataset")

// RepeatCount is the number of copies written for weight: the weight rounded
// to the nearest integer, halves to even, clamped to [1, MaxWeight].
func RepeatCount(weight float64) int {
	r := math.RoundToEven(min(weight, difficulty.MaxWeight))
	if !(r >= 1) {
		return 1
	}
	return int(r)
}

// CopyName returns the output file name of copy i of name. Copy 0 keeps the
// original name; later copies insert "_copy<i>" before the extension.
func CopyName(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s_copy%d%s", strings.TrimSuffix(name, ext), i, ext)
}

// LabelName returns the label file name belonging to copy i of image name.
func LabelName(name string, i int) string {
	return evaluate.Stem(CopyName(name, i)) + ".txt"
}

// Options configures a Materializer.
type Options struct {
	SourceRoot   string
	OutputDir    string
	ImagesSubdir string
	LabelsSubdir string

	// Staged writes into a sibling directory and renames it over OutputDir
	// only once every copy succeeded, so a failed run leaves the previous
	// output in place.
	Staged bool

	// Progress, if set, is called after each weights row with the number of
	// rows handled so far and the total.
	Progress func(done, total int)
}

// Report counts what a run produced.
type Report struct {
	Rows          int `json:"rows"`
	Copied        int `json:"copied"`
	Images        int `json:"images"`
	Labels        int `json:"labels"`
	MissingImages int `json:"missing_images"`
	MissingLabels int `json:"missing_labels"`
}

// Materializer writes weighted dataset trees.
type Materializer struct {
	fs   fsutil.FileSystem
	opts Options
}

// New returns a Materializer working through fsys.
func New(fsys fsutil.FileSystem, opts Options) *Materializer {
	if opts.ImagesSubdir == "" {
		opts.ImagesSubdir = "images/train"
	}
	if opts.LabelsSubdir == "" {
		opts.LabelsSubdir = "labels/train"
	}
	return &Materializer{fs: fsys, opts: opts}
}

// StagingDir is the temporary directory used in staged mode.
func (m *Materializer) StagingDir() string {
	out := filepath.Clean(m.opts.OutputDir)
	return filepath.Join(filepath.Dir(out), "."+filepath.Base(out)+".staging")
}

// Materialize clears the output directory and writes RepeatCount(weight)
// copies of every listed image, with its label when one exists. Images
// missing from the source are skipped. Every file name is validated and
// every output name assigned before anything is written.
func (m *Materializer) Materialize(ctx context.Context, weights []difficulty.ResamplingWeight) (Report, error) {
	plan, err := m.plan(weights)
	if err != nil {
		return Report{}, err
	}

	target := m.opts.OutputDir
	if m.opts.Staged {
		target = m.StagingDir()
	}
	if err := m.fs.RemoveAll(target); err != nil {
		return Report{}, fmt.Errorf("clear %s: %w", target, err)
	}

	rep, err := m.write(ctx, target, plan)
	if err != nil {
		if m.opts.Staged {
			err = multierr.Append(err, m.fs.RemoveAll(target))
		}
		return rep, err
	}

	if m.opts.Staged {
		if err := m.fs.RemoveAll(m.opts.OutputDir); err != nil {
			return rep, fmt.Errorf("clear %s: %w", m.opts.OutputDir, err)
		}
		if err := m.fs.Rename(target, m.opts.OutputDir); err != nil {
			return rep, fmt.Errorf("publish %s: %w", m.opts.OutputDir, err)
		}
	}

	monitoring.Logf("[materialize] %d rows: %d images, %d labels written to %s (%d missing images, %d without labels)",
		rep.Rows, rep.Images, rep.Labels, m.opts.OutputDir, rep.MissingImages, rep.MissingLabels)
	return rep, nil
}

// planned is one weights row with the output image names of its copies.
// copies is empty when the source image is missing.
type planned struct {
	name   string
	copies []string
}

// plan validates the inputs and assigns output names. Source names of
// present images are reserved first; further copies take the next free
// "_copy<i>" index, skipping any name already used by an image or by a label
// belonging to a different source stem.
func (m *Materializer) plan(weights []difficulty.ResamplingWeight) ([]planned, error) {
	if m.opts.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	srcImages := filepath.Join(m.opts.SourceRoot, m.opts.ImagesSubdir)
	if !m.fs.Exists(srcImages) {
		return nil, fmt.Errorf("%w: %s", stats.ErrMissingInput, srcImages)
	}
	if overlaps(m.opts.SourceRoot, m.opts.OutputDir) {
		return nil, fmt.Errorf("%w: %s and %s", ErrOverlap, m.opts.SourceRoot, m.opts.OutputDir)
	}

	present := make([]bool, len(weights))
	for i, w := range weights {
		if err := security.ValidateLocalName(w.Filename); err != nil {
			return nil, fmt.Errorf("weights row %q: %w", w.Filename, err)
		}
		present[i] = m.fs.Exists(filepath.Join(srcImages, w.Filename))
	}

	images := make(map[string]bool)
	labels := make(map[string]string) // label name -> source stem
	claim := func(img, stem string) bool {
		label := evaluate.Stem(img) + ".txt"
		if owner, ok := labels[label]; images[img] || (ok && owner != stem) {
			return false
		}
		images[img] = true
		labels[label] = stem
		return true
	}

	out := make([]planned, len(weights))
	reserved := make([]bool, len(weights))
	for i, w := range weights {
		out[i].name = w.Filename
		if present[i] {
			reserved[i] = claim(w.Filename, evaluate.Stem(w.Filename))
		}
	}
	for i, w := range weights {
		if !present[i] {
			continue
		}
		stem := evaluate.Stem(w.Filename)
		n := RepeatCount(w.Weight)
		copies := make([]string, 0, n)
		if reserved[i] {
			copies = append(copies, w.Filename)
		}
		for idx := 1; len(copies) < n; idx++ {
			if name := CopyName(w.Filename, idx); claim(name, stem) {
				copies = append(copies, name)
			}
		}
		out[i].copies = copies
	}
	return out, nil
}

func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	return within(a, b) || within(b, a)
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && (rel == "." || filepath.IsLocal(rel))
}

func (m *Materializer) write(ctx context.Context, root string, plan []planned) (Report, error) {
	rep := Report{}
	srcImages := filepath.Join(m.opts.SourceRoot, m.opts.ImagesSubdir)
	srcLabels := filepath.Join(m.opts.SourceRoot, m.opts.LabelsSubdir)
	dstImages := filepath.Join(root, m.opts.ImagesSubdir)
	dstLabels := filepath.Join(root, m.opts.LabelsSubdir)

	for _, dir := range []string{dstImages, dstLabels} {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return rep, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Rows++

		if len(p.copies) == 0 {
			rep.MissingImages++
			monitoring.Logf("[materialize] skipping %s: image not found", p.name)
			m.progress(rep.Rows, len(plan))
			continue
		}
		srcImage := filepath.Join(srcImages, p.name)
		srcLabel := filepath.Join(srcLabels, LabelName(p.name, 0))
		hasLabel := m.fs.Exists(srcLabel)
		if !hasLabel {
			rep.MissingLabels++
		}

		for _, name := range p.copies {
			if err := m.copyFile(srcImage, filepath.Join(dstImages, name)); err != nil {
				return rep, err
			}
			rep.Images++
			if hasLabel {
				if err := m.copyFile(srcLabel, filepath.Join(dstLabels, evaluate.Stem(name)+".txt")); err != nil {
					return rep, err
				}
				rep.Labels++
			}
		}
		rep.Copied++
		m.progress(rep.Rows, len(plan))
	}
	return rep, nil
}

func (m *Materializer) progress(done, total int) {
	if m.opts.Progress != nil {
		m.opts.Progress(done, total)
	}
}

func (m *Materializer) copyFile(src, dst string) (err error) {
	in, err := m.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { err = multierr.Append(err, in.Close()) }()

	out, err := m.fs.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() { err = multierr.Append(err, out.Close()) }()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}

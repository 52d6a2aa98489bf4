// Package testutil provides shared test utilities and fixtures.
//
// Fixtures are written through fsutil.FileSystem so the same dataset can be
// laid out in memory or under t.TempDir.
package testutil

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/resample/internal/fsutil"
)

// Fixture subdirectories, matching the default dataset layout.
const (
	ImagesSubdir      = "images/train"
	LabelsSubdir      = "labels/train"
	PredictionsSubdir = "predictions"
)

// Image describes one image of a fixture dataset.
type Image struct {
	Name string

	// Objects is the number of ground-truth lines. A negative value leaves
	// the image without a label file.
	Objects int

	// Confidences holds one prediction line per value. Nil leaves the image
	// without a prediction file.
	Confidences []float64
}

// Dataset locates a fixture written by WriteDataset.
type Dataset struct {
	Root        string
	Predictions string
}

// ImagesDir is the directory holding the fixture images.
func (d Dataset) ImagesDir() string { return filepath.Join(d.Root, ImagesSubdir) }

// LabelsDir is the directory holding the fixture labels.
func (d Dataset) LabelsDir() string { return filepath.Join(d.Root, LabelsSubdir) }

// WriteDataset lays out images under root. Image content is "img:<name>"
// so copies can be told apart from their source.
func WriteDataset(t testing.TB, fsys fsutil.FileSystem, root string, images []Image) Dataset {
	t.Helper()
	d := Dataset{Root: root, Predictions: filepath.Join(root, PredictionsSubdir)}
	for _, dir := range []string{d.ImagesDir(), d.LabelsDir(), d.Predictions} {
		AssertNoError(t, fsys.MkdirAll(dir, 0755))
	}

	for _, img := range images {
		stem := strings.TrimSuffix(img.Name, filepath.Ext(img.Name))
		AssertNoError(t, fsys.WriteFile(filepath.Join(d.ImagesDir(), img.Name), []byte("img:"+img.Name), 0644))

		if img.Objects >= 0 {
			var b strings.Builder
			for i := 0; i < img.Objects; i++ {
				fmt.Fprintf(&b, "0 0.5 0.5 0.%d 0.1\n", i+1)
			}
			AssertNoError(t, fsys.WriteFile(filepath.Join(d.LabelsDir(), stem+".txt"), []byte(b.String()), 0644))
		}

		if img.Confidences != nil {
			var b strings.Builder
			for _, c := range img.Confidences {
				fmt.Fprintf(&b, "0 0.5 0.5 0.2 0.2 %g\n", c)
			}
			AssertNoError(t, fsys.WriteFile(filepath.Join(d.Predictions, stem+".txt"), []byte(b.String()), 0644))
		}
	}
	return d
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

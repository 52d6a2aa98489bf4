package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/resample/internal/difficulty"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/resample.defaults.json"

// ResampleConfig is the root configuration for scoring, banding and dataset
// layout. Every field is optional; the Get* accessors fall back to the
// built-in defaults for anything the file leaves out.
type ResampleConfig struct {
	// Scoring coefficients
	AlphaFP   *float64 `json:"alpha_fp,omitempty"`
	BetaFN    *float64 `json:"beta_fn,omitempty"`
	GammaConf *float64 `json:"gamma_conf,omitempty"`

	// Weight bands as [threshold, weight] pairs, highest threshold first
	Bands difficulty.Bands `json:"bands,omitempty"`

	// Diagnostics
	HardRatioHigh *float64 `json:"hard_ratio_high,omitempty"`
	HardRatioLow  *float64 `json:"hard_ratio_low,omitempty"`

	// Dataset layout, relative to the dataset root
	ImagesSubdir *string `json:"images_subdir,omitempty"`
	LabelsSubdir *string `json:"labels_subdir,omitempty"`

	// Evaluator
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptyConfig returns a ResampleConfig with all fields unset.
func EmptyConfig() *ResampleConfig {
	return &ResampleConfig{}
}

// DefaultConfig returns a ResampleConfig with every field set explicitly to
// its default value.
func DefaultConfig() *ResampleConfig {
	w := difficulty.DefaultScoringWeights()
	l := difficulty.DefaultDiagnosticLimits()
	return &ResampleConfig{
		AlphaFP:       ptrFloat64(w.FalsePositive),
		BetaFN:        ptrFloat64(w.FalseNegative),
		GammaConf:     ptrFloat64(w.Uncertainty),
		Bands:         difficulty.DefaultBands(),
		HardRatioHigh: ptrFloat64(l.MaxHardRatio),
		HardRatioLow:  ptrFloat64(l.MinHardRatio),
		ImagesSubdir:  ptrString("images/train"),
		LabelsSubdir:  ptrString("labels/train"),
		MinConfidence: ptrFloat64(0),
	}
}

// Resolved returns a copy of c with every unset field filled in from its
// default, as recorded alongside a run.
func (c *ResampleConfig) Resolved() *ResampleConfig {
	return &ResampleConfig{
		AlphaFP:       ptrFloat64(c.GetAlphaFP()),
		BetaFN:        ptrFloat64(c.GetBetaFN()),
		GammaConf:     ptrFloat64(c.GetGammaConf()),
		Bands:         append(difficulty.Bands(nil), c.GetBands()...),
		HardRatioHigh: ptrFloat64(c.GetHardRatioHigh()),
		HardRatioLow:  ptrFloat64(c.GetHardRatioLow()),
		ImagesSubdir:  ptrString(c.GetImagesSubdir()),
		LabelsSubdir:  ptrString(c.GetLabelsSubdir()),
		MinConfidence: ptrFloat64(c.GetMinConfidence()),
	}
}

// LoadConfig loads a ResampleConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*ResampleConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ResampleConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every field that is set. Unset fields are always valid.
func (c *ResampleConfig) Validate() error {
	if _, err := c.Policy(); err != nil {
		return err
	}

	high, low := c.GetHardRatioHigh(), c.GetHardRatioLow()
	if !inUnitInterval(high) {
		return fmt.Errorf("hard_ratio_high must be between 0 and 1, got %v", high)
	}
	if !inUnitInterval(low) {
		return fmt.Errorf("hard_ratio_low must be between 0 and 1, got %v", low)
	}
	if low > high {
		return fmt.Errorf("hard_ratio_low (%v) must not exceed hard_ratio_high (%v)", low, high)
	}

	if c.ImagesSubdir != nil && *c.ImagesSubdir == "" {
		return fmt.Errorf("images_subdir must not be empty")
	}
	if c.LabelsSubdir != nil && *c.LabelsSubdir == "" {
		return fmt.Errorf("labels_subdir must not be empty")
	}
	for name, dir := range map[string]string{"images_subdir": c.GetImagesSubdir(), "labels_subdir": c.GetLabelsSubdir()} {
		if !filepath.IsLocal(dir) {
			return fmt.Errorf("%s must be a relative path inside the dataset, got %q", name, dir)
		}
	}

	if mc := c.GetMinConfidence(); !inUnitInterval(mc) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %v", mc)
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Policy builds the immutable scoring policy described by the config.
func (c *ResampleConfig) Policy() (difficulty.Policy, error) {
	w := difficulty.ScoringWeights{
		FalsePositive: c.GetAlphaFP(),
		FalseNegative: c.GetBetaFN(),
		Uncertainty:   c.GetGammaConf(),
	}
	return difficulty.NewPolicy(w, c.GetBands())
}

// DiagnosticLimits returns the configured hard-sample ratio bounds.
func (c *ResampleConfig) DiagnosticLimits() difficulty.DiagnosticLimits {
	return difficulty.DiagnosticLimits{
		MaxHardRatio: c.GetHardRatioHigh(),
		MinHardRatio: c.GetHardRatioLow(),
	}
}

// GetAlphaFP returns the alpha_fp value or the default.
func (c *ResampleConfig) GetAlphaFP() float64 {
	if c.AlphaFP == nil {
		return difficulty.DefaultScoringWeights().FalsePositive
	}
	return *c.AlphaFP
}

// GetBetaFN returns the beta_fn value or the default.
func (c *ResampleConfig) GetBetaFN() float64 {
	if c.BetaFN == nil {
		return difficulty.DefaultScoringWeights().FalseNegative
	}
	return *c.BetaFN
}

// GetGammaConf returns the gamma_conf value or the default.
func (c *ResampleConfig) GetGammaConf() float64 {
	if c.GammaConf == nil {
		return difficulty.DefaultScoringWeights().Uncertainty
	}
	return *c.GammaConf
}

// GetBands returns the configured bands or the defaults.
func (c *ResampleConfig) GetBands() difficulty.Bands {
	if c.Bands == nil {
		return difficulty.DefaultBands()
	}
	return c.Bands
}

// GetHardRatioHigh returns the hard_ratio_high value or the default.
func (c *ResampleConfig) GetHardRatioHigh() float64 {
	if c.HardRatioHigh == nil {
		return difficulty.DefaultDiagnosticLimits().MaxHardRatio
	}
	return *c.HardRatioHigh
}

// GetHardRatioLow returns the hard_ratio_low value or the default.
func (c *ResampleConfig) GetHardRatioLow() float64 {
	if c.HardRatioLow == nil {
		return difficulty.DefaultDiagnosticLimits().MinHardRatio
	}
	return *c.HardRatioLow
}

// GetImagesSubdir returns the images_subdir value or "images/train".
func (c *ResampleConfig) GetImagesSubdir() string {
	if c.ImagesSubdir == nil {
		return "images/train"
	}
	return *c.ImagesSubdir
}

// GetLabelsSubdir returns the labels_subdir value or "labels/train".
func (c *ResampleConfig) GetLabelsSubdir() string {
	if c.LabelsSubdir == nil {
		return "labels/train"
	}
	return *c.LabelsSubdir
}

// GetMinConfidence returns the min_confidence value or 0.
func (c *ResampleConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}

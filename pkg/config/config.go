// Package config provides configuration loading and management for gmseg.
// It handles loading configuration from YAML files and provides default values.
// A Config is built once per run and passed by value; nothing in the
// pipeline mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for out-of-range parameters
var ErrInvalidConfig = errors.New("invalid configuration")

// Output types for the fused segmentation
const (
	OutputProbabilistic = "prob"
	OutputBinary        = "bin"
)

// Policies applied when no atlas slice passes the similarity threshold
const (
	EmptySelectionBest  = "best"
	EmptySelectionZero  = "zero"
	EmptySelectionError = "error"
)

// Area ratio modes
const (
	RatioSlice = "slice"
	RatioLevel = "level"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Similarity and label fusion parameters
	Segmentation struct {
		// WeightLevel penalizes vertebral level differences (gamma)
		WeightLevel float64 `yaml:"weightLevel"`

		// WeightCoord scales the reduced-space euclidean distance (tau)
		WeightCoord float64 `yaml:"weightCoord"`

		// ThrSimilarity is the lower bound on normalized similarities, in (0, 1]
		ThrSimilarity float64 `yaml:"thrSimilarity"`

		// OutputType is "prob" or "bin"
		OutputType string `yaml:"outputType"`

		// EmptySelection is "best", "zero" or "error"
		EmptySelection string `yaml:"emptySelection"`
	} `yaml:"segmentation"`

	// Preprocessing parameters, must match the ones the model was built with
	Data struct {
		// AxialRes is the in-plane resolution of the slice squares in mm
		AxialRes float64 `yaml:"axialRes"`

		// SquareSizeMM is the side of the square extracted around the cord
		SquareSizeMM float64 `yaml:"squareSizeMM"`

		// Denoising enables shearlet edge-preserving smoothing of the target
		Denoising bool `yaml:"denoising"`

		// Normalization enables intensity normalization with the model statistics
		Normalization bool `yaml:"normalization"`
	} `yaml:"data"`

	// Shearlet denoiser parameters
	Shearlet struct {
		Scales        int     `yaml:"scales"`
		EdgeThreshold float64 `yaml:"edgeThreshold"`
	} `yaml:"shearlet"`

	// Processing parameters
	Processing struct {
		// NumWorkers bounds the per-slice parallelism of every stage
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Model location
	Model struct {
		Path string `yaml:"path"`
	} `yaml:"model"`

	// Output parameters
	Output struct {
		// Folder receives the GM and WM segmentations
		Folder string `yaml:"folder"`

		// KeepTemp keeps the run work directory (warping fields)
		KeepTemp bool `yaml:"keepTemp"`

		// QC writes overlay images next to the results
		QC bool `yaml:"qc"`

		// Ratio is "", "slice" or "level": write the GM/WM area ratios
		Ratio string `yaml:"ratio"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Segmentation.WeightLevel = 2.5
	cfg.Segmentation.WeightCoord = 0.0065
	cfg.Segmentation.ThrSimilarity = 0.8
	cfg.Segmentation.OutputType = OutputProbabilistic
	cfg.Segmentation.EmptySelection = EmptySelectionBest

	cfg.Data.AxialRes = 0.3
	cfg.Data.SquareSizeMM = 22.5
	cfg.Data.Denoising = true
	cfg.Data.Normalization = true

	cfg.Shearlet.Scales = 3
	cfg.Shearlet.EdgeThreshold = 0.2

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.Folder = "./"
	cfg.Output.KeepTemp = false
	cfg.Output.QC = false
	cfg.Output.Verbose = false

	return cfg
}

// SquareSizePixels is the side of the slice square in pixels
func (c Config) SquareSizePixels() int {
	return int(c.Data.SquareSizeMM / c.Data.AxialRes)
}

// Binary reports whether the fused masks are binarized
func (c Config) Binary() bool {
	return c.Segmentation.OutputType == OutputBinary
}

// Validate checks parameter ranges
func (c Config) Validate() error {
	s := c.Segmentation
	if s.ThrSimilarity <= 0 || s.ThrSimilarity > 1 {
		return fmt.Errorf("%w: thrSimilarity %g not in (0, 1]", ErrInvalidConfig, s.ThrSimilarity)
	}
	if s.WeightCoord < 0 || s.WeightLevel < 0 {
		return fmt.Errorf("%w: similarity weights must be non-negative", ErrInvalidConfig)
	}
	switch s.OutputType {
	case OutputBinary, OutputProbabilistic:
	default:
		return fmt.Errorf("%w: outputType %q (must be %q or %q)", ErrInvalidConfig, s.OutputType, OutputBinary, OutputProbabilistic)
	}
	switch s.EmptySelection {
	case EmptySelectionBest, EmptySelectionZero, EmptySelectionError:
	default:
		return fmt.Errorf("%w: emptySelection %q", ErrInvalidConfig, s.EmptySelection)
	}
	if c.Data.AxialRes <= 0 || c.Data.SquareSizeMM <= 0 {
		return fmt.Errorf("%w: axialRes and squareSizeMM must be positive", ErrInvalidConfig)
	}
	if c.SquareSizePixels() < 2 {
		return fmt.Errorf("%w: square of %d pixels is too small", ErrInvalidConfig, c.SquareSizePixels())
	}
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("%w: numWorkers must be at least 1", ErrInvalidConfig)
	}
	switch c.Output.Ratio {
	case "", RatioSlice, RatioLevel:
	default:
		return fmt.Errorf("%w: ratio %q (must be %q or %q)", ErrInvalidConfig, c.Output.Ratio, RatioSlice, RatioLevel)
	}
	if c.Shearlet.Scales < 1 {
		return fmt.Errorf("%w: shearlet scales must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

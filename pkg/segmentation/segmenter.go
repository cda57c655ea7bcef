// Package segmentation runs the gray and white matter segmentation of a
// spinal cord image against an atlas model.
//
// A run goes through the following stages, each one a barrier over the
// per-slice work of the previous:
//  1. Preprocessing: squares centred on the cord, optional denoising
//  2. Registration of every square onto the atlas mean image
//  3. Intensity normalization with the atlas statistics
//  4. Projection in the atlas reduced space and similarity selection
//  5. Label fusion of the selected atlas masks
//  6. Warping of the fused masks back onto the target squares
//  7. Postprocessing of the squares into volumes shaped like the input
//
// Process adds loading the inputs, saving the results and the optional
// validation, ratio and QC outputs around those stages.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gmseg/internal/models"
	"gmseg/pkg/atlas"
	"gmseg/pkg/config"
	"gmseg/pkg/nifti"
	"gmseg/pkg/preprocess"
	"gmseg/pkg/registration"
	"gmseg/pkg/similarity"
	"gmseg/pkg/validation"
)

// ErrMissingInput is returned when the target image or its cord segmentation is not given
var ErrMissingInput = errors.New("missing input")

// Inputs are the files of one segmentation run
type Inputs struct {
	// Image is the target image, Seg its spinal cord segmentation
	Image string
	Seg   string

	// Levels is an optional vertebral level file or label image
	Levels string

	// Ref is an optional reference gray matter segmentation to validate against
	Ref string
}

// Result holds the outcome of a run
type Result struct {
	// GM and WM have the geometry of the cord segmentation
	GM *nifti.Image
	WM *nifti.Image

	// Slices are the segmented target slices in increasing z order
	Slices []*models.Slice

	// Selections[i] lists the atlas slices selected for Slices[i], in atlas
	// order. An empty list means the empty-selection policy was applied.
	Selections [][]int

	// Flagged lists the z of the slices resolved by the empty-selection policy
	Flagged []int

	// Report is set when a reference segmentation was given
	Report *validation.Report

	// Ratios are the GM/WM area ratios, by slice or by level
	Ratios map[int]float64

	// Files lists every file written by Process
	Files []string

	// WorkDir is the run directory holding the warping fields, empty once removed
	WorkDir string
}

// Segmenter segments target images with one atlas model
type Segmenter struct {
	cfg    config.Config
	model  *atlas.Model
	engine *similarity.Engine

	registrar registration.Registrar
	warper    registration.Warper
	logger    *zap.Logger

	// workRoot is the parent of the per-run work directories
	workRoot string
}

// Option configures a Segmenter
type Option func(*Segmenter)

// WithLogger sets the logger, zap.NewNop() by default
func WithLogger(logger *zap.Logger) Option {
	return func(s *Segmenter) {
		s.logger = logger
	}
}

// WithWarper sets the warper used for registration and warping back
func WithWarper(w registration.Warper) Option {
	return func(s *Segmenter) {
		s.warper = w
	}
}

// WithRegistrar replaces the moment-based registration
func WithRegistrar(r registration.Registrar) Option {
	return func(s *Segmenter) {
		s.registrar = r
	}
}

// WithWorkDir sets the directory the run work directories are created in
func WithWorkDir(dir string) Option {
	return func(s *Segmenter) {
		s.workRoot = dir
	}
}

// New validates the configuration and the model and prepares the similarity engine.
// The preprocessing geometry of the model takes precedence over the configuration.
func New(cfg config.Config, model *atlas.Model, opts ...Option) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("%w: no model", atlas.ErrInvalidAtlas)
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}

	s := &Segmenter{cfg: cfg, model: model}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.warper == nil {
		s.warper = registration.GridWarper{}
	}
	if s.registrar == nil {
		s.registrar = registration.MomentRegistrar{Warper: s.warper}
	}
	if s.workRoot == "" {
		s.workRoot = os.TempDir()
	}

	if cfg.Data.AxialRes != model.AxialRes || cfg.Data.SquareSizeMM != model.SquareSizeMM {
		s.logger.Warn("Configuration does not match the model, using the model geometry",
			zap.Float64("axialRes", model.AxialRes),
			zap.Float64("squareSizeMM", model.SquareSizeMM),
			zap.Float64("configAxialRes", cfg.Data.AxialRes),
			zap.Float64("configSquareSizeMM", cfg.Data.SquareSizeMM))
		s.cfg.Data.AxialRes = model.AxialRes
		s.cfg.Data.SquareSizeMM = model.SquareSizeMM
	}

	engine, err := similarity.NewEngine(similarity.Params{
		WeightCoord: cfg.Segmentation.WeightCoord,
		WeightLevel: cfg.Segmentation.WeightLevel,
		Threshold:   cfg.Segmentation.ThrSimilarity,
	}, model.Slices)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Config returns the effective configuration of the segmenter
func (s *Segmenter) Config() config.Config {
	return s.cfg
}

// Segment runs the in-memory stages on a loaded image and cord segmentation.
// levels may be nil. Nothing is written to disk.
func (s *Segmenter) Segment(ctx context.Context, image, seg *nifti.Image, levels preprocess.LevelSource) (*Result, error) {
	r := &run{s: s, image: image, seg: seg, levels: levels}
	if err := r.execute(ctx, r.segmentStages()); err != nil {
		return nil, err
	}
	return r.result, nil
}

// Process loads the inputs, segments them and writes the results into the
// output folder, along with the validation report, ratios and QC images
// the configuration asks for.
func (s *Segmenter) Process(ctx context.Context, in Inputs) (res *Result, err error) {
	if in.Image == "" || in.Seg == "" {
		return nil, fmt.Errorf("%w: both the image and the spinal cord segmentation are required", ErrMissingInput)
	}

	workDir := filepath.Join(s.workRoot, "gmseg-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	s.logger.Debug("Created work directory", zap.String("path", workDir))

	r := &run{s: s, in: in, workDir: workDir}
	defer func() {
		if s.cfg.Output.KeepTemp {
			s.logger.Info("Keeping work directory", zap.String("path", workDir))
			return
		}
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			s.logger.Warn("Failed to remove work directory", zap.String("path", workDir), zap.Error(rmErr))
		}
		if res != nil {
			res.WorkDir = ""
		}
	}()

	stages := []stage{{"Loading inputs", r.load}}
	stages = append(stages, r.segmentStages()...)
	stages = append(stages, stage{"Saving results", r.save})
	if in.Ref != "" {
		stages = append(stages, stage{"Validating against the reference", r.validate})
	}
	if s.cfg.Output.Ratio != "" {
		stages = append(stages, stage{"Computing GM/WM ratios", r.ratios})
	}
	if s.cfg.Output.QC {
		stages = append(stages, stage{"Writing QC images", r.qc})
	}

	if err := r.execute(ctx, stages); err != nil {
		return nil, err
	}
	r.result.WorkDir = workDir
	return r.result, nil
}

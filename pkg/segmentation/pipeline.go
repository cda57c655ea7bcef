package segmentation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gmseg/internal/models"
	"gmseg/pkg/config"
	"gmseg/pkg/fusion"
	"gmseg/pkg/nifti"
	"gmseg/pkg/normalize"
	"gmseg/pkg/preprocess"
	"gmseg/pkg/registration"
	"gmseg/pkg/shearlet"
	"gmseg/pkg/similarity"
)

// stage is one barrier-separated step of a run
type stage struct {
	name string
	fn   func(ctx context.Context) error
}

// job carries the per-slice state that does not belong to models.Slice
type job struct {
	slice  *models.Slice
	center preprocess.Center

	// forward samples the target square into atlas space, backward brings
	// atlas-space masks back onto the square
	forward  registration.Transform
	backward registration.Transform

	scores   []float64
	selected []int
}

// run is the state of one segmentation
type run struct {
	s  *Segmenter
	in Inputs

	image, seg, ref *nifti.Image
	levels          preprocess.LevelSource

	// workDir receives the warping fields when set
	workDir string

	size   int
	jobs   []*job
	result *Result
}

func (r *run) segmentStages() []stage {
	return []stage{
		{"Preprocessing", r.preprocess},
		{"Registering slices to the atlas", r.register},
		{"Normalizing intensities", r.normalize},
		{"Selecting similar atlas slices", r.selectAtlas},
		{"Fusing labels", r.fuse},
		{"Warping results back", r.warpBack},
		{"Postprocessing", r.postprocess},
	}
}

// execute runs the stages in order, stopping at the first failure
func (r *run) execute(ctx context.Context, stages []stage) error {
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.s.logger.Info(fmt.Sprintf("Step %d: %s...", i+1, st.name))
		if err := st.fn(ctx); err != nil {
			return fmt.Errorf("%s failed: %w", st.name, err)
		}
	}
	return nil
}

// forEach runs fn on every job with at most NumWorkers in flight. The first
// error cancels the remaining jobs.
func (r *run) forEach(ctx context.Context, fn func(ctx context.Context, j *job) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.s.cfg.Processing.NumWorkers)
	for _, j := range r.jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, j); err != nil {
				return fmt.Errorf("slice %d: %w", j.slice.Index, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *run) preprocess(ctx context.Context) error {
	cfg := r.s.cfg
	pre, err := preprocess.Run(ctx, r.image, r.seg, r.levels, preprocess.Options{
		AxialRes:     cfg.Data.AxialRes,
		SquareSizeMM: cfg.Data.SquareSizeMM,
		Denoise:      cfg.Data.Denoising,
		Shearlet: shearlet.Options{
			Scales:        cfg.Shearlet.Scales,
			EdgeThreshold: cfg.Shearlet.EdgeThreshold,
		},
		Workers: cfg.Processing.NumWorkers,
		Logger:  r.s.logger,
	})
	if err != nil {
		return err
	}
	if pre.Size != r.s.model.Size() {
		return fmt.Errorf("squares of %d pixels do not match the %d pixel atlas", pre.Size, r.s.model.Size())
	}

	r.size = pre.Size
	r.jobs = make([]*job, len(pre.Slices))
	r.result = &Result{Slices: pre.Slices, Selections: make([][]int, len(pre.Slices))}
	for i, s := range pre.Slices {
		r.jobs[i] = &job{slice: s, center: pre.Centers[s.Index]}
	}
	if len(r.jobs) == 0 {
		r.s.logger.Warn("Spinal cord segmentation is empty, nothing to segment")
	}
	return nil
}

func (r *run) register(ctx context.Context) error {
	mean := r.s.model.MeanImage
	return r.forEach(ctx, func(ctx context.Context, j *job) error {
		registered, forward, backward, err := r.s.registrar.Register(ctx, j.slice.Image, mean)
		if err != nil {
			return err
		}
		j.slice.Registered = registered
		j.forward, j.backward = forward, backward

		if r.workDir == "" {
			return nil
		}
		dir := filepath.Join(r.workDir, "warp_target")
		if err := forward.Save(filepath.Join(dir, registration.ForwardName(j.slice.Index))); err != nil {
			return err
		}
		return backward.Save(filepath.Join(dir, registration.BackwardName(j.slice.Index)))
	})
}

func (r *run) normalize(ctx context.Context) error {
	if !r.s.cfg.Data.Normalization {
		for _, j := range r.jobs {
			j.slice.Normalized = j.slice.Registered
		}
		return nil
	}

	model := r.s.model
	return r.forEach(ctx, func(ctx context.Context, j *job) error {
		key := normalize.LevelKey(j.slice.Level, j.slice.HasLevel, model.Intensities)
		masks := model.MasksFor(key)
		normalized, err := normalize.Slice(j.slice.Registered, masks.GM, masks.WM, model.Intensities[key])
		if errors.Is(err, normalize.ErrNormalization) {
			r.s.logger.Warn("Keeping slice intensities unnormalized",
				zap.Int("slice", j.slice.Index), zap.Error(err))
			j.slice.Normalized = j.slice.Registered
			return nil
		}
		if err != nil {
			return err
		}
		j.slice.Normalized = normalized
		return nil
	})
}

func (r *run) selectAtlas(ctx context.Context) error {
	return r.forEach(ctx, func(ctx context.Context, j *job) error {
		coords, err := r.s.model.Project(j.slice.Normalized)
		if err != nil {
			return err
		}
		j.slice.Coords = coords

		selected, scores, err := r.s.engine.Compute(coords, j.slice.Level, j.slice.HasLevel)
		if err != nil {
			return err
		}
		j.selected, j.scores = selected, scores
		r.s.logger.Debug("Selected atlas slices",
			zap.Int("slice", j.slice.Index),
			zap.Ints("atlas", selected))
		return nil
	})
}

func (r *run) fuse(ctx context.Context) error {
	binary := r.s.cfg.Binary()
	atlasSlices := r.s.model.Slices
	err := r.forEach(ctx, func(ctx context.Context, j *job) error {
		selected := j.selected
		if len(selected) == 0 {
			switch r.s.cfg.Segmentation.EmptySelection {
			case config.EmptySelectionError:
				return fusion.ErrEmptySelection
			case config.EmptySelectionZero:
				j.slice.GMFused, j.slice.WMFused = fusion.Zero(atlasSlices[0])
				j.slice.Flagged = true
				r.s.logger.Warn("No atlas slice passed the similarity threshold, using empty masks",
					zap.Int("slice", j.slice.Index))
				return nil
			default:
				best := similarity.Best(j.scores)
				selected = []int{best}
				j.slice.Flagged = true
				r.s.logger.Warn("No atlas slice passed the similarity threshold, using the most similar one",
					zap.Int("slice", j.slice.Index),
					zap.Int("atlas", best),
					zap.Float64("score", j.scores[best]))
			}
		}

		chosen := make([]models.AtlasSlice, len(selected))
		for i, idx := range selected {
			chosen[i] = atlasSlices[idx]
		}
		gm, wm, err := fusion.Fuse(chosen, binary)
		if err != nil {
			return err
		}
		j.slice.GMFused, j.slice.WMFused = gm, wm
		return nil
	})
	if err != nil {
		return err
	}

	for i, j := range r.jobs {
		r.result.Selections[i] = j.selected
		if j.slice.Flagged {
			r.result.Flagged = append(r.result.Flagged, j.slice.Index)
		}
	}
	return nil
}

// interpolation is nearest for binary masks so they stay binary
func (r *run) interpolation() registration.Interpolation {
	if r.s.cfg.Binary() {
		return registration.Nearest
	}
	return registration.Linear
}

func (r *run) warpBack(ctx context.Context) error {
	interp := r.interpolation()
	return r.forEach(ctx, func(ctx context.Context, j *job) error {
		gm, err := r.s.warper.Apply(ctx, j.slice.GMFused, r.size, r.size, j.backward, interp)
		if err != nil {
			return fmt.Errorf("gray matter: %w", err)
		}
		wm, err := r.s.warper.Apply(ctx, j.slice.WMFused, r.size, r.size, j.backward, interp)
		if err != nil {
			return fmt.Errorf("white matter: %w", err)
		}
		j.slice.GM, j.slice.WM = gm, wm
		return nil
	})
}

func (r *run) postprocess(ctx context.Context) error {
	gm := nifti.NewLike(r.seg)
	wm := nifti.NewLike(r.seg)
	interp := r.interpolation()
	res := r.s.cfg.Data.AxialRes

	// every job owns a distinct z range of the output volumes
	err := r.forEach(ctx, func(ctx context.Context, j *job) error {
		for _, out := range []struct {
			vol    *nifti.Image
			square models.Grid
		}{{gm, j.slice.GM}, {wm, j.slice.WM}} {
			g := preprocess.SquareToSlice(out.square, j.center, r.seg.Dx, r.seg.Dy, res, r.seg.Nx, r.seg.Ny, interp)
			if err := out.vol.SetSlice(j.slice.Index, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.result.GM, r.result.WM = gm, wm
	r.s.logger.Info("Segmentation done",
		zap.Int("slices", len(r.jobs)),
		zap.Int("flagged", len(r.result.Flagged)))
	return nil
}

// sliceLevels returns the vertebral level of every slice that has one
func (r *run) sliceLevels() map[int]float64 {
	levels := make(map[int]float64)
	for _, j := range r.jobs {
		if j.slice.HasLevel {
			levels[j.slice.Index] = j.slice.Level
		}
	}
	return levels
}

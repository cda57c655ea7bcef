// Package preprocess turns the target image and its spinal cord segmentation
// into per-slice squares centred on the cord, at the resolution of the atlas.
package preprocess

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gmseg/internal/models"
	"gmseg/pkg/nifti"
	"gmseg/pkg/registration"
	"gmseg/pkg/shearlet"
)

// ErrGeometryMismatch is returned when the image and the segmentation differ in shape
var ErrGeometryMismatch = errors.New("image and segmentation geometries differ")

// Options controls the preprocessing
type Options struct {
	// AxialRes is the pixel size of the squares in mm
	AxialRes float64

	// SquareSizeMM is the side of the squares in mm
	SquareSizeMM float64

	// Denoise enables shearlet smoothing of each square
	Denoise  bool
	Shearlet shearlet.Options

	// Workers bounds the number of slices processed concurrently
	Workers int

	Logger *zap.Logger
}

// Center is the spinal cord centre of mass of a slice in voxel coordinates
type Center struct {
	X, Y float64
}

// Result holds the preprocessed slices, in increasing z order
type Result struct {
	Slices []*models.Slice

	// Centers maps every segmented z to its cord centre of mass
	Centers map[int]Center

	// Size is the side of the squares in pixels
	Size int
}

// SquareSize returns the side in pixels of a square of sizeMM at res mm per pixel
func SquareSize(sizeMM, res float64) int {
	return int(sizeMM / res)
}

// Run extracts the squares of every slice where the cord segmentation is non-empty
func Run(ctx context.Context, image, seg *nifti.Image, levels LevelSource, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !image.SameShape(seg) {
		return nil, fmt.Errorf("%w: image is %dx%dx%d, segmentation is %dx%dx%d",
			ErrGeometryMismatch, image.Nx, image.Ny, image.Nz, seg.Nx, seg.Ny, seg.Nz)
	}
	if opts.AxialRes <= 0 || opts.SquareSizeMM <= 0 {
		return nil, fmt.Errorf("invalid square geometry: %g mm at %g mm/pixel", opts.SquareSizeMM, opts.AxialRes)
	}

	var sliceLevels map[int]float64
	if levels != nil {
		var err error
		if sliceLevels, err = levels.Levels(seg); err != nil {
			return nil, fmt.Errorf("failed to read vertebral levels: %w", err)
		}
	}

	res := &Result{Centers: make(map[int]Center), Size: SquareSize(opts.SquareSizeMM, opts.AxialRes)}
	for z := 0; z < seg.Nz; z++ {
		c, ok := CenterOfMass(seg.Slice(z))
		if !ok {
			logger.Debug("Skipping slice without cord", zap.Int("slice", z))
			continue
		}
		res.Centers[z] = c

		s := &models.Slice{Index: z}
		if level, ok := sliceLevels[z]; ok {
			s.Level, s.HasLevel = level, true
		}
		res.Slices = append(res.Slices, s)
	}

	var denoiser *shearlet.Denoiser
	if opts.Denoise {
		denoiser = shearlet.NewDenoiser(opts.Shearlet)
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for _, s := range res.Slices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sq := ExtractSquare(image.Slice(s.Index), res.Centers[s.Index], image.Dx, image.Dy, opts.AxialRes, res.Size)
			if denoiser != nil {
				sq = denoiser.Smooth(sq)
			}
			s.Image = sq
			logger.Debug("Preprocessed slice",
				zap.Int("slice", s.Index),
				zap.Bool("hasLevel", s.HasLevel),
				zap.Float64("level", s.Level))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("Preprocessing done",
		zap.Int("slices", len(res.Slices)),
		zap.Int("squareSize", res.Size),
		zap.Bool("denoised", opts.Denoise))
	return res, nil
}

// CenterOfMass returns the mean coordinates of the positive voxels of a mask
func CenterOfMass(mask models.Grid) (Center, bool) {
	var sx, sy float64
	n := 0
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			if mask.At(x, y) > 0 {
				sx += float64(x)
				sy += float64(y)
				n++
			}
		}
	}
	if n == 0 {
		return Center{}, false
	}
	return Center{X: sx / float64(n), Y: sy / float64(n)}, true
}

// ExtractSquare resamples a size x size square of res mm pixels whose pixel
// (size/2, size/2) lies on c. dx and dy are the voxel sizes of the slice.
func ExtractSquare(slice models.Grid, c Center, dx, dy, res float64, size int) models.Grid {
	out := models.NewGrid(size, size)
	half := size / 2
	for v := 0; v < size; v++ {
		for u := 0; u < size; u++ {
			x := c.X + float64(u-half)*res/dx
			y := c.Y + float64(v-half)*res/dy
			out.Set(u, v, registration.Sample(slice, x, y, registration.Linear))
		}
	}
	return out
}

// SquareToSlice is the inverse mapping of ExtractSquare: it resamples the
// square back onto a width x height slice grid.
func SquareToSlice(square models.Grid, c Center, dx, dy, res float64, width, height int, interp registration.Interpolation) models.Grid {
	out := models.NewGrid(width, height)
	half := float64(square.Width / 2)
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			u := half + (float64(i)-c.X)*dx/res
			v := half + (float64(j)-c.Y)*dy/res
			out.Set(i, j, registration.Sample(square, u, v, interp))
		}
	}
	return out
}

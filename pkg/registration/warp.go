package registration

import (
	"context"
	"fmt"
	"math"

	"gmseg/internal/models"
)

// Interpolation selects how off-grid positions are sampled
type Interpolation int

const (
	// Nearest picks the closest pixel, used for binary masks
	Nearest Interpolation = iota

	// Linear interpolates bilinearly between the four surrounding pixels
	Linear
)

func (i Interpolation) String() string {
	switch i {
	case Nearest:
		return "nearest"
	case Linear:
		return "linear"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// Warper resamples a grid through a pull-back transform into a
// width x height output. Positions outside src take the nearest border value.
type Warper interface {
	Apply(ctx context.Context, src models.Grid, width, height int, t Transform, interp Interpolation) (models.Grid, error)
}

// GridWarper is the pure Go Warper
type GridWarper struct{}

// Apply implements Warper
func (GridWarper) Apply(ctx context.Context, src models.Grid, width, height int, t Transform, interp Interpolation) (models.Grid, error) {
	if err := ctx.Err(); err != nil {
		return models.Grid{}, err
	}
	if src.Empty() {
		return models.Grid{}, fmt.Errorf("cannot warp an empty grid")
	}
	if err := src.Validate(); err != nil {
		return models.Grid{}, err
	}

	out := models.NewGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sx, sy := t.Apply(float64(x), float64(y))
			out.Data[y*width+x] = Sample(src, sx, sy, interp)
		}
	}
	return out, nil
}

// Sample reads g at the fractional position (x, y). Coordinates are
// clamped to the grid so the border values extend outwards.
func Sample(g models.Grid, x, y float64, interp Interpolation) float64 {
	x = clamp(x, 0, float64(g.Width-1))
	y = clamp(y, 0, float64(g.Height-1))

	if interp == Nearest {
		return g.At(int(math.Round(x)), int(math.Round(y)))
	}

	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := x0+1, y0+1
	if x1 >= g.Width {
		x1 = x0
	}
	if y1 >= g.Height {
		y1 = y0
	}
	fx, fy := x-float64(x0), y-float64(y0)

	top := g.At(x0, y0)*(1-fx) + g.At(x1, y0)*fx
	bottom := g.At(x0, y1)*(1-fx) + g.At(x1, y1)*fx
	return top*(1-fy) + bottom*fy
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

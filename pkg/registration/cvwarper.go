//go:build gocv

package registration

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"gmseg/internal/models"
)

// CVWarper resamples grids with OpenCV's warpAffine.
// It is only built with the gocv tag since it needs the OpenCV libraries.
type CVWarper struct{}

// Apply implements Warper
func (CVWarper) Apply(ctx context.Context, src models.Grid, width, height int, t Transform, interp Interpolation) (models.Grid, error) {
	if err := ctx.Err(); err != nil {
		return models.Grid{}, err
	}
	if err := src.Validate(); err != nil {
		return models.Grid{}, err
	}

	// OpenCV expects the push-forward matrix and inverts it itself
	fwd, err := t.Inverse()
	if err != nil {
		return models.Grid{}, err
	}

	srcMat := gocv.NewMatWithSize(src.Height, src.Width, gocv.MatTypeCV32F)
	defer srcMat.Close()
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			srcMat.SetFloatAt(y, x, float32(src.At(x, y)))
		}
	}

	transformMat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer transformMat.Close()
	transformMat.SetDoubleAt(0, 0, fwd.A)
	transformMat.SetDoubleAt(0, 1, fwd.B)
	transformMat.SetDoubleAt(0, 2, fwd.TX)
	transformMat.SetDoubleAt(1, 0, fwd.C)
	transformMat.SetDoubleAt(1, 1, fwd.D)
	transformMat.SetDoubleAt(1, 2, fwd.TY)

	flags := gocv.InterpolationLinear
	if interp == Nearest {
		flags = gocv.InterpolationNearestNeighbor
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpAffineWithParams(srcMat, &dst, transformMat, image.Point{X: width, Y: height},
		flags, gocv.BorderReplicate, color.RGBA{})
	if dst.Rows() != height || dst.Cols() != width {
		return models.Grid{}, fmt.Errorf("warpAffine returned %dx%d, expected %dx%d", dst.Cols(), dst.Rows(), width, height)
	}

	out := models.NewGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Set(x, y, float64(dst.GetFloatAt(y, x)))
		}
	}
	return out, nil
}

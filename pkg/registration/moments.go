package registration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gmseg/internal/models"
)

// ErrDegenerateImage is returned when an image has no usable intensity mass
var ErrDegenerateImage = errors.New("image moments are degenerate")

// Registrar aligns src onto dest. It returns src resampled in the space of
// dest, the forward transform (dest pixels to src pixels, used to produce
// the registered grid) and the backward transform (src pixels to dest
// pixels, used to bring dest-space results back onto src).
type Registrar interface {
	Register(ctx context.Context, src, dest models.Grid) (registered models.Grid, forward, backward Transform, err error)
}

// MomentRegistrar matches the intensity centroid and the second-moment
// ellipse of the source with those of the destination.
type MomentRegistrar struct {
	// TranslationOnly only matches the centroids
	TranslationOnly bool

	// Warper resamples the source, GridWarper when nil
	Warper Warper
}

// moments are the first and second order intensity moments of a grid
type moments struct {
	cx, cy    float64
	cov       *mat.SymDense
	totalMass float64
}

// Register implements Registrar
func (r MomentRegistrar) Register(ctx context.Context, src, dest models.Grid) (models.Grid, Transform, Transform, error) {
	if err := ctx.Err(); err != nil {
		return models.Grid{}, Transform{}, Transform{}, err
	}

	ms, err := computeMoments(src)
	if err != nil {
		return models.Grid{}, Transform{}, Transform{}, fmt.Errorf("source: %w", err)
	}
	md, err := computeMoments(dest)
	if err != nil {
		return models.Grid{}, Transform{}, Transform{}, fmt.Errorf("destination: %w", err)
	}

	forward := Translation(ms.cx-md.cx, ms.cy-md.cy)
	if !r.TranslationOnly {
		srcSqrt, err := symPow(ms.cov, 0.5)
		if err != nil {
			return models.Grid{}, Transform{}, Transform{}, fmt.Errorf("source: %w", err)
		}
		destInvSqrt, err := symPow(md.cov, -0.5)
		if err != nil {
			return models.Grid{}, Transform{}, Transform{}, fmt.Errorf("destination: %w", err)
		}

		// p_src = M (p_dest - c_dest) + c_src
		var m mat.Dense
		m.Mul(srcSqrt, destInvSqrt)
		forward = Transform{
			A: m.At(0, 0), B: m.At(0, 1),
			C: m.At(1, 0), D: m.At(1, 1),
		}
		forward.TX = ms.cx - (forward.A*md.cx + forward.B*md.cy)
		forward.TY = ms.cy - (forward.C*md.cx + forward.D*md.cy)
	}

	backward, err := forward.Inverse()
	if err != nil {
		return models.Grid{}, Transform{}, Transform{}, err
	}

	warper := r.Warper
	if warper == nil {
		warper = GridWarper{}
	}
	registered, err := warper.Apply(ctx, src, dest.Width, dest.Height, forward, Linear)
	if err != nil {
		return models.Grid{}, Transform{}, Transform{}, err
	}
	return registered, forward, backward, nil
}

// computeMoments uses the positive part of the intensities as mass
func computeMoments(g models.Grid) (moments, error) {
	var m moments
	var sx, sy float64
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			w := g.At(x, y)
			if w <= 0 {
				continue
			}
			m.totalMass += w
			sx += w * float64(x)
			sy += w * float64(y)
		}
	}
	if m.totalMass <= 0 || math.IsNaN(m.totalMass) || math.IsInf(m.totalMass, 0) {
		return moments{}, fmt.Errorf("%w: total mass %g", ErrDegenerateImage, m.totalMass)
	}
	m.cx, m.cy = sx/m.totalMass, sy/m.totalMass

	var cxx, cxy, cyy float64
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			w := g.At(x, y)
			if w <= 0 {
				continue
			}
			dx, dy := float64(x)-m.cx, float64(y)-m.cy
			cxx += w * dx * dx
			cxy += w * dx * dy
			cyy += w * dy * dy
		}
	}
	m.cov = mat.NewSymDense(2, []float64{
		cxx / m.totalMass, cxy / m.totalMass,
		cxy / m.totalMass, cyy / m.totalMass,
	})
	return m, nil
}

// symPow raises a symmetric positive definite 2x2 matrix to the power p
func symPow(s *mat.SymDense, p float64) (*mat.Dense, error) {
	var es mat.EigenSym
	if ok := es.Factorize(s, true); !ok {
		return nil, fmt.Errorf("%w: eigen decomposition failed", ErrDegenerateImage)
	}
	vals := es.Values(nil)
	for _, v := range vals {
		if v <= 1e-9 {
			return nil, fmt.Errorf("%w: second moment %g", ErrDegenerateImage, v)
		}
	}

	var vecs mat.Dense
	es.VectorsTo(&vecs)

	diag := mat.NewDiagDense(len(vals), nil)
	for i, v := range vals {
		diag.SetDiag(i, math.Pow(v, p))
	}

	var tmp, out mat.Dense
	tmp.Mul(&vecs, diag)
	out.Mul(&tmp, vecs.T())
	return &out, nil
}

// Package shearlet implements the edge-preserving denoising applied to the
// target image before segmentation. Edges and their orientations are found
// with a bank of band-pass, directionally sheared filters applied in the
// frequency domain; flat regions are then mean-filtered and edge pixels are
// median-filtered along the edge direction only.
//
// Each filter keeps only the half plane of frequencies pointing along its
// direction, so its output is complex and its magnitude is the local energy
// of the even and odd responses. A step keeps the same energy at every scale
// while smooth regions lose it at the fine scales, so the edge strength of a
// pixel is its weakest scale.
package shearlet

import (
	"math"
	"math/cmplx"

	"gmseg/internal/models"
)

// Options configures the filter bank and the edge classification
type Options struct {
	// Scales is the number of dyadic scales; scale j has 2^(j+1)+1 shears per cone
	Scales int

	// EdgeThreshold is the normalized edge strength above which a pixel is an edge
	EdgeThreshold float64
}

// DefaultOptions returns the parameters used by the pipeline by default
func DefaultOptions() Options {
	return Options{Scales: 3, EdgeThreshold: 0.2}
}

// radialSigma sets the pass band of the radial window at scale 0
const radialSigma = 0.25

// EdgeInfo holds edge detection information
type EdgeInfo struct {
	// Edges is the edge strength normalized to [0, 1]
	Edges []float64

	// Orientations is the angle of the intensity gradient in (-pi/2, pi/2]
	Orientations []float64
}

// Denoiser applies the shearlet-based edge-preserving smoothing
type Denoiser struct {
	opts Options
}

// filterSpec identifies one filter of the bank
type filterSpec struct {
	scale    int
	slope    float64
	vertical bool
}

// NewDenoiser creates a denoiser, falling back to defaults for unset options
func NewDenoiser(opts Options) *Denoiser {
	def := DefaultOptions()
	if opts.Scales < 1 {
		opts.Scales = def.Scales
	}
	if opts.EdgeThreshold <= 0 {
		opts.EdgeThreshold = def.EdgeThreshold
	}
	return &Denoiser{opts: opts}
}

// bank lists every (scale, shear, cone) combination
func (d *Denoiser) bank() []filterSpec {
	var specs []filterSpec
	for j := 0; j < d.opts.Scales; j++ {
		maxShear := 1 << j
		for _, s := range getShearRange(maxShear) {
			slope := float64(s) / float64(maxShear)
			specs = append(specs, filterSpec{scale: j, slope: slope})
			// slopes of +-1 are shared by both cones
			if s != -maxShear && s != maxShear {
				specs = append(specs, filterSpec{scale: j, slope: slope, vertical: true})
			}
		}
	}
	return specs
}

// getShearRange returns the range of shear parameters for a given maximum shear
func getShearRange(maxShear int) []int {
	shearRange := make([]int, 2*maxShear+1)
	for i := 0; i <= 2*maxShear; i++ {
		shearRange[i] = i - maxShear
	}
	return shearRange
}

// response returns the filter value at normalized frequency (w1, w2)
func (f filterSpec) response(w1, w2 float64) float64 {
	r := math.Hypot(w1, w2)
	if r == 0 {
		return 0
	}
	a := float64(int(1) << f.scale)
	x := a * r / radialSigma
	radial := x * x * math.Exp(-x*x/2)

	var num, den float64
	if f.vertical {
		num, den = w1, w2
	} else {
		num, den = w2, w1
	}
	if math.Abs(num) > math.Abs(den) {
		return 0
	}
	delta := (num/den - f.slope) * a
	angular := math.Exp(-2 * delta * delta)

	return radial * angular
}

// halfPlane is 2 for frequencies ahead of the filter direction, 0 behind it
// and 1 across it
func (f filterSpec) halfPlane(w1, w2 float64) float64 {
	var p float64
	if f.vertical {
		p = f.slope*w1 + w2
	} else {
		p = w1 + f.slope*w2
	}
	switch {
	case p > 0:
		return 2
	case p < 0:
		return 0
	}
	return 1
}

// orientation is the gradient angle of the structures the filter responds to
func (f filterSpec) orientation() float64 {
	if f.vertical {
		// frequency direction (slope, 1)
		angle := math.Atan2(1, f.slope)
		if angle > math.Pi/2 {
			angle -= math.Pi
		}
		return angle
	}
	return math.Atan(f.slope)
}

// DetectEdgesWithOrientation applies the filter bank. The edge strength of a
// pixel is the smallest, over scales, of its strongest response at that scale;
// the orientation is that of the strongest filter overall.
func (d *Denoiser) DetectEdgesWithOrientation(g models.Grid) EdgeInfo {
	n := g.Len()
	edges := make([]float64, n)
	orientations := make([]float64, n)
	if n == 0 {
		return EdgeInfo{Edges: edges, Orientations: orientations}
	}

	spec := fft2D(g.Data, g.Width, g.Height)
	filtered := make([]complex128, n)
	byScale := make([][]float64, d.opts.Scales)
	for j := range byScale {
		byScale[j] = make([]float64, n)
	}
	strongest := make([]float64, n)

	for _, f := range d.bank() {
		for v := 0; v < g.Height; v++ {
			w2 := frequency(v, g.Height)
			for u := 0; u < g.Width; u++ {
				w1 := frequency(u, g.Width)
				k := v*g.Width + u
				filtered[k] = spec.coeffs[k] * complex(f.response(w1, w2)*f.halfPlane(w1, w2), 0)
			}
		}
		coeffs := ifft2DComplex(filtered, g.Width, g.Height)
		angle := f.orientation()
		scale := byScale[f.scale]
		for k, c := range coeffs {
			m := cmplx.Abs(c)
			if m > scale[k] {
				scale[k] = m
			}
			if m > strongest[k] {
				strongest[k] = m
				orientations[k] = angle
			}
		}
	}

	maxEdge := 0.0
	for k := range edges {
		e := byScale[0][k]
		for _, scale := range byScale[1:] {
			e = math.Min(e, scale[k])
		}
		edges[k] = e
		maxEdge = math.Max(maxEdge, e)
	}
	// flat images are reported as edge-free
	if maxEdge > 1e-12 {
		for k := range edges {
			edges[k] /= maxEdge
		}
	} else {
		for k := range edges {
			edges[k] = 0
		}
	}

	return EdgeInfo{Edges: edges, Orientations: orientations}
}

// DetectEdges only returns the edge map
func (d *Denoiser) DetectEdges(g models.Grid) []float64 {
	return d.DetectEdgesWithOrientation(g).Edges
}

// Smooth returns a denoised copy of g. Interior non-edge pixels become the
// mean of their 3x3 neighbourhood; edge pixels become the median of the three
// pixels lying along the edge. Border pixels are kept.
func (d *Denoiser) Smooth(g models.Grid) models.Grid {
	out := g.Clone()
	if g.Width < 3 || g.Height < 3 {
		return out
	}

	info := d.DetectEdgesWithOrientation(g)
	for y := 1; y < g.Height-1; y++ {
		for x := 1; x < g.Width-1; x++ {
			k := y*g.Width + x
			if info.Edges[k] <= d.opts.EdgeThreshold {
				sum := 0.0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						sum += g.At(x+dx, y+dy)
					}
				}
				out.Data[k] = sum / 9
				continue
			}
			out.Data[k] = medianAlongEdge(g, x, y, info.Orientations[k])
		}
	}
	return out
}

// medianAlongEdge takes the median of the pixel and its two neighbours
// perpendicular to the gradient direction
func medianAlongEdge(g models.Grid, x, y int, orientation float64) float64 {
	var a, b float64
	switch {
	case orientation >= -math.Pi/8 && orientation < math.Pi/8:
		// gradient along x, edge runs along y
		a, b = g.At(x, y-1), g.At(x, y+1)
	case orientation >= 3*math.Pi/8 || orientation < -3*math.Pi/8:
		a, b = g.At(x-1, y), g.At(x+1, y)
	case orientation > 0:
		a, b = g.At(x-1, y+1), g.At(x+1, y-1)
	default:
		a, b = g.At(x-1, y-1), g.At(x+1, y+1)
	}
	return median3(a, g.At(x, y), b)
}

func median3(a, b, c float64) float64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		return a
	}
	return b
}

// Package pca builds the reduced space of the atlas and projects slices into it.
//
// Fitting relies on gonum's SVD-based principal component analysis, whose
// LAPACK-style kernels do not guarantee bit-identical results across CPUs.
// Projection of new samples is a fixed-order scalar accumulation, so once a
// model is stored, every machine maps a slice to the same coordinates.
package pca

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInsufficientData is returned when fewer than two samples are given
	ErrInsufficientData = errors.New("need at least two samples to fit a projection")

	// ErrDimensionMismatch is returned for samples of the wrong length
	ErrDimensionMismatch = errors.New("sample dimension mismatch")
)

// Options controls how many components are kept
type Options struct {
	// Components is the number of components to keep, 0 to use VarianceRatio
	Components int `yaml:"components"`

	// VarianceRatio is the fraction of the total variance to explain
	VarianceRatio float64 `yaml:"varianceRatio"`
}

// DefaultOptions keeps enough components to explain 80% of the variance
func DefaultOptions() Options {
	return Options{VarianceRatio: 0.8}
}

// Projection maps samples into the reduced space
type Projection struct {
	// Mean is the per-feature mean of the training data
	Mean []float64

	// Components holds one unit vector per kept component
	Components [][]float64

	// Variances are the variances explained by the kept components
	Variances []float64
}

// Fit computes the principal components of the samples (one row per sample)
func Fit(samples [][]float64, opts Options) (*Projection, error) {
	n := len(samples)
	if n < 2 {
		return nil, ErrInsufficientData
	}
	d := len(samples[0])
	if d == 0 {
		return nil, fmt.Errorf("%w: empty samples", ErrDimensionMismatch)
	}

	data := mat.NewDense(n, d, nil)
	for i, s := range samples {
		if len(s) != d {
			return nil, fmt.Errorf("%w: sample %d has %d features, expected %d", ErrDimensionMismatch, i, len(s), d)
		}
		data.SetRow(i, s)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(data, nil); !ok {
		return nil, fmt.Errorf("principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	k := keep(vars, opts)

	p := &Projection{
		Mean:       make([]float64, d),
		Components: make([][]float64, k),
		Variances:  append([]float64(nil), vars[:k]...),
	}
	for j := 0; j < d; j++ {
		p.Mean[j] = stat.Mean(mat.Col(nil, j, data), nil)
	}
	for c := 0; c < k; c++ {
		p.Components[c] = mat.Col(nil, c, &vecs)
	}
	return p, nil
}

// keep returns the number of components to retain
func keep(vars []float64, opts Options) int {
	if opts.Components > 0 {
		if opts.Components > len(vars) {
			return len(vars)
		}
		return opts.Components
	}

	total := 0.0
	for _, v := range vars {
		total += v
	}
	if total == 0 {
		return 1
	}
	ratio := opts.VarianceRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultOptions().VarianceRatio
	}
	acc := 0.0
	for i, v := range vars {
		acc += v
		if acc/total >= ratio {
			return i + 1
		}
	}
	return len(vars)
}

// Dims is the number of reduced-space dimensions
func (p *Projection) Dims() int {
	return len(p.Components)
}

// Features is the expected sample length
func (p *Projection) Features() int {
	return len(p.Mean)
}

// Transform projects a sample into the reduced space
func (p *Projection) Transform(sample []float64) ([]float64, error) {
	if len(sample) != len(p.Mean) {
		return nil, fmt.Errorf("%w: sample has %d features, expected %d", ErrDimensionMismatch, len(sample), len(p.Mean))
	}
	coords := make([]float64, len(p.Components))
	for c, vec := range p.Components {
		sum := 0.0
		for i, v := range sample {
			sum += (v - p.Mean[i]) * vec[i]
		}
		coords[c] = sum
	}
	return coords, nil
}

// Inverse maps reduced-space coordinates back to feature space
func (p *Projection) Inverse(coords []float64) ([]float64, error) {
	if len(coords) != len(p.Components) {
		return nil, fmt.Errorf("%w: got %d coordinates, expected %d", ErrDimensionMismatch, len(coords), len(p.Components))
	}
	out := make([]float64, len(p.Mean))
	copy(out, p.Mean)
	for c, vec := range p.Components {
		for i := range out {
			out[i] += coords[c] * vec[i]
		}
	}
	return out, nil
}

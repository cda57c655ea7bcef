package pca

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineSamples lies on the line offset + t*(1,2,2)/3
func lineSamples() [][]float64 {
	offset := []float64{5, -1, 2}
	dir := []float64{1.0 / 3, 2.0 / 3, 2.0 / 3}
	var samples [][]float64
	for _, t := range []float64{-3, -1, 0, 2, 4, 7} {
		s := make([]float64, 3)
		for i := range s {
			s[i] = offset[i] + t*dir[i]
		}
		samples = append(samples, s)
	}
	return samples
}

func TestFitLine(t *testing.T) {
	p, err := Fit(lineSamples(), DefaultOptions())
	require.NoError(t, err)

	require.Equal(t, 1, p.Dims())
	assert.Equal(t, 3, p.Features())

	// mean of t values is 1.5
	assert.InDelta(t, 5+1.5/3, p.Mean[0], 1e-12)

	dir := p.Components[0]
	assert.InDelta(t, 1.0, math.Abs(dir[0]*1.0/3+dir[1]*2.0/3+dir[2]*2.0/3), 1e-9)
}

func TestTransformRoundTrip(t *testing.T) {
	samples := lineSamples()
	p, err := Fit(samples, DefaultOptions())
	require.NoError(t, err)

	for _, s := range samples {
		coords, err := p.Transform(s)
		require.NoError(t, err)
		back, err := p.Inverse(coords)
		require.NoError(t, err)
		assert.InDeltaSlice(t, s, back, 1e-9)
	}

	coords, err := p.Transform(p.Mean)
	require.NoError(t, err)
	assert.InDelta(t, 0, coords[0], 1e-12)
}

func TestDistancesPreservedAlongLine(t *testing.T) {
	samples := lineSamples()
	p, err := Fit(samples, DefaultOptions())
	require.NoError(t, err)

	a, _ := p.Transform(samples[0])
	b, _ := p.Transform(samples[5])
	// t goes from -3 to 7 along a unit direction
	assert.InDelta(t, 10, math.Abs(a[0]-b[0]), 1e-9)
}

func TestFixedComponentCount(t *testing.T) {
	samples := [][]float64{
		{1, 0, 0, 3},
		{0, 2, 1, 0},
		{4, 1, 0, 1},
		{2, 2, 5, 1},
		{0, 3, 1, 2},
	}
	p, err := Fit(samples, Options{Components: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Dims())
	assert.Len(t, p.Variances, 3)
	assert.GreaterOrEqual(t, p.Variances[0], p.Variances[1])

	p, err = Fit(samples, Options{Components: 50})
	require.NoError(t, err)
	assert.LessOrEqual(t, p.Dims(), 4)
}

func TestTransformIsDeterministic(t *testing.T) {
	p, err := Fit(lineSamples(), Options{Components: 2})
	require.NoError(t, err)

	sample := []float64{0.1, 0.7, -3.3}
	first, err := p.Transform(sample)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, _ := p.Transform(sample)
		require.Equal(t, first, again)
	}
}

func TestFitErrors(t *testing.T) {
	_, err := Fit([][]float64{{1, 2}}, DefaultOptions())
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = Fit([][]float64{{1, 2}, {1}}, DefaultOptions())
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	p, err := Fit(lineSamples(), DefaultOptions())
	require.NoError(t, err)
	_, err = p.Transform([]float64{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = p.Inverse([]float64{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

// Package validation measures the agreement of a segmentation with a
// reference segmentation and computes gray/white matter area ratios.
package validation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrSizeMismatch is returned when compared arrays differ in length
	ErrSizeMismatch = errors.New("compared data differ in size")

	// ErrEmptyMask is returned when a distance is requested to an empty mask
	ErrEmptyMask = errors.New("mask is empty")
)

// Dice computes the Dice coefficient of the masks a >= threshold and b >= threshold.
// Two empty masks agree perfectly.
func Dice(a, b []float64, threshold float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d and %d voxels", ErrSizeMismatch, len(a), len(b))
	}
	var inter, na, nb int
	for i := range a {
		inA, inB := a[i] >= threshold, b[i] >= threshold
		if inA {
			na++
		}
		if inB {
			nb++
		}
		if inA && inB {
			inter++
		}
	}
	if na+nb == 0 {
		return 1, nil
	}
	return 2 * float64(inter) / float64(na+nb), nil
}

// RMSE computes the root mean square error
func RMSE(original, reconstructed []float64) (float64, error) {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0, fmt.Errorf("%w: %d and %d values", ErrSizeMismatch, n, len(reconstructed))
	}

	mse := 0.0
	for i := 0; i < n; i++ {
		diff := original[i] - reconstructed[i]
		mse += diff * diff
	}
	mse /= float64(n)

	return math.Sqrt(mse), nil
}

// SSIM computes the global Structural Similarity Index of two maps with
// values in [0, 1], such as probabilistic segmentations
func SSIM(original, reconstructed []float64) (float64, error) {
	const L = 1.0 // Dynamic range
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	n := len(original)
	if n != len(reconstructed) || n < 2 {
		return 0, fmt.Errorf("%w: %d and %d values", ErrSizeMismatch, n, len(reconstructed))
	}

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	return num / den, nil
}

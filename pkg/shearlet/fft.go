package shearlet

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// spectrum is the 2D Fourier transform of a width x height grid, row-major
type spectrum struct {
	coeffs []complex128
	width  int
	height int
}

// fft2D performs a 2D FFT as a pass of row transforms followed by
// a pass of column transforms.
func fft2D(data []float64, width, height int) spectrum {
	out := make([]complex128, width*height)
	for i, v := range data {
		out[i] = complex(v, 0)
	}
	transformRowsCols(out, width, height, false)
	return spectrum{coeffs: out, width: width, height: height}
}

// ifft2D returns the real part of the normalized inverse transform of
// coeffs, which is overwritten.
func ifft2D(coeffs []complex128, width, height int) []float64 {
	out := make([]float64, width*height)
	for i, c := range ifft2DComplex(coeffs, width, height) {
		out[i] = real(c)
	}
	return out
}

// ifft2DComplex is the normalized inverse transform, computed in place
func ifft2DComplex(coeffs []complex128, width, height int) []complex128 {
	transformRowsCols(coeffs, width, height, true)
	n := complex(float64(width*height), 0)
	for i := range coeffs {
		coeffs[i] /= n
	}
	return coeffs
}

// transformRowsCols applies gonum's complex FFT along both axes in place.
// The inverse is left unnormalized, as gonum returns it.
func transformRowsCols(data []complex128, width, height int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(width)
	row := make([]complex128, width)
	for y := 0; y < height; y++ {
		copy(row, data[y*width:(y+1)*width])
		if inverse {
			rowFFT.Sequence(data[y*width:(y+1)*width], row)
		} else {
			rowFFT.Coefficients(data[y*width:(y+1)*width], row)
		}
	}

	colFFT := fourier.NewCmplxFFT(height)
	col := make([]complex128, height)
	res := make([]complex128, height)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			col[y] = data[y*width+x]
		}
		if inverse {
			colFFT.Sequence(res, col)
		} else {
			colFFT.Coefficients(res, col)
		}
		for y := 0; y < height; y++ {
			data[y*width+x] = res[y]
		}
	}
}

// frequency maps FFT bin k of an n-point transform to [-1, 1)
func frequency(k, n int) float64 {
	f := k
	if k >= (n+1)/2 {
		f = k - n
	}
	return float64(f) / (float64(n) / 2)
}

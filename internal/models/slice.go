package models

import (
	"fmt"
)

// Grid is a 2D voxel grid stored in row-major order (index = y*Width + x).
// Rows follow the second voxel axis of the source image, columns the first.
type Grid struct {
	Data   []float64
	Width  int
	Height int
}

// NewGrid allocates a zero-filled grid
func NewGrid(width, height int) Grid {
	return Grid{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the value at column x, row y
func (g Grid) At(x, y int) float64 {
	return g.Data[y*g.Width+x]
}

// Set stores v at column x, row y
func (g Grid) Set(x, y int, v float64) {
	g.Data[y*g.Width+x] = v
}

// Len returns the number of voxels in the grid
func (g Grid) Len() int {
	return g.Width * g.Height
}

// Empty reports whether the grid holds no voxels
func (g Grid) Empty() bool {
	return g.Width == 0 || g.Height == 0
}

// SameShape reports whether both grids have identical dimensions
func (g Grid) SameShape(o Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Clone returns a deep copy of the grid
func (g Grid) Clone() Grid {
	data := make([]float64, len(g.Data))
	copy(data, g.Data)
	return Grid{Data: data, Width: g.Width, Height: g.Height}
}

// Validate checks that the backing slice matches the declared dimensions
func (g Grid) Validate() error {
	if g.Width < 0 || g.Height < 0 {
		return fmt.Errorf("negative grid dimensions %dx%d", g.Width, g.Height)
	}
	if len(g.Data) != g.Width*g.Height {
		return fmt.Errorf("grid data length %d does not match %dx%d", len(g.Data), g.Width, g.Height)
	}
	return nil
}

// Slice represents a single axial slice of the image being segmented.
// Every pipeline stage fills in its own fields; a slice is only ever
// written by the worker that owns it.
type Slice struct {
	// Index is the z position of this slice in the target volume
	Index int

	// Image is the preprocessed square around the spinal cord
	Image Grid

	// Registered is Image resampled into the atlas mean-image space
	Registered Grid

	// Normalized is Registered after intensity normalization
	Normalized Grid

	// Level is the vertebral level, only meaningful when HasLevel is set
	Level    float64
	HasLevel bool

	// Coords is the position of the slice in the atlas reduced space
	Coords []float64

	// GMFused and WMFused are the label fusion results in atlas space
	GMFused Grid
	WMFused Grid

	// GM and WM are the fused masks warped back into the slice square
	GM Grid
	WM Grid

	// Flagged is set when no atlas slice passed the similarity threshold
	// and the empty-selection policy produced the masks
	Flagged bool
}

// AtlasSlice is one pre-segmented slice of the atlas dictionary.
// It is immutable once the model has been loaded.
type AtlasSlice struct {
	Index int

	// Level is NaN when the slice has no vertebral level
	Level  float64
	Coords []float64
	Image  Grid
	GM     Grid
	WM     Grid
}

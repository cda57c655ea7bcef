// Package atlas holds the dictionary of pre-segmented slices the target is
// compared with, and builds, saves and loads it.
package atlas

import (
	"errors"
	"fmt"
	"math"

	"gmseg/internal/models"
	"gmseg/pkg/normalize"
	"gmseg/pkg/pca"
)

// ErrInvalidAtlas is returned for empty, inconsistent or malformed models
var ErrInvalidAtlas = errors.New("invalid atlas model")

// Masks are the mean gray and white matter masks of a set of atlas slices
type Masks struct {
	GM models.Grid
	WM models.Grid
}

// Model is a loaded atlas. It is shared read-only by every pipeline worker.
type Model struct {
	// Slices are in atlas order; Slices[j].Index == j
	Slices []models.AtlasSlice

	// MeanImage is the registration target of every target slice
	MeanImage models.Grid

	// Intensities and MeanMasks are keyed by rounded vertebral level,
	// normalize.PooledLevel holds the values over all slices
	Intensities map[int]normalize.Stats
	MeanMasks   map[int]Masks

	Projection *pca.Projection

	// AxialRes and SquareSizeMM are the preprocessing parameters the model was built with
	AxialRes     float64
	SquareSizeMM float64
}

// Size is the side of the slice squares in pixels
func (m *Model) Size() int {
	return m.MeanImage.Width
}

// HasLevels reports whether every atlas slice carries a vertebral level
func (m *Model) HasLevels() bool {
	for _, s := range m.Slices {
		if math.IsNaN(s.Level) {
			return false
		}
	}
	return len(m.Slices) > 0
}

// MasksFor returns the mean masks of a level key, or the pooled ones
func (m *Model) MasksFor(key int) Masks {
	if masks, ok := m.MeanMasks[key]; ok {
		return masks
	}
	return m.MeanMasks[normalize.PooledLevel]
}

// Project maps a registered, normalized slice into the reduced space
func (m *Model) Project(g models.Grid) ([]float64, error) {
	if !g.SameShape(m.MeanImage) {
		return nil, fmt.Errorf("slice is %dx%d, atlas space is %dx%d", g.Width, g.Height, m.MeanImage.Width, m.MeanImage.Height)
	}
	return m.Projection.Transform(g.Data)
}

// Validate checks the internal consistency of the model
func (m *Model) Validate() error {
	if len(m.Slices) == 0 {
		return fmt.Errorf("%w: no slices", ErrInvalidAtlas)
	}
	if m.MeanImage.Empty() || m.MeanImage.Validate() != nil {
		return fmt.Errorf("%w: missing mean image", ErrInvalidAtlas)
	}
	if m.Projection == nil || m.Projection.Features() != m.MeanImage.Len() {
		return fmt.Errorf("%w: projection does not match the %dx%d atlas space",
			ErrInvalidAtlas, m.MeanImage.Width, m.MeanImage.Height)
	}
	if _, ok := m.Intensities[normalize.PooledLevel]; !ok {
		return fmt.Errorf("%w: missing pooled intensity statistics", ErrInvalidAtlas)
	}
	if _, ok := m.MeanMasks[normalize.PooledLevel]; !ok {
		return fmt.Errorf("%w: missing pooled mean masks", ErrInvalidAtlas)
	}

	dims := m.Projection.Dims()
	for j, s := range m.Slices {
		if s.Index != j {
			return fmt.Errorf("%w: slice %d has index %d", ErrInvalidAtlas, j, s.Index)
		}
		for name, g := range map[string]models.Grid{"image": s.Image, "gm": s.GM, "wm": s.WM} {
			if !g.SameShape(m.MeanImage) || g.Validate() != nil {
				return fmt.Errorf("%w: slice %d %s is %dx%d", ErrInvalidAtlas, j, name, g.Width, g.Height)
			}
		}
		if len(s.Coords) != dims {
			return fmt.Errorf("%w: slice %d has %d coordinates, expected %d", ErrInvalidAtlas, j, len(s.Coords), dims)
		}
	}
	return nil
}

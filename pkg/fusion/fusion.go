// Package fusion averages the masks of the selected atlas slices into the
// gray and white matter segmentation of a target slice.
package fusion

import (
	"errors"
	"fmt"

	"gmseg/internal/models"
)

var (
	// ErrEmptySelection is returned when no atlas slice was selected
	ErrEmptySelection = errors.New("no atlas slice selected for label fusion")

	// ErrShapeMismatch is returned when selected masks differ in size
	ErrShapeMismatch = errors.New("atlas mask shapes differ")
)

// BinaryThreshold separates gray/white matter from background in binary output
const BinaryThreshold = 0.5

// Fuse returns the voxel-wise mean of the GM masks and of the WM masks of the
// selected atlas slices. With binary set both means are thresholded at 0.5.
func Fuse(selected []models.AtlasSlice, binary bool) (gm, wm models.Grid, err error) {
	if len(selected) == 0 {
		return models.Grid{}, models.Grid{}, ErrEmptySelection
	}

	gmMasks := make([]models.Grid, len(selected))
	wmMasks := make([]models.Grid, len(selected))
	for i, s := range selected {
		gmMasks[i] = s.GM
		wmMasks[i] = s.WM
	}

	if gm, err = Mean(gmMasks); err != nil {
		return models.Grid{}, models.Grid{}, fmt.Errorf("gray matter: %w", err)
	}
	if wm, err = Mean(wmMasks); err != nil {
		return models.Grid{}, models.Grid{}, fmt.Errorf("white matter: %w", err)
	}

	if binary {
		Binarize(gm)
		Binarize(wm)
	}
	return gm, wm, nil
}

// Mean averages grids voxel by voxel. Sums are accumulated in selection
// order before the single division.
func Mean(grids []models.Grid) (models.Grid, error) {
	if len(grids) == 0 {
		return models.Grid{}, ErrEmptySelection
	}
	first := grids[0]
	out := models.NewGrid(first.Width, first.Height)
	for i, g := range grids {
		if !g.SameShape(first) || len(g.Data) != first.Len() {
			return models.Grid{}, fmt.Errorf("%w: mask %d is %dx%d, expected %dx%d",
				ErrShapeMismatch, i, g.Width, g.Height, first.Width, first.Height)
		}
		for k, v := range g.Data {
			out.Data[k] += v
		}
	}
	n := float64(len(grids))
	for k := range out.Data {
		out.Data[k] /= n
	}
	return out, nil
}

// Binarize maps values >= 0.5 to 1 and the rest to 0, in place.
// Applying it twice yields the same grid.
func Binarize(g models.Grid) {
	for k, v := range g.Data {
		if v >= BinaryThreshold {
			g.Data[k] = 1
		} else {
			g.Data[k] = 0
		}
	}
}

// Zero returns all-zero GM and WM masks shaped like the atlas masks
func Zero(like models.AtlasSlice) (gm, wm models.Grid) {
	return models.NewGrid(like.GM.Width, like.GM.Height), models.NewGrid(like.WM.Width, like.WM.Height)
}

// Package normalize maps the intensities of a registered slice onto the
// intensity scale of the atlas.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"gmseg/internal/models"
)

// ErrNormalization is returned when the tissue medians cannot be estimated
var ErrNormalization = errors.New("intensity normalization failed")

// MaskThreshold selects the voxels of a mean mask that belong to the tissue
const MaskThreshold = 0.5

// PooledLevel is the statistics key holding values pooled over all levels
const PooledLevel = 0

// Stats are the reference intensities of one vertebral level
type Stats struct {
	// GM and WM are the median gray and white matter intensities
	GM float64 `yaml:"gm"`
	WM float64 `yaml:"wm"`

	// Min and Max bound the normalized intensities
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Slice returns im with its intensities linearly mapped so that the median
// inside meanWM becomes stats.WM and the median inside meanGM becomes
// stats.GM, clipped to [stats.Min, stats.Max].
func Slice(im, meanGM, meanWM models.Grid, stats Stats) (models.Grid, error) {
	if !im.SameShape(meanGM) || !im.SameShape(meanWM) {
		return models.Grid{}, fmt.Errorf("%w: image is %dx%d, masks are %dx%d and %dx%d", ErrNormalization,
			im.Width, im.Height, meanGM.Width, meanGM.Height, meanWM.Width, meanWM.Height)
	}

	gm, err := MaskedMedian(im, meanGM)
	if err != nil {
		return models.Grid{}, fmt.Errorf("gray matter: %w", err)
	}
	wm, err := MaskedMedian(im, meanWM)
	if err != nil {
		return models.Grid{}, fmt.Errorf("white matter: %w", err)
	}
	if gm == wm {
		return models.Grid{}, fmt.Errorf("%w: gray and white matter medians are both %g", ErrNormalization, gm)
	}

	slope := (stats.GM - stats.WM) / (gm - wm)
	out := models.NewGrid(im.Width, im.Height)
	for i, v := range im.Data {
		n := stats.WM + (v-wm)*slope
		out.Data[i] = math.Min(math.Max(n, stats.Min), stats.Max)
	}
	return out, nil
}

// MaskedMedian returns the median of im over the voxels where mask >= MaskThreshold
func MaskedMedian(im, mask models.Grid) (float64, error) {
	var values []float64
	for i, m := range mask.Data {
		if m >= MaskThreshold {
			values = append(values, im.Data[i])
		}
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: empty mask", ErrNormalization)
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil), nil
}

// LevelKey chooses the statistics entry for a slice: its rounded level when
// the model holds it, the pooled entry otherwise.
func LevelKey(level float64, hasLevel bool, available map[int]Stats) int {
	if !hasLevel || math.IsNaN(level) {
		return PooledLevel
	}
	key := int(math.Round(level))
	if _, ok := available[key]; ok {
		return key
	}
	return PooledLevel
}

// Compute derives the statistics of a set of images from their masks.
// Min and Max are the extreme intensities over all images.
func Compute(images, gms, wms []models.Grid) (Stats, error) {
	if len(images) == 0 || len(images) != len(gms) || len(images) != len(wms) {
		return Stats{}, fmt.Errorf("%w: %d images, %d gray and %d white matter masks",
			ErrNormalization, len(images), len(gms), len(wms))
	}

	var gmValues, wmValues []float64
	s := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	for i, im := range images {
		if !im.SameShape(gms[i]) || !im.SameShape(wms[i]) {
			return Stats{}, fmt.Errorf("%w: masks of image %d do not match its shape", ErrNormalization, i)
		}
		for k, v := range im.Data {
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
			if gms[i].Data[k] >= MaskThreshold {
				gmValues = append(gmValues, v)
			}
			if wms[i].Data[k] >= MaskThreshold {
				wmValues = append(wmValues, v)
			}
		}
	}
	if len(gmValues) == 0 || len(wmValues) == 0 {
		return Stats{}, fmt.Errorf("%w: empty tissue masks", ErrNormalization)
	}
	sort.Float64s(gmValues)
	sort.Float64s(wmValues)
	s.GM = stat.Quantile(0.5, stat.Empirical, gmValues, nil)
	s.WM = stat.Quantile(0.5, stat.Empirical, wmValues, nil)
	return s, nil
}

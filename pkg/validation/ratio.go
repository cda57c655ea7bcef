package validation

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"gmseg/pkg/nifti"
)

// RatioBySlice computes the gray over white matter area of every slice.
// Voxels count as tissue when their value is >= 0.5; slices without
// white matter are left out.
func RatioBySlice(gm, wm *nifti.Image) (map[int]float64, error) {
	if !gm.SameShape(wm) {
		return nil, fmt.Errorf("%w: gray and white matter volumes differ", ErrSizeMismatch)
	}
	ratios := make(map[int]float64)
	for z := 0; z < gm.Nz; z++ {
		var ngm, nwm int
		for _, v := range gm.Slice(z).Data {
			if v >= 0.5 {
				ngm++
			}
		}
		for _, v := range wm.Slice(z).Data {
			if v >= 0.5 {
				nwm++
			}
		}
		if nwm == 0 {
			continue
		}
		ratios[z] = float64(ngm) / float64(nwm)
	}
	return ratios, nil
}

// RatioByLevel averages the slice ratios of each rounded vertebral level.
// Slices without a level are ignored.
func RatioByLevel(bySlice map[int]float64, levels map[int]float64) map[int]float64 {
	sums := make(map[int]float64)
	counts := make(map[int]int)

	slices := make([]int, 0, len(bySlice))
	for z := range bySlice {
		slices = append(slices, z)
	}
	sort.Ints(slices)

	for _, z := range slices {
		level, ok := levels[z]
		if !ok || math.IsNaN(level) {
			continue
		}
		key := int(math.Round(level))
		sums[key] += bySlice[z]
		counts[key]++
	}

	out := make(map[int]float64, len(sums))
	for key, sum := range sums {
		out[key] = sum / float64(counts[key])
	}
	return out
}

// WriteRatios saves the ratios as a YAML map under the given mode key
func WriteRatios(path, mode string, ratios map[int]float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating ratio directory: %w", err)
	}
	data, err := yaml.Marshal(map[string]map[int]float64{mode: ratios})
	if err != nil {
		return fmt.Errorf("error marshaling ratios: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing ratios: %w", err)
	}
	return nil
}

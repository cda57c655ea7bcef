package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gmseg/pkg/nifti"
)

// SliceScore is the agreement measured on one slice
type SliceScore struct {
	Slice     int     `yaml:"slice"`
	Dice      float64 `yaml:"dice"`
	Hausdorff float64 `yaml:"hausdorff"`
}

// Report summarizes the comparison of a segmentation with a reference
type Report struct {
	// Dice is computed over the whole volume
	Dice float64 `yaml:"dice"`

	// MeanHausdorff and MaxHausdorff are over slices segmented in both volumes
	MeanHausdorff float64 `yaml:"meanHausdorff"`
	MaxHausdorff  float64 `yaml:"maxHausdorff"`

	// RMSE and SSIM compare the raw values, useful for probabilistic maps
	RMSE float64 `yaml:"rmse"`
	SSIM float64 `yaml:"ssim"`

	Slices []SliceScore `yaml:"slices"`
}

// Compare measures seg against ref, thresholding both at threshold
func Compare(seg, ref *nifti.Image, threshold float64) (*Report, error) {
	if !seg.SameShape(ref) {
		return nil, fmt.Errorf("%w: segmentation is %dx%dx%d, reference is %dx%dx%d",
			ErrSizeMismatch, seg.Nx, seg.Ny, seg.Nz, ref.Nx, ref.Ny, ref.Nz)
	}

	r := &Report{}
	var err error
	if r.Dice, err = Dice(seg.Data, ref.Data, threshold); err != nil {
		return nil, err
	}
	if r.RMSE, err = RMSE(ref.Data, seg.Data); err != nil {
		return nil, err
	}
	if len(seg.Data) > 1 {
		if r.SSIM, err = SSIM(ref.Data, seg.Data); err != nil {
			return nil, err
		}
	}

	var sum float64
	n := 0
	for z := 0; z < seg.Nz; z++ {
		a, b := seg.Slice(z), ref.Slice(z)
		dice, err := Dice(a.Data, b.Data, threshold)
		if err != nil {
			return nil, err
		}
		hd, err := Hausdorff(a, b, seg.Dx, seg.Dy, threshold)
		if errors.Is(err, ErrEmptyMask) {
			// present in only one of the volumes, no meaningful distance
			r.Slices = append(r.Slices, SliceScore{Slice: z, Dice: dice, Hausdorff: -1})
			continue
		}
		if err != nil {
			return nil, err
		}
		r.Slices = append(r.Slices, SliceScore{Slice: z, Dice: dice, Hausdorff: hd})

		if isEmpty(a.Data, threshold) {
			continue
		}
		sum += hd
		n++
		if hd > r.MaxHausdorff {
			r.MaxHausdorff = hd
		}
	}
	if n > 0 {
		r.MeanHausdorff = sum / float64(n)
	}
	return r, nil
}

func isEmpty(data []float64, threshold float64) bool {
	for _, v := range data {
		if v >= threshold {
			return false
		}
	}
	return true
}

// Save writes the report as YAML
func (r *Report) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("error marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}

// Package registration aligns target slices with the atlas mean image and
// applies the resulting 2D affine transforms.
//
// Transforms follow the pull-back convention: a Transform maps pixel
// coordinates of the output grid to pixel coordinates of the grid being
// sampled, so warping never leaves holes in the output.
package registration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// ErrSingularTransform is returned when a transform has no inverse
var ErrSingularTransform = errors.New("singular affine transform")

// Transform is a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type Transform struct {
	A  float64 `yaml:"a"`
	B  float64 `yaml:"b"`
	TX float64 `yaml:"tx"`
	C  float64 `yaml:"c"`
	D  float64 `yaml:"d"`
	TY float64 `yaml:"ty"`
}

// Identity returns the identity transform
func Identity() Transform {
	return Transform{A: 1, D: 1}
}

// Translation returns a translation transform
func Translation(tx, ty float64) Transform {
	return Transform{A: 1, D: 1, TX: tx, TY: ty}
}

// Apply maps the point (x, y)
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.TX, t.C*x + t.D*y + t.TY
}

// Compose returns t * other, the transform applying other first
func (t Transform) Compose(other Transform) Transform {
	return Transform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Inverse returns the inverse transform
func (t Transform) Inverse() (Transform, error) {
	m := mat.NewDense(3, 3, []float64{
		t.A, t.B, t.TX,
		t.C, t.D, t.TY,
		0, 0, 1,
	})
	if det := mat.Det(m); det > -1e-12 && det < 1e-12 {
		return Transform{}, fmt.Errorf("%w: determinant %g", ErrSingularTransform, det)
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingularTransform, err)
	}
	return Transform{
		A: inv.At(0, 0), B: inv.At(0, 1), TX: inv.At(0, 2),
		C: inv.At(1, 0), D: inv.At(1, 1), TY: inv.At(1, 2),
	}, nil
}

// Save writes the transform as YAML, creating parent directories
func (t Transform) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating transform directory: %w", err)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("error marshaling transform: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing transform: %w", err)
	}
	return nil
}

// LoadTransform reads a transform written by Save
func LoadTransform(path string) (Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Transform{}, fmt.Errorf("error reading transform: %w", err)
	}
	var t Transform
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Transform{}, fmt.Errorf("error parsing transform %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// ForwardName is the file name of the target to atlas transform of a slice
func ForwardName(slice int) string {
	return fmt.Sprintf("warp_target_slice%d2dic.yaml", slice)
}

// BackwardName is the file name of the atlas to target transform of a slice
func BackwardName(slice int) string {
	return fmt.Sprintf("warp_dic2target_slice%d.yaml", slice)
}

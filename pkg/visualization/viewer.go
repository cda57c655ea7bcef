// Package visualization renders quality control images of a segmentation:
// the target anatomy in grayscale with the gray matter in red and the white
// matter in blue.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"

	"gmseg/pkg/nifti"
)

// ErrShapeMismatch is returned when the anatomy and the masks differ in shape
var ErrShapeMismatch = errors.New("anatomy and segmentation shapes differ")

// overlayOpacity is the weight of a fully set mask voxel over the anatomy
const overlayOpacity = 0.6

var (
	gmColor = [3]float64{255, 0, 0}
	wmColor = [3]float64{0, 0, 255}
)

// Viewer renders axial slices of a target volume with its GM/WM masks
type Viewer struct {
	anatomy *nifti.Image
	gm      *nifti.Image
	wm      *nifti.Image

	// scale is the upscaling factor applied to every rendered slice
	scale int

	// min and max bound the grayscale window of the anatomy
	min, max float64

	// margin in voxels kept around the masks by SaveSliceSequence
	margin int
}

// NewViewer creates a QC viewer. scale values below 1 are treated as 1.
func NewViewer(anatomy, gm, wm *nifti.Image, scale int) (*Viewer, error) {
	if !anatomy.SameShape(gm) || !anatomy.SameShape(wm) {
		return nil, fmt.Errorf("%w: anatomy is %dx%dx%d", ErrShapeMismatch, anatomy.Nx, anatomy.Ny, anatomy.Nz)
	}
	if scale < 1 {
		scale = 1
	}

	v := &Viewer{anatomy: anatomy, gm: gm, wm: wm, scale: scale, margin: 5}
	v.min, v.max = math.Inf(1), math.Inf(-1)
	for _, x := range anatomy.Data {
		v.min = math.Min(v.min, x)
		v.max = math.Max(v.max, x)
	}
	return v, nil
}

// ExtractSlice renders the whole axial slice z
func (v *Viewer) ExtractSlice(z int) (image.Image, error) {
	return v.ExtractRegion(z, image.Rect(0, 0, v.anatomy.Nx, v.anatomy.Ny))
}

// ExtractRegion renders the part r of slice z, in voxel coordinates
func (v *Viewer) ExtractRegion(z int, r image.Rectangle) (image.Image, error) {
	if z < 0 || z >= v.anatomy.Nz {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, v.anatomy.Nz)
	}
	if r.Empty() || !r.In(image.Rect(0, 0, v.anatomy.Nx, v.anatomy.Ny)) {
		return nil, fmt.Errorf("region %v extends beyond the %dx%d slice", r, v.anatomy.Nx, v.anatomy.Ny)
	}

	img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x-r.Min.X, y-r.Min.Y, v.pixel(x, y, z))
		}
	}

	if v.scale == 1 {
		return img, nil
	}
	return resize.Resize(uint(r.Dx()*v.scale), uint(r.Dy()*v.scale), img, resize.NearestNeighbor), nil
}

// pixel blends the mask colours over the grayscale anatomy
func (v *Viewer) pixel(x, y, z int) color.RGBA {
	gray := 0.0
	if v.max > v.min {
		gray = 255 * (v.anatomy.At(x, y, z) - v.min) / (v.max - v.min)
	}
	rgb := [3]float64{gray, gray, gray}

	for _, layer := range []struct {
		mask *nifti.Image
		c    [3]float64
	}{{v.wm, wmColor}, {v.gm, gmColor}} {
		a := overlayOpacity * math.Max(0, math.Min(1, layer.mask.At(x, y, z)))
		for i := range rgb {
			rgb[i] = (1-a)*rgb[i] + a*layer.c[i]
		}
	}
	return color.RGBA{R: uint8(math.Round(rgb[0])), G: uint8(math.Round(rgb[1])), B: uint8(math.Round(rgb[2])), A: 255}
}

// Bounds returns the bounding box of the GM and WM voxels of slice z,
// grown by the viewer margin and clipped to the slice
func (v *Viewer) Bounds(z int) (image.Rectangle, bool) {
	r := image.Rectangle{}
	found := false
	for y := 0; y < v.anatomy.Ny; y++ {
		for x := 0; x < v.anatomy.Nx; x++ {
			if v.gm.At(x, y, z) <= 0 && v.wm.At(x, y, z) <= 0 {
				continue
			}
			p := image.Rect(x, y, x+1, y+1)
			if !found {
				r, found = p, true
			} else {
				r = r.Union(p)
			}
		}
	}
	if !found {
		return image.Rectangle{}, false
	}
	return r.Inset(-v.margin).Intersect(image.Rect(0, 0, v.anatomy.Nx, v.anatomy.Ny)), true
}

// SaveSlice saves a rendered slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveSliceSequence writes qc_<z>.png, cropped around the masks, for every
// slice holding gray or white matter. It returns the written files.
func (v *Viewer) SaveSliceSequence(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for z := 0; z < v.anatomy.Nz; z++ {
		r, ok := v.Bounds(z)
		if !ok {
			continue
		}
		img, err := v.ExtractRegion(z, r)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("qc_%d.png", z))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, fmt.Errorf("failed to save QC slice %d: %w", z, err)
		}
		files = append(files, filename)
	}
	return files, nil
}

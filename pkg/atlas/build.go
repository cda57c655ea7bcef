package atlas

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"gmseg/internal/models"
	"gmseg/pkg/fusion"
	"gmseg/pkg/nifti"
	"gmseg/pkg/normalize"
	"gmseg/pkg/pca"
)

// Manifest lists the reference slices an atlas is built from
type Manifest struct {
	AxialRes     float64         `yaml:"axialRes"`
	SquareSizeMM float64         `yaml:"squareSizeMM"`
	PCA          pca.Options     `yaml:"pca"`
	Slices       []ManifestEntry `yaml:"slices"`

	// dir resolves relative paths, it is the directory of the manifest file
	dir string
}

// ManifestEntry points at one reference slice and its manual segmentation
type ManifestEntry struct {
	Image string `yaml:"image"`
	GM    string `yaml:"gm"`
	WM    string `yaml:"wm"`

	// Level is the vertebral level, omitted when unknown
	Level *float64 `yaml:"level,omitempty"`

	// Slice is the z index to read from the files
	Slice int `yaml:"slice"`
}

// LoadManifest reads a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	m := &Manifest{PCA: pca.DefaultOptions()}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

func (m *Manifest) resolve(path string) string {
	if filepath.IsAbs(path) || m.dir == "" {
		return path
	}
	return filepath.Join(m.dir, path)
}

// Build reads every manifest entry and builds the model
func Build(ctx context.Context, manifest *Manifest, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(manifest.Slices) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no slices", ErrInvalidAtlas)
	}

	slices := make([]models.AtlasSlice, 0, len(manifest.Slices))
	for j, e := range manifest.Slices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := models.AtlasSlice{Index: j, Level: math.NaN()}
		if e.Level != nil {
			s.Level = *e.Level
		}

		var err error
		for _, f := range []struct {
			path string
			dst  *models.Grid
		}{{e.Image, &s.Image}, {e.GM, &s.GM}, {e.WM, &s.WM}} {
			if *f.dst, err = readSlice(manifest.resolve(f.path), e.Slice); err != nil {
				return nil, fmt.Errorf("manifest entry %d: %w", j, err)
			}
		}
		slices = append(slices, s)
		logger.Debug("Loaded atlas slice", zap.Int("index", j), zap.String("image", e.Image))
	}

	model, err := FromSlices(slices, manifest.AxialRes, manifest.SquareSizeMM, manifest.PCA)
	if err != nil {
		return nil, err
	}
	logger.Info("Atlas built",
		zap.Int("slices", len(model.Slices)),
		zap.Int("components", model.Projection.Dims()),
		zap.Int("levels", len(model.Intensities)-1))
	return model, nil
}

func readSlice(path string, z int) (models.Grid, error) {
	im, err := nifti.Read(path)
	if err != nil {
		return models.Grid{}, err
	}
	if z < 0 || z >= im.Nz {
		return models.Grid{}, fmt.Errorf("%s: slice %d outside %d slices", filepath.Base(path), z, im.Nz)
	}
	return im.Slice(z), nil
}

// FromSlices computes the mean image, per-level statistics and mean masks
// and fits the projection. The slices are re-indexed in order and their
// coordinates filled in.
func FromSlices(slices []models.AtlasSlice, axialRes, squareSizeMM float64, opts pca.Options) (*Model, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("%w: no slices", ErrInvalidAtlas)
	}
	if axialRes <= 0 || squareSizeMM <= 0 {
		return nil, fmt.Errorf("%w: axialRes %g and squareSizeMM %g must be positive", ErrInvalidAtlas, axialRes, squareSizeMM)
	}
	size := int(squareSizeMM / axialRes)

	byLevel := make(map[int][]int)
	images := make([]models.Grid, len(slices))
	for j := range slices {
		s := &slices[j]
		s.Index = j
		for name, g := range map[string]models.Grid{"image": s.Image, "gm": s.GM, "wm": s.WM} {
			if g.Width != size || g.Height != size || g.Validate() != nil {
				return nil, fmt.Errorf("%w: slice %d %s is %dx%d, expected %dx%d", ErrInvalidAtlas, j, name, g.Width, g.Height, size, size)
			}
		}
		images[j] = s.Image

		byLevel[normalize.PooledLevel] = append(byLevel[normalize.PooledLevel], j)
		if !math.IsNaN(s.Level) {
			key := int(math.Round(s.Level))
			if key < 1 {
				return nil, fmt.Errorf("%w: slice %d has level %g, levels start at 1", ErrInvalidAtlas, j, s.Level)
			}
			byLevel[key] = append(byLevel[key], j)
		}
	}

	mean, err := fusion.Mean(images)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAtlas, err)
	}

	model := &Model{
		Slices:       slices,
		MeanImage:    mean,
		Intensities:  make(map[int]normalize.Stats),
		MeanMasks:    make(map[int]Masks),
		AxialRes:     axialRes,
		SquareSizeMM: squareSizeMM,
	}

	keys := make([]int, 0, len(byLevel))
	for key := range byLevel {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	for _, key := range keys {
		var ims, gms, wms []models.Grid
		for _, j := range byLevel[key] {
			ims = append(ims, slices[j].Image)
			gms = append(gms, slices[j].GM)
			wms = append(wms, slices[j].WM)
		}
		stats, err := normalize.Compute(ims, gms, wms)
		if err != nil {
			return nil, fmt.Errorf("%w: level %d: %v", ErrInvalidAtlas, key, err)
		}
		model.Intensities[key] = stats

		gm, err := fusion.Mean(gms)
		if err != nil {
			return nil, err
		}
		wm, err := fusion.Mean(wms)
		if err != nil {
			return nil, err
		}
		model.MeanMasks[key] = Masks{GM: gm, WM: wm}
	}

	samples := make([][]float64, len(images))
	for j, im := range images {
		samples[j] = im.Data
	}
	proj, err := pca.Fit(samples, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAtlas, err)
	}
	model.Projection = proj

	for j := range slices {
		if slices[j].Coords, err = proj.Transform(slices[j].Image.Data); err != nil {
			return nil, err
		}
	}
	return model, nil
}

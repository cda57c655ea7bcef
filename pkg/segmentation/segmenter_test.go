package segmentation

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"gmseg/internal/models"
	"gmseg/pkg/atlas"
	"gmseg/pkg/config"
	"gmseg/pkg/fusion"
	"gmseg/pkg/nifti"
	"gmseg/pkg/pca"
	"gmseg/pkg/preprocess"
	"gmseg/pkg/registration"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	squareSize = 12
	volumeSize = 24
)

// cordValue draws a cord of radius 3 whose gray matter core has radius r.
// Gray matter is 60, white matter 100 and the background 10.
func cordValue(d, r float64) (value, gm, wm float64) {
	switch {
	case d <= r:
		return 60, 1, 0
	case d <= 3:
		return 100, 0, 1
	default:
		return 10, 0, 0
	}
}

func atlasSlice(r, level float64) models.AtlasSlice {
	s := models.AtlasSlice{
		Level: level,
		Image: models.NewGrid(squareSize, squareSize),
		GM:    models.NewGrid(squareSize, squareSize),
		WM:    models.NewGrid(squareSize, squareSize),
	}
	c := float64(squareSize / 2)
	for y := 0; y < squareSize; y++ {
		for x := 0; x < squareSize; x++ {
			v, gm, wm := cordValue(math.Hypot(float64(x)-c, float64(y)-c), r)
			s.Image.Set(x, y, v)
			s.GM.Set(x, y, gm)
			s.WM.Set(x, y, wm)
		}
	}
	return s
}

func testModel(t *testing.T) *atlas.Model {
	t.Helper()
	slices := []models.AtlasSlice{
		atlasSlice(1, 1),
		atlasSlice(1.5, 1),
		atlasSlice(2, 2),
		atlasSlice(1.2, 2),
	}
	m, err := atlas.FromSlices(slices, 1, squareSize, pca.Options{Components: 3})
	require.NoError(t, err)
	return m
}

// testTarget returns a 24x24x4 image whose cord, centred on (12, 12), has
// the shape of atlas slice 1 on slices 0 to 2. Slice 3 has no cord.
// The expected gray matter segmentation is returned as well.
func testTarget() (image, seg, expected *nifti.Image) {
	image = nifti.New(volumeSize, volumeSize, 4)
	seg = nifti.New(volumeSize, volumeSize, 4)
	expected = nifti.New(volumeSize, volumeSize, 4)
	c := float64(volumeSize / 2)
	for z := 0; z < 4; z++ {
		for y := 0; y < volumeSize; y++ {
			for x := 0; x < volumeSize; x++ {
				d := math.Hypot(float64(x)-c, float64(y)-c)
				if z == 3 {
					image.Set(x, y, z, 10)
					continue
				}
				v, gm, _ := cordValue(d, 1.5)
				image.Set(x, y, z, v)
				expected.Set(x, y, z, gm)
				if d <= 3 {
					seg.Set(x, y, z, 1)
				}
			}
		}
	}
	return image, seg, expected
}

func testConfig() config.Config {
	cfg := *config.DefaultConfig()
	cfg.Data.AxialRes = 1
	cfg.Data.SquareSizeMM = squareSize
	cfg.Data.Denoising = false
	cfg.Segmentation.WeightCoord = 1
	cfg.Segmentation.OutputType = config.OutputBinary
	cfg.Processing.NumWorkers = 2
	return cfg
}

func writeInputs(t *testing.T, dir string) (Inputs, *nifti.Image) {
	t.Helper()
	image, seg, expected := testTarget()
	in := Inputs{
		Image:  filepath.Join(dir, "t2s.nii.gz"),
		Seg:    filepath.Join(dir, "t2s_seg.nii.gz"),
		Levels: filepath.Join(dir, "levels.txt"),
	}
	require.NoError(t, image.Write(in.Image))
	require.NoError(t, seg.Write(in.Seg))
	require.NoError(t, os.WriteFile(in.Levels, []byte("0,1\n1,1\n2,2\n"), 0644))
	return in, expected
}

func TestNewValidates(t *testing.T) {
	m := testModel(t)

	cfg := testConfig()
	cfg.Segmentation.ThrSimilarity = 0
	_, err := New(cfg, m)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(testConfig(), nil)
	assert.ErrorIs(t, err, atlas.ErrInvalidAtlas)

	_, err = New(testConfig(), &atlas.Model{})
	assert.ErrorIs(t, err, atlas.ErrInvalidAtlas)
}

func TestNewUsesModelGeometry(t *testing.T) {
	cfg := testConfig()
	cfg.Data.AxialRes = 0.3
	cfg.Data.SquareSizeMM = 22.5

	s, err := New(cfg, testModel(t))
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Config().Data.AxialRes)
	assert.Equal(t, float64(squareSize), s.Config().Data.SquareSizeMM)
}

func TestSegmentBinary(t *testing.T) {
	s, err := New(testConfig(), testModel(t))
	require.NoError(t, err)

	image, seg, expected := testTarget()
	res, err := s.Segment(context.Background(), image, seg, nil)
	require.NoError(t, err)

	require.Len(t, res.Slices, 3)
	for i, sl := range res.Slices {
		assert.Equal(t, i, sl.Index)
		assert.Equal(t, []int{1}, res.Selections[i])
		assert.False(t, sl.Flagged)
	}
	assert.Empty(t, res.Flagged)

	assert.True(t, res.GM.SameShape(seg))
	assert.Equal(t, expected.Data, res.GM.Data)

	// white matter is the rest of the cord
	for k, v := range seg.Data {
		want := v - expected.Data[k]
		if !assert.Equal(t, want, res.WM.Data[k], "voxel %d", k) {
			break
		}
	}
}

func TestSegmentProbabilistic(t *testing.T) {
	cfg := testConfig()
	cfg.Segmentation.OutputType = config.OutputProbabilistic
	cfg.Segmentation.WeightCoord = 0
	cfg.Segmentation.ThrSimilarity = 0.25

	s, err := New(cfg, testModel(t))
	require.NoError(t, err)

	image, seg, _ := testTarget()
	res, err := s.Segment(context.Background(), image, seg, nil)
	require.NoError(t, err)

	for _, sel := range res.Selections {
		assert.Equal(t, []int{0, 1, 2, 3}, sel)
	}

	// every atlas slice has gray matter at the cord centre; at distance 2
	// only one of four has gray matter and the other three white matter.
	// Registration onto the mean image is close to, not exactly, the identity.
	assert.InDelta(t, 1, res.GM.At(12, 12, 0), 1e-5)
	assert.InDelta(t, 0.25, res.GM.At(14, 12, 1), 0.05)
	assert.InDelta(t, 0.75, res.WM.At(14, 12, 1), 0.05)
	for _, v := range res.GM.Data {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1+1e-12)
	}
}

func TestEmptySelectionPolicies(t *testing.T) {
	image, seg, _ := testTarget()

	cfg := testConfig()
	cfg.Segmentation.WeightCoord = 0
	cfg.Segmentation.ThrSimilarity = 0.8

	t.Run("best", func(t *testing.T) {
		s, err := New(cfg, testModel(t))
		require.NoError(t, err)
		res, err := s.Segment(context.Background(), image, seg, nil)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, res.Flagged)
		for _, sel := range res.Selections {
			assert.Empty(t, sel)
		}
		// ties go to atlas slice 0, whose gray matter core has radius 1
		assert.Equal(t, 1.0, res.GM.At(12, 12, 0))
		assert.Equal(t, 0.0, res.GM.At(13, 13, 0))
	})

	t.Run("zero", func(t *testing.T) {
		c := cfg
		c.Segmentation.EmptySelection = config.EmptySelectionZero
		s, err := New(c, testModel(t))
		require.NoError(t, err)
		res, err := s.Segment(context.Background(), image, seg, nil)
		require.NoError(t, err)
		assert.Len(t, res.Flagged, 3)
		for _, v := range res.GM.Data {
			require.Zero(t, v)
		}
	})

	t.Run("error", func(t *testing.T) {
		c := cfg
		c.Segmentation.EmptySelection = config.EmptySelectionError
		s, err := New(c, testModel(t))
		require.NoError(t, err)
		_, err = s.Segment(context.Background(), image, seg, nil)
		assert.ErrorIs(t, err, fusion.ErrEmptySelection)
	})
}

func TestSegmentWithLevels(t *testing.T) {
	cfg := testConfig()
	cfg.Segmentation.WeightCoord = 0
	cfg.Segmentation.ThrSimilarity = 0.4

	s, err := New(cfg, testModel(t))
	require.NoError(t, err)

	image, seg, _ := testTarget()
	levels := preprocess.LevelFile{Path: filepath.Join(t.TempDir(), "levels.txt")}
	require.NoError(t, os.WriteFile(levels.Path, []byte("0,1\n2,2\n"), 0644))

	res, err := s.Segment(context.Background(), image, seg, levels)
	require.NoError(t, err)

	// only the level weight discriminates: slices of the same level score ~0.46
	assert.Equal(t, []int{0, 1}, res.Selections[0])
	assert.Empty(t, res.Selections[1])
	assert.Equal(t, []int{2, 3}, res.Selections[2])
	assert.Equal(t, []int{1}, res.Flagged)
}

type failingRegistrar struct{}

var errRegistration = errors.New("registration diverged")

func (failingRegistrar) Register(ctx context.Context, src, dest models.Grid) (models.Grid, registration.Transform, registration.Transform, error) {
	return models.Grid{}, registration.Transform{}, registration.Transform{}, errRegistration
}

func TestRegistrationFailureIsFatal(t *testing.T) {
	s, err := New(testConfig(), testModel(t), WithRegistrar(failingRegistrar{}))
	require.NoError(t, err)

	image, seg, _ := testTarget()
	_, err = s.Segment(context.Background(), image, seg, nil)
	assert.ErrorIs(t, err, errRegistration)
}

func TestSegmentCancelled(t *testing.T) {
	s, err := New(testConfig(), testModel(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	image, seg, _ := testTarget()
	_, err = s.Segment(ctx, image, seg, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSegmentEmptyCord(t *testing.T) {
	s, err := New(testConfig(), testModel(t))
	require.NoError(t, err)

	image, _, _ := testTarget()
	res, err := s.Segment(context.Background(), image, nifti.NewLike(image), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Slices)
	for _, v := range res.GM.Data {
		require.Zero(t, v)
	}
}

func TestProcessMissingInput(t *testing.T) {
	s, err := New(testConfig(), testModel(t))
	require.NoError(t, err)
	_, err = s.Process(context.Background(), Inputs{Image: "t2s.nii.gz"})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()
	in, expected := writeInputs(t, dir)
	in.Ref = filepath.Join(dir, "t2s_gmseg_manual.nii.gz")
	require.NoError(t, expected.Write(in.Ref))

	cfg := testConfig()
	cfg.Output.Folder = filepath.Join(dir, "out")
	cfg.Output.Ratio = config.RatioSlice
	cfg.Output.QC = true

	workRoot := filepath.Join(dir, "tmp")
	s, err := New(cfg, testModel(t), WithWorkDir(workRoot))
	require.NoError(t, err)

	res, err := s.Process(context.Background(), in)
	require.NoError(t, err)

	gmPath := filepath.Join(cfg.Output.Folder, "t2s_gmseg.nii.gz")
	wmPath := filepath.Join(cfg.Output.Folder, "t2s_wmseg.nii.gz")
	assert.Contains(t, res.Files, gmPath)
	assert.Contains(t, res.Files, wmPath)

	gm, err := nifti.Read(gmPath)
	require.NoError(t, err)
	assert.Equal(t, expected.Data, gm.Data)

	require.NotNil(t, res.Report)
	assert.Equal(t, 1.0, res.Report.Dice)
	assert.FileExists(t, filepath.Join(cfg.Output.Folder, "t2s_validation.yaml"))

	// 9 gray matter voxels for 20 white matter voxels on every cord slice
	assert.Equal(t, map[int]float64{0: 0.45, 1: 0.45, 2: 0.45}, res.Ratios)
	data, err := os.ReadFile(filepath.Join(cfg.Output.Folder, "ratio_by_slice.yaml"))
	require.NoError(t, err)
	var ratios map[string]map[int]float64
	require.NoError(t, yaml.Unmarshal(data, &ratios))
	assert.Equal(t, res.Ratios, ratios[config.RatioSlice])

	for _, name := range []string{"qc_0.png", "qc_1.png", "qc_2.png"} {
		assert.FileExists(t, filepath.Join(cfg.Output.Folder, "t2s_qc", name))
	}
	assert.NoFileExists(t, filepath.Join(cfg.Output.Folder, "t2s_qc", "qc_3.png"))

	// the work directory is removed at the end of the run
	assert.Empty(t, res.WorkDir)
	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessKeepTemp(t *testing.T) {
	dir := t.TempDir()
	in, _ := writeInputs(t, dir)

	cfg := testConfig()
	cfg.Output.Folder = filepath.Join(dir, "out")
	cfg.Output.KeepTemp = true
	cfg.Output.Ratio = config.RatioLevel

	s, err := New(cfg, testModel(t), WithWorkDir(filepath.Join(dir, "tmp")))
	require.NoError(t, err)

	res, err := s.Process(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, res.WorkDir)
	assert.Contains(t, filepath.Base(res.WorkDir), "gmseg-")

	for z := 0; z < 3; z++ {
		forward, err := registration.LoadTransform(filepath.Join(res.WorkDir, "warp_target", registration.ForwardName(z)))
		require.NoError(t, err)
		backward, err := registration.LoadTransform(filepath.Join(res.WorkDir, "warp_target", registration.BackwardName(z)))
		require.NoError(t, err)

		id := forward.Compose(backward)
		x, y := id.Apply(3, 7)
		assert.InDelta(t, 3, x, 1e-9)
		assert.InDelta(t, 7, y, 1e-9)
		assert.InDelta(t, 1, forward.A, 0.05)
	}

	// levels 1, 1 and 2
	assert.Equal(t, map[int]float64{1: 0.45, 2: 0.45}, res.Ratios)
	assert.FileExists(t, filepath.Join(cfg.Output.Folder, "ratio_by_level.yaml"))
}

package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmseg/pkg/config"
	"gmseg/pkg/segmentation"
)

// newSegmentCmd returns a fresh segment command with the given flags parsed
func newSegmentCmd(t *testing.T, args ...string) (*cobra.Command, *segmentOptions) {
	t.Helper()
	o := &segmentOptions{}
	cmd := &cobra.Command{Use: "segment"}
	bindSegmentFlags(cmd, o)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, o
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gmseg.yaml")
	cfg := config.DefaultConfig()
	cfg.Model.Path = "from-file.db"
	cfg.Segmentation.ThrSimilarity = 0.5
	cfg.Segmentation.WeightLevel = 1.5
	require.NoError(t, config.SaveConfig(cfg, path))

	configPath = path
	t.Cleanup(func() { configPath = "" })

	cmd, o := newSegmentCmd(t, "-i", "t2s.nii.gz", "--thr-sim", "0.7", "--res-type", "bin", "--denoising=false", "--workers", "3")
	got, err := loadConfig(cmd, o)
	require.NoError(t, err)

	assert.Equal(t, "t2s.nii.gz", o.inputs.Image)
	assert.Equal(t, "from-file.db", got.Model.Path)
	assert.Equal(t, 1.5, got.Segmentation.WeightLevel)
	assert.Equal(t, 0.7, got.Segmentation.ThrSimilarity)
	assert.Equal(t, config.OutputBinary, got.Segmentation.OutputType)
	assert.False(t, got.Data.Denoising)
	assert.True(t, got.Data.Normalization)
	assert.Equal(t, 3, got.Processing.NumWorkers)
}

func TestLoadConfigErrors(t *testing.T) {
	cmd, o := newSegmentCmd(t)
	_, err := loadConfig(cmd, o)
	assert.ErrorIs(t, err, segmentation.ErrMissingInput)

	cmd, o = newSegmentCmd(t, "--model", "atlas.db", "--res-type", "fuzzy")
	_, err = loadConfig(cmd, o)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cmd, o = newSegmentCmd(t, "--model", "atlas.db", "--ratio", "vertebra")
	_, err = loadConfig(cmd, o)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSegmentRequiredFlags(t *testing.T) {
	cmd, _ := newSegmentCmd(t)
	for _, name := range []string{"input", "seg"} {
		flag := cmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag], name)
	}
	assert.Error(t, cmd.ValidateRequiredFlags())

	cmd, _ = newSegmentCmd(t, "-i", "t2s.nii.gz", "-s", "t2s_seg.nii.gz")
	assert.NoError(t, cmd.ValidateRequiredFlags())
}

package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmseg/internal/models"
)

func testImage() *Image {
	im := New(4, 3, 2)
	im.Dx, im.Dy, im.Dz = 0.5, 0.5, 2
	im.Affine = [4][4]float64{
		{0.5, 0, 0, -10},
		{0, 0.5, 0, 4},
		{0, 0, 2, 30},
		{0, 0, 0, 1},
	}
	for i := range im.Data {
		im.Data[i] = float64(i) * 0.25
	}
	return im
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, name := range []string{"im.nii", "im.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			src := testImage()
			require.NoError(t, src.Write(path))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, 4, got.Nx)
			assert.Equal(t, 3, got.Ny)
			assert.Equal(t, 2, got.Nz)
			assert.Equal(t, 0.5, got.Dx)
			assert.Equal(t, 2.0, got.Dz)
			assert.Equal(t, src.Affine, got.Affine)
			assert.Equal(t, src.Data, got.Data)
		})
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, 400), 0644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNotNifti)
}

func TestDecodeBigEndianInt16WithScaling(t *testing.T) {
	var h Header
	h.SizeOfHdr = headerSize
	h.Dim = [8]int16{3, 2, 2, 1, 1, 1, 1, 1}
	h.PixDim = [8]float32{1, 1, 1, 1}
	h.DataType = DTInt16
	h.BitPix = 16
	h.VoxOffset = voxOffset
	h.SclSlope = 2
	h.SclInter = 1
	copy(h.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{-1, 0, 3, 100}))

	im, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 1, 7, 201}, im.Data)
}

func TestQFormAffine(t *testing.T) {
	var h Header
	h.QFormCode = 1
	h.PixDim = [8]float32{-1, 0.5, 0.5, 3}
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = 1, 2, 3

	m := h.affine()
	// identity rotation, negative qfac flips z
	assert.Equal(t, 0.5, m[0][0])
	assert.Equal(t, 0.5, m[1][1])
	assert.Equal(t, -3.0, m[2][2])
	assert.Equal(t, [4]float64{0, 0, 0, 1}, m[3])
	assert.Equal(t, 2.0, m[1][3])
}

func TestPhysicalCoordinates(t *testing.T) {
	im := testImage()
	p := im.Pix2Phys(2, 1, 1)
	assert.Equal(t, [3]float64{-9, 4.5, 32}, p)

	back, err := im.Phys2Pix(p)
	require.NoError(t, err)
	for i, want := range []float64{2, 1, 1} {
		assert.InDelta(t, want, back[i], 1e-12)
	}
}

func TestSlices(t *testing.T) {
	im := testImage()
	g := im.Slice(1)
	assert.Equal(t, 4, g.Width)
	assert.Equal(t, 3, g.Height)
	assert.Equal(t, im.At(3, 2, 1), g.At(3, 2))

	require.NoError(t, im.SetSlice(0, models.Grid{Data: make([]float64, 12), Width: 4, Height: 3}))
	assert.Zero(t, im.At(3, 2, 0))
	assert.Error(t, im.SetSlice(0, models.NewGrid(2, 2)))
}

func TestNewLikeCopiesGeometry(t *testing.T) {
	ref := testImage()
	im := NewLike(ref)
	assert.True(t, im.SameShape(ref))
	assert.Equal(t, ref.Affine, im.Affine)
	for _, v := range im.Data {
		require.Zero(t, v)
	}
	assert.False(t, math.IsNaN(float64(im.Header.SclSlope)))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "t2star", Basename("/data/t2star.nii.gz"))
	assert.Equal(t, "seg", Basename("seg.nii"))
}

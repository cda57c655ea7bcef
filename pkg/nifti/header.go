// Package nifti reads and writes NIfTI-1 single-file images (.nii and .nii.gz).
//
// Only what the segmentation pipeline needs is supported: up to three spatial
// dimensions, scalar voxel types and the qform/sform geometry. Voxel values
// are converted to float64 on read, with the header scaling applied.
package nifti

import (
	"math"
)

// Voxel datatype codes from nifti1.h
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

const (
	headerSize = 348
	voxOffset  = 352
)

// Header is the on-disk NIfTI-1 header, laid out byte for byte
type Header struct {
	SizeOfHdr      int32    // Must be 348
	UnusedDataType [10]byte // Unused
	UnusedDbName   [18]byte // Unused
	UnusedExtents  int32    // Unused
	UnusedSession  int16    // Unused
	UnusedRegular  byte     // Unused
	DimInfo        byte     // MRI slice ordering

	Dim        [8]int16 // Data array dimensions
	IntentP1   float32
	IntentP2   float32
	IntentP3   float32
	IntentCode int16
	DataType   int16 // Defines data type
	BitPix     int16 // Number bits/voxel
	SliceStart int16

	PixDim    [8]float32 // Grid spacing, pixdim[0] is qfac
	VoxOffset float32    // Offset into .nii file
	SclSlope  float32    // Data scaling: slope
	SclInter  float32    // Data scaling: offset
	SliceEnd  int16
	SliceCode byte
	XYZTUnits byte

	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	UnusedGlmax   int32
	UnusedGlmin   int32

	Descrip [80]byte
	AuxFile [24]byte

	QFormCode int16
	SFormCode int16

	QuaternB float32
	QuaternC float32
	QuaternD float32
	QOffsetX float32
	QOffsetY float32
	QOffsetZ float32

	SRowX [4]float32
	SRowY [4]float32
	SRowZ [4]float32

	IntentName [16]byte
	Magic      [4]byte // "n+1\0" for single-file images
}

// bytesPerVoxel returns the size of one voxel for supported datatypes
func bytesPerVoxel(dt int16) int {
	switch dt {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTFloat64:
		return 8
	}
	return 0
}

// affine returns the voxel to world matrix, preferring the sform
func (h *Header) affine() [4][4]float64 {
	if h.SFormCode > 0 {
		var m [4][4]float64
		for j := 0; j < 4; j++ {
			m[0][j] = float64(h.SRowX[j])
			m[1][j] = float64(h.SRowY[j])
			m[2][j] = float64(h.SRowZ[j])
		}
		m[3][3] = 1
		return m
	}
	if h.QFormCode > 0 {
		return h.qformAffine()
	}

	// Analyze-style fallback: scaling only
	var m [4][4]float64
	for i := 0; i < 3; i++ {
		m[i][i] = float64(h.PixDim[i+1])
		if m[i][i] == 0 {
			m[i][i] = 1
		}
	}
	m[3][3] = 1
	return m
}

// qformAffine builds the matrix from the quaternion representation
func (h *Header) qformAffine() [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// special case from nifti1_io: a is 0 and the quaternion is renormalized
		s := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*s, c*s, d*s
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	dx := float64(h.PixDim[1])
	dy := float64(h.PixDim[2])
	dz := float64(h.PixDim[3])
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	if dz <= 0 {
		dz = 1
	}
	qfac := float64(h.PixDim[0])
	if qfac >= 0 {
		qfac = 1
	} else {
		qfac = -1
	}
	dz *= qfac

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = 2 * (b*c - a*d) * dy
	m[0][2] = 2 * (b*d + a*c) * dz
	m[1][0] = 2 * (b*c + a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = 2 * (c*d - a*b) * dz
	m[2][0] = 2 * (b*d - a*c) * dx
	m[2][1] = 2 * (c*d + a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3] = float64(h.QOffsetX)
	m[1][3] = float64(h.QOffsetY)
	m[2][3] = float64(h.QOffsetZ)
	m[3][3] = 1
	return m
}

package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"

	"gmseg/internal/models"
)

var (
	// ErrNotNifti is returned when the header size or magic does not match
	ErrNotNifti = errors.New("not a NIfTI-1 file")

	// ErrUnsupported is returned for datatypes or dimensions the reader cannot handle
	ErrUnsupported = errors.New("unsupported NIfTI image")
)

// Image is a 3D NIfTI image held in memory as float64 voxels.
// Data is ordered x fastest, then y, then z, as on disk.
type Image struct {
	Header Header

	Nx, Ny, Nz int
	Dx, Dy, Dz float64

	// Affine maps voxel (i, j, k, 1) to world coordinates in mm
	Affine [4][4]float64

	Data []float64
}

// New creates a zero-filled float32 image with unit spacing and identity geometry
func New(nx, ny, nz int) *Image {
	im := &Image{Nx: nx, Ny: ny, Nz: nz, Dx: 1, Dy: 1, Dz: 1, Data: make([]float64, nx*ny*nz)}
	h := &im.Header
	h.SizeOfHdr = headerSize
	h.Dim = [8]int16{3, int16(nx), int16(ny), int16(nz), 1, 1, 1, 1}
	h.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.SFormCode = 1
	copy(h.Magic[:], "n+1\x00")
	for i := 0; i < 4; i++ {
		im.Affine[i][i] = 1
	}
	return im
}

// NewLike creates a zero-filled image with the geometry of ref
func NewLike(ref *Image) *Image {
	im := &Image{
		Header: ref.Header,
		Nx:     ref.Nx, Ny: ref.Ny, Nz: ref.Nz,
		Dx: ref.Dx, Dy: ref.Dy, Dz: ref.Dz,
		Affine: ref.Affine,
		Data:   make([]float64, len(ref.Data)),
	}
	im.Header.DataType = DTFloat32
	im.Header.BitPix = 32
	im.Header.SclSlope = 1
	im.Header.SclInter = 0
	return im
}

// Read loads a .nii or .nii.gz file
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	im, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return im, nil
}

// Decode reads an image from an uncompressed single-file stream
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, ErrNotNifti
		}
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q", ErrNotNifti, h.Magic[:])
	}

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrUnsupported, ndim)
	}
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		dims[i] = int(h.Dim[i+1])
		if dims[i] < 1 {
			return nil, fmt.Errorf("%w: dimension %d is %d", ErrUnsupported, i+1, dims[i])
		}
	}
	for i := 4; i <= ndim; i++ {
		if h.Dim[i] > 1 {
			return nil, fmt.Errorf("%w: only 3D images are supported", ErrUnsupported)
		}
	}

	bpv := bytesPerVoxel(h.DataType)
	if bpv == 0 {
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupported, h.DataType)
	}

	// skip extensions up to the voxel offset
	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: voxel offset %g", ErrNotNifti, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to skip extensions: %w", err)
	}

	nvox := dims[0] * dims[1] * dims[2]
	buf := make([]byte, nvox*bpv)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}

	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}

	data := make([]float64, nvox)
	for i := range data {
		b := buf[i*bpv : (i+1)*bpv]
		var v float64
		switch h.DataType {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		data[i] = v*slope + inter
	}

	spacing := func(i int) float64 {
		d := math.Abs(float64(h.PixDim[i]))
		if d == 0 {
			return 1
		}
		return d
	}

	return &Image{
		Header: h,
		Nx:     dims[0], Ny: dims[1], Nz: dims[2],
		Dx: spacing(1), Dy: spacing(2), Dz: spacing(3),
		Affine: h.affine(),
		Data:   data,
	}, nil
}

// Write saves the image as float32, gzip-compressed when the name ends in .gz
func (im *Image) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	bw := bufio.NewWriter(w)
	if err := im.Encode(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

// Encode writes the image as an uncompressed little-endian float32 stream
func (im *Image) Encode(w io.Writer) error {
	h := im.Header
	h.SizeOfHdr = headerSize
	h.Dim = [8]int16{3, int16(im.Nx), int16(im.Ny), int16(im.Nz), 1, 1, 1, 1}
	h.PixDim[1] = float32(im.Dx)
	h.PixDim[2] = float32(im.Dy)
	h.PixDim[3] = float32(im.Dz)
	if h.PixDim[0] == 0 {
		h.PixDim[0] = 1
	}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.SclInter = 0
	if h.SFormCode == 0 {
		h.SFormCode = 1
	}
	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(im.Affine[0][j])
		h.SRowY[j] = float32(im.Affine[1][j])
		h.SRowZ[j] = float32(im.Affine[2][j])
	}
	copy(h.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(im.Data))
	for i, v := range im.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}

// Index returns the position of voxel (i, j, k) in Data
func (im *Image) Index(i, j, k int) int {
	return k*im.Nx*im.Ny + j*im.Nx + i
}

// At returns the voxel value at (i, j, k)
func (im *Image) At(i, j, k int) float64 {
	return im.Data[im.Index(i, j, k)]
}

// Set stores v at voxel (i, j, k)
func (im *Image) Set(i, j, k int, v float64) {
	im.Data[im.Index(i, j, k)] = v
}

// Slice copies axial slice k into a grid (columns along i, rows along j)
func (im *Image) Slice(k int) models.Grid {
	g := models.NewGrid(im.Nx, im.Ny)
	copy(g.Data, im.Data[k*im.Nx*im.Ny:(k+1)*im.Nx*im.Ny])
	return g
}

// SetSlice overwrites axial slice k
func (im *Image) SetSlice(k int, g models.Grid) error {
	if g.Width != im.Nx || g.Height != im.Ny {
		return fmt.Errorf("slice %dx%d does not fit image %dx%d", g.Width, g.Height, im.Nx, im.Ny)
	}
	copy(im.Data[k*im.Nx*im.Ny:(k+1)*im.Nx*im.Ny], g.Data)
	return nil
}

// SameShape reports whether both images have the same voxel grid dimensions
func (im *Image) SameShape(o *Image) bool {
	return im.Nx == o.Nx && im.Ny == o.Ny && im.Nz == o.Nz
}

// Pix2Phys maps voxel coordinates to world coordinates
func (im *Image) Pix2Phys(i, j, k float64) [3]float64 {
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = im.Affine[r][0]*i + im.Affine[r][1]*j + im.Affine[r][2]*k + im.Affine[r][3]
	}
	return out
}

// Phys2Pix maps world coordinates to (fractional) voxel coordinates
func (im *Image) Phys2Pix(p [3]float64) ([3]float64, error) {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a.Set(r, c, im.Affine[r][c])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return [3]float64{}, fmt.Errorf("singular image affine: %w", err)
	}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = inv.At(r, 0)*p[0] + inv.At(r, 1)*p[1] + inv.At(r, 2)*p[2] + inv.At(r, 3)
	}
	return out, nil
}

// Basename strips the directory and the .nii/.nii.gz extension
func Basename(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

package shearlet

import (
	"math"
	"math/rand"
	"testing"

	"gmseg/internal/models"
)

// stepImage creates a size x size grid with a vertical edge at size/2
func stepImage(size int, low, high float64) models.Grid {
	g := models.NewGrid(size, size)
	for y := 0; y < size; y++ {
		for x := size / 2; x < size; x++ {
			g.Set(x, y, high)
		}
		for x := 0; x < size/2; x++ {
			g.Set(x, y, low)
		}
	}
	return g
}

func TestNewDenoiserDefaults(t *testing.T) {
	d := NewDenoiser(Options{})
	if d.opts.Scales != 3 {
		t.Errorf("Expected scales=3, got %d", d.opts.Scales)
	}
	if d.opts.EdgeThreshold != 0.2 {
		t.Errorf("Expected edgeThreshold=0.2, got %f", d.opts.EdgeThreshold)
	}
}

// TestGetShearRange verifies the shear parameter range calculation
func TestGetShearRange(t *testing.T) {
	tests := []struct {
		maxShear int
		expected []int
	}{
		{1, []int{-1, 0, 1}},
		{2, []int{-2, -1, 0, 1, 2}},
	}
	for _, tt := range tests {
		got := getShearRange(tt.maxShear)
		if len(got) != len(tt.expected) {
			t.Fatalf("Expected shear range of length %d, got %d", len(tt.expected), len(got))
		}
		for i, val := range got {
			if val != tt.expected[i] {
				t.Errorf("Expected shear range[%d]=%d, got %d", i, tt.expected[i], val)
			}
		}
	}
}

func TestBankSize(t *testing.T) {
	d := NewDenoiser(Options{Scales: 3})
	// per scale: 2^(j+1)+1 horizontal shears plus the vertical ones without +-1
	if got := len(d.bank()); got != 4+8+16 {
		t.Errorf("Expected 28 filters, got %d", got)
	}
}

func TestFFTRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	width, height := 12, 9
	data := make([]float64, width*height)
	for i := range data {
		data[i] = rng.Float64()
	}

	spec := fft2D(data, width, height)
	back := ifft2D(spec.coeffs, width, height)
	for i := range data {
		if math.Abs(back[i]-data[i]) > 1e-9 {
			t.Fatalf("round trip mismatch at %d: got %f, want %f", i, back[i], data[i])
		}
	}
}

// TestDetectEdges verifies edge detection on a simple test pattern
func TestDetectEdges(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	size := 32
	info := d.DetectEdgesWithOrientation(stepImage(size, 0, 1))

	row := size / 2
	atEdge := info.Edges[row*size+size/2]
	away := info.Edges[row*size+size/4]
	if atEdge <= away {
		t.Errorf("Expected stronger response at the edge (%f) than away from it (%f)", atEdge, away)
	}

	for _, e := range info.Edges {
		if e < 0 || e > 1 {
			t.Fatalf("edge strength %f outside [0, 1]", e)
		}
	}

	// the gradient of a vertical edge points along x
	if o := info.Orientations[row*size+size/2]; math.Abs(o) > 1e-12 {
		t.Errorf("Expected orientation 0 at a vertical edge, got %f", o)
	}
}

// discImage creates a size x size grid with a bright disc at the centre
func discImage(size int, radius, inside, outside float64) models.Grid {
	g := models.NewGrid(size, size)
	c := float64(size / 2)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := outside
			if math.Hypot(float64(x)-c, float64(y)-c) <= radius {
				v = inside
			}
			g.Set(x, y, v)
		}
	}
	return g
}

func TestDetectEdgesDisc(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	size := 40
	edges := d.DetectEdges(discImage(size, 8, 100, 10))

	flat := map[string][2]int{
		"centre":     {20, 20},
		"inside":     {18, 21},
		"background": {3, 3},
		"gap":        {36, 20},
	}
	for name, p := range flat {
		if e := edges[p[1]*size+p[0]]; e > d.opts.EdgeThreshold {
			t.Errorf("%s: expected a flat pixel, got edge strength %f", name, e)
		}
	}
	for _, p := range [][2]int{{12, 20}, {28, 20}, {20, 12}, {20, 28}} {
		if e := edges[p[1]*size+p[0]]; e < 0.5 {
			t.Errorf("Expected an edge at %v, got %f", p, e)
		}
	}
}

func TestDetectEdgesFlatImage(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	g := models.NewGrid(16, 16)
	for i := range g.Data {
		g.Data[i] = 5
	}
	for i, e := range d.DetectEdges(g) {
		if e != 0 {
			t.Fatalf("Expected no edges in a flat image, got %f at %d", e, i)
		}
	}
}

func TestSmoothPreservesStep(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	size := 32
	out := d.Smooth(stepImage(size, 0, 10))

	for y := 1; y < size-1; y++ {
		if got := out.At(size/2+1, y); got != 10 {
			t.Errorf("row %d: expected 10 right of the edge, got %f", y, got)
		}
		if got := out.At(size/2-2, y); got != 0 {
			t.Errorf("row %d: expected 0 left of the edge, got %f", y, got)
		}
		if got := out.At(5, y); got != 0 {
			t.Errorf("row %d: flat region changed to %f", y, got)
		}
	}
}

func TestSmoothReducesNoise(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	rng := rand.New(rand.NewSource(7))
	size := 32
	g := stepImage(size, 0, 10)
	for i := range g.Data {
		g.Data[i] += rng.Float64() - 0.5
	}

	out := d.Smooth(g)
	region := func(im models.Grid) float64 {
		var sum, sumSq float64
		n := 0
		for y := 4; y < size-4; y++ {
			for x := 4; x < 11; x++ {
				v := im.At(x, y)
				sum += v
				sumSq += v * v
				n++
			}
		}
		mean := sum / float64(n)
		return sumSq/float64(n) - mean*mean
	}

	before, after := region(g), region(out)
	if after >= before {
		t.Errorf("Expected variance to drop, before=%f after=%f", before, after)
	}
}

func TestSmoothAveragesAwayFromEdges(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	rng := rand.New(rand.NewSource(3))
	size := 32
	g := stepImage(size, 0, 10)
	for i := range g.Data {
		g.Data[i] += rng.Float64() - 0.5
	}

	out := d.Smooth(g)
	for y := 1; y < size-1; y++ {
		for x := 6; x <= 9; x++ {
			sum := 0.0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += g.At(x+dx, y+dy)
				}
			}
			if got, want := out.At(x, y), sum/9; math.Abs(got-want) > 1e-12 {
				t.Fatalf("(%d, %d): expected the 3x3 mean %f, got %f", x, y, want, got)
			}
		}
	}
}

func TestSmoothSmallGridUnchanged(t *testing.T) {
	d := NewDenoiser(DefaultOptions())
	g := models.Grid{Data: []float64{1, 2, 3, 4}, Width: 2, Height: 2}
	out := d.Smooth(g)
	for i := range g.Data {
		if out.Data[i] != g.Data[i] {
			t.Errorf("Expected %f at %d, got %f", g.Data[i], i, out.Data[i])
		}
	}
}

func TestMedian3(t *testing.T) {
	tests := [][4]float64{
		{1, 2, 3, 2},
		{3, 2, 1, 2},
		{2, 3, 1, 2},
		{5, 5, 1, 5},
		{1, 9, 4, 4},
	}
	for _, tt := range tests {
		if got := median3(tt[0], tt[1], tt[2]); got != tt[3] {
			t.Errorf("median3(%v, %v, %v) = %v, want %v", tt[0], tt[1], tt[2], got, tt[3])
		}
	}
}

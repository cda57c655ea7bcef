package validation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"gmseg/internal/models"
)

// Point2D is an in-plane voxel position in mm
type Point2D struct {
	X, Y float64
}

// Compare implements the kdtree.Comparable interface
func (p Point2D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point2D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point2D) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p Point2D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point2D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// Points2D is a collection of Point2D that satisfies kdtree.Interface
type Points2D []Point2D

func (p Points2D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points2D) Len() int                              { return len(p) }
func (p Points2D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points2D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points2D: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{Points2D: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points2D
type pointPlane struct {
	Points2D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points2D[i].X < p.Points2D[j].X
	case 1:
		return p.Points2D[i].Y < p.Points2D[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points2D: p.Points2D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points2D[i], p.Points2D[j] = p.Points2D[j], p.Points2D[i]
}

// maskPoints lists the physical positions of the voxels >= threshold
func maskPoints(g models.Grid, dx, dy, threshold float64) Points2D {
	var pts Points2D
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if g.At(x, y) >= threshold {
				pts = append(pts, Point2D{X: float64(x) * dx, Y: float64(y) * dy})
			}
		}
	}
	return pts
}

// Hausdorff computes the symmetric Hausdorff distance in mm between the
// masks a >= threshold and b >= threshold. Two empty masks are at distance 0.
func Hausdorff(a, b models.Grid, dx, dy, threshold float64) (float64, error) {
	if !a.SameShape(b) {
		return 0, fmt.Errorf("%w: %dx%d and %dx%d", ErrSizeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	pa := maskPoints(a, dx, dy, threshold)
	pb := maskPoints(b, dx, dy, threshold)
	switch {
	case len(pa) == 0 && len(pb) == 0:
		return 0, nil
	case len(pa) == 0 || len(pb) == 0:
		return 0, ErrEmptyMask
	}

	return math.Max(directed(pa, pb), directed(pb, pa)), nil
}

// directed is the largest distance from a point of from to its nearest point in to
func directed(from, to Points2D) float64 {
	// kdtree.New reorders its input
	tree := kdtree.New(append(Points2D(nil), to...), false)
	worst := 0.0
	for _, p := range from {
		_, d := tree.Nearest(p)
		if d > worst {
			worst = d
		}
	}
	return math.Sqrt(worst)
}

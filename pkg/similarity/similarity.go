// Package similarity scores target slices against the atlas dictionary and
// selects the subset of atlas slices used for label fusion.
//
// For atlas slice j the similarity is
//
//	s_j = exp(-weightLevel*|level - level_j|) * exp(-weightCoord*||x - x_j||)
//
// when both the target and the atlas carry vertebral levels, and
// exp(-weightCoord*||x - x_j||) otherwise. Similarities are normalized to sum
// to one and every atlas slice reaching the threshold is selected.
//
// Every reduction is a plain left-to-right loop over float64 so scores are
// bit-identical across machines; no vectorized library is involved.
package similarity

import (
	"errors"
	"fmt"
	"math"

	"gmseg/internal/models"
)

var (
	// ErrInvalidAtlas is returned when the engine is built without atlas slices
	ErrInvalidAtlas = errors.New("atlas has no slices")

	// ErrInvalidThreshold is returned for thresholds outside (0, 1]
	ErrInvalidThreshold = errors.New("similarity threshold must be in (0, 1]")

	// ErrDimensionMismatch is returned when reduced-space coordinates differ in length
	ErrDimensionMismatch = errors.New("reduced-space dimension mismatch")

	// ErrNumericInstability is returned when a similarity exponent is not a number
	// or no exponent is finite
	ErrNumericInstability = errors.New("degenerate similarity normalization")
)

// Params holds the run-scoped similarity parameters
type Params struct {
	WeightCoord float64
	WeightLevel float64
	Threshold   float64
}

// Engine computes normalized similarities against a fixed atlas
type Engine struct {
	params Params
	atlas  []models.AtlasSlice

	// levels is false unless the atlas itself can be compared by level
	levels bool
}

// NewEngine creates an engine over the read-only atlas slices
func NewEngine(params Params, atlas []models.AtlasSlice) (*Engine, error) {
	if len(atlas) == 0 {
		return nil, ErrInvalidAtlas
	}
	if !(params.Threshold > 0 && params.Threshold <= 1) {
		return nil, fmt.Errorf("%w: got %g", ErrInvalidThreshold, params.Threshold)
	}
	dim := len(atlas[0].Coords)
	levels := true
	for j, a := range atlas {
		if len(a.Coords) != dim {
			return nil, fmt.Errorf("%w: atlas slice %d has %d coordinates, expected %d",
				ErrDimensionMismatch, j, len(a.Coords), dim)
		}
		if math.IsNaN(a.Level) {
			levels = false
		}
	}
	return &Engine{params: params, atlas: atlas, levels: levels}, nil
}

// Params returns the parameters the engine was built with
func (e *Engine) Params() Params {
	return e.params
}

// Scores returns the normalized similarity of the target to every atlas slice,
// in atlas order. The scores sum to one. Exponents are shifted by their
// maximum before exponentiation, so distant targets do not underflow.
func (e *Engine) Scores(coords []float64, level float64, hasLevel bool) ([]float64, error) {
	useLevel := hasLevel && e.levels
	exponents := make([]float64, len(e.atlas))
	top := math.Inf(-1)
	for j, a := range e.atlas {
		if len(a.Coords) != len(coords) {
			return nil, fmt.Errorf("%w: target has %d coordinates, atlas slice %d has %d",
				ErrDimensionMismatch, len(coords), j, len(a.Coords))
		}
		x := -e.params.WeightCoord * Distance(coords, a.Coords)
		if useLevel {
			x += -e.params.WeightLevel * math.Abs(level-a.Level)
		}
		if math.IsNaN(x) {
			return nil, fmt.Errorf("%w: exponent of atlas slice %d is NaN", ErrNumericInstability, j)
		}
		exponents[j] = x
		if x > top {
			top = x
		}
	}
	if math.IsInf(top, 0) {
		return nil, fmt.Errorf("%w: largest exponent is %g", ErrNumericInstability, top)
	}

	scores := make([]float64, len(exponents))
	sum := 0.0
	for j, x := range exponents {
		scores[j] = math.Exp(x - top)
		sum += scores[j]
	}
	for j := range scores {
		scores[j] /= sum
	}
	return scores, nil
}

// Select returns the indices of the scores reaching the threshold, in atlas order
func (e *Engine) Select(scores []float64) []int {
	return SelectAbove(scores, e.params.Threshold)
}

// Compute scores the target and selects the similar atlas slices
func (e *Engine) Compute(coords []float64, level float64, hasLevel bool) ([]int, []float64, error) {
	scores, err := e.Scores(coords, level, hasLevel)
	if err != nil {
		return nil, nil, err
	}
	return e.Select(scores), scores, nil
}

// SelectAbove returns the indices j with scores[j] >= threshold. The result
// is never nil so an empty selection is distinguishable from an error.
func SelectAbove(scores []float64, threshold float64) []int {
	selected := make([]int, 0)
	for j, s := range scores {
		if s >= threshold {
			selected = append(selected, j)
		}
	}
	return selected
}

// Best returns the index of the highest score, the lowest index on ties
func Best(scores []float64) int {
	best := -1
	for j, s := range scores {
		if best < 0 || s > scores[best] {
			best = j
		}
	}
	return best
}

// Distance is the euclidean norm of a-b accumulated in index order
func Distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

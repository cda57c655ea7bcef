package models

import (
	"testing"
)

func TestGridAccessors(t *testing.T) {
	g := NewGrid(3, 2)
	g.Set(2, 1, 4.5)

	if g.At(2, 1) != 4.5 {
		t.Errorf("Expected 4.5 at (2,1), got %f", g.At(2, 1))
	}
	if g.Data[5] != 4.5 {
		t.Errorf("Expected row-major storage, got %v", g.Data)
	}
	if g.Len() != 6 || g.Empty() {
		t.Errorf("Unexpected grid size %d", g.Len())
	}
	if err := g.Validate(); err != nil {
		t.Errorf("Valid grid rejected: %v", err)
	}

	clone := g.Clone()
	clone.Set(0, 0, 1)
	if g.At(0, 0) != 0 {
		t.Errorf("Clone shares data with original")
	}

	bad := Grid{Data: make([]float64, 5), Width: 3, Height: 2}
	if err := bad.Validate(); err == nil {
		t.Errorf("Expected error for mismatched grid data")
	}
}

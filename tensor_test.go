package main

import (
	"math"
	"testing"
)

func TestTensorAtSet(t *testing.T) {
	x := NewTensor(2, 3, 4)

	x.Set(7.5, 1, 2, 3)
	if got := x.At(1, 2, 3); got != 7.5 {
		t.Errorf("At(1,2,3) = %g, want 7.5", got)
	}
	if got := x.At(0, 0, 0); got != 0 {
		t.Errorf("At(0,0,0) = %g, want 0", got)
	}

	// Flat layout is row-major: (1,2,3) -> 1*12 + 2*4 + 3.
	if x.data[23] != 7.5 {
		t.Errorf("flat index 23 = %g, want 7.5", x.data[23])
	}
}

func TestTensorCloneIndependent(t *testing.T) {
	x := NewTensor(3, 3)
	fillWave(x, 0.4)

	y := x.Clone()
	y.data[0] = 99

	if x.data[0] == 99 {
		t.Error("mutating the clone changed the original")
	}
	if !shapeEqual(x.Shape(), y.Shape()) {
		t.Errorf("clone shape %v, want %v", y.Shape(), x.Shape())
	}
}

// TestTensorReshape: reshaping changes the shape but shares the backing
// data, so writes through one view are visible through the other.
func TestTensorReshape(t *testing.T) {
	x := NewTensor(2, 6)
	fillWave(x, 1.1)

	y := x.Reshape(3, 4)
	if !shapeEqual(y.Shape(), []int{3, 4}) {
		t.Fatalf("reshaped shape %v, want [3 4]", y.Shape())
	}

	y.Set(42, 2, 3) // last element of the shared data
	if got := x.At(1, 5); got != 42 {
		t.Errorf("write through reshape not visible in original: got %g", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("size-changing reshape did not panic")
		}
	}()
	x.Reshape(5, 5)
}

func TestTensorIsFinite(t *testing.T) {
	x := NewTensor(2, 2)
	if !x.IsFinite() {
		t.Error("zero tensor reported non-finite")
	}

	x.data[3] = math.Inf(1)
	if x.IsFinite() {
		t.Error("Inf not detected")
	}

	x.data[3] = math.NaN()
	if x.IsFinite() {
		t.Error("NaN not detected")
	}
}

func TestTensorShapeCopy(t *testing.T) {
	x := NewTensor(4, 5)
	s := x.Shape()
	s[0] = 100

	if x.shape[0] != 4 {
		t.Error("Shape() exposed the internal shape slice")
	}
}

package main

import "github.com/x448/float16"

// ===========================================================================
// WHAT'S GOING ON HERE: Half-Precision Tensors
// ===========================================================================
//
// The benchmark sweep runs the attention paths over a float16 dtype in
// addition to float64, mirroring the reduced-precision configurations
// the original kernel is benchmarked under. Go has no native half
// type and no half arithmetic, so the float16 lane is a storage format:
// inputs are quantized to IEEE 754 binary16 and widened back before the
// kernels run. That captures what the dtype actually changes at this
// boundary, which is input precision, and it is how the equivalence
// tests pick their looser reduced-precision tolerance.
//
// ===========================================================================

// TensorHalf stores tensor elements as IEEE 754 half-precision values.
type TensorHalf struct {
	data  []float16.Float16
	shape []int
}

// NewTensorHalf creates a half-precision tensor with the given shape,
// initialized to zero.
func NewTensorHalf(shape ...int) *TensorHalf {
	ref := NewTensor(shape...) // reuse shape validation
	return &TensorHalf{
		data:  make([]float16.Float16, len(ref.data)),
		shape: ref.shape,
	}
}

// FromTensor quantizes a float64 tensor into this half tensor.
// Values outside the float16 range become ±Inf, per IEEE semantics;
// nothing is clamped or masked.
func (t *TensorHalf) FromTensor(src *Tensor) {
	if !shapeEqual(t.shape, src.shape) {
		panic("tensor: half conversion requires matching shapes")
	}
	for i, v := range src.data {
		t.data[i] = float16.Fromfloat32(float32(v))
	}
}

// ToTensor widens this half tensor back to float64.
func (t *TensorHalf) ToTensor() *Tensor {
	out := NewTensor(t.shape...)
	for i, v := range t.data {
		out.data[i] = float64(v.Float32())
	}
	return out
}

// QuantizeHalf round-trips a tensor through float16, returning a new
// tensor carrying the precision loss. The benchmark harness applies this
// to attention inputs for its float16 lane.
func QuantizeHalf(src *Tensor) *Tensor {
	h := NewTensorHalf(src.shape...)
	h.FromTensor(src)
	return h.ToTensor()
}

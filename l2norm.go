package main

import "math"

// ===========================================================================
// WHAT'S GOING ON HERE: L2 Normalization
// ===========================================================================
//
// Cosine-similarity attention replaces raw dot-product scores with the
// cosine of the angle between query and key vectors:
//
//   score(q, k) = scale * (q / ||q||) · (k / ||k||)
//
// Normalizing to unit length is what bounds the score: |score| <= scale.
// The flash kernels in this package rely on that bound to skip the
// running-maximum bookkeeping that generic flash attention needs for
// numerical stability (see flash_forward.go).
//
// An epsilon is added to the norm so all-zero vectors normalize to zero
// instead of dividing by zero. Non-finite inputs are not masked: NaN in
// means NaN out, consistent with standard floating-point semantics.
//
// ===========================================================================

// l2NormEps floors the denominator when dividing by a vector's norm.
const l2NormEps = 1e-10

// L2Normalize divides each feature vector (last axis) by its L2 norm.
// The input tensor may have any rank >= 1; the result has the same
// shape. Pure function, the input is not modified.
func L2Normalize(t *Tensor) *Tensor {
	features := t.shape[len(t.shape)-1]
	out := NewTensor(t.shape...)

	for base := 0; base < len(t.data); base += features {
		row := t.data[base : base+features]

		sumSquares := 0.0
		for _, v := range row {
			sumSquares += v * v
		}
		norm := math.Sqrt(sumSquares) + l2NormEps

		for j, v := range row {
			out.data[base+j] = v / norm
		}
	}

	return out
}

// L2NormBackward computes the gradient of L2Normalize.
//
// Given:
//   - y = x / (||x|| + eps)
//   - gradY = ∂L/∂y
//
// Compute:
//   - gradX = ∂L/∂x = (gradY - (gradY · y) * y) / (||x|| + eps)
//
// Derivation: the Jacobian of x -> x/||x|| is (I - ŷŷᵀ)/||x||, the
// projection onto the tangent space of the unit sphere scaled by the
// inverse norm. Components of gradY along y itself cannot change a
// unit vector's direction, so they are removed.
//
// x must be the original (un-normalized) input that produced y.
func L2NormBackward(x, gradY *Tensor) *Tensor {
	if !shapeEqual(x.shape, gradY.shape) {
		panic("l2norm: gradient shape must match input shape")
	}

	features := x.shape[len(x.shape)-1]
	gradX := NewTensor(x.shape...)

	for base := 0; base < len(x.data); base += features {
		row := x.data[base : base+features]
		gRow := gradY.data[base : base+features]

		sumSquares := 0.0
		for _, v := range row {
			sumSquares += v * v
		}
		norm := math.Sqrt(sumSquares) + l2NormEps

		// gradY · y where y = x / norm
		dot := 0.0
		for j, v := range row {
			dot += gRow[j] * v / norm
		}

		for j, v := range row {
			y := v / norm
			gradX.data[base+j] = (gRow[j] - dot*y) / norm
		}
	}

	return gradX
}

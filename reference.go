package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Reference Cosine-Similarity Attention
// ===========================================================================
//
// The full-materialization baseline. Per (batch, head) it builds the
// complete qLen × kvLen score matrix as a dense gonum matrix, applies
// the causal mask as a large negative additive bias, takes a row-wise
// softmax, and contracts with the values. No tiling and no memory bound:
// working memory grows with the square of the sequence length, which is
// exactly the failure mode the flash kernels exist to avoid. The
// benchmark harness leans on that asymmetry, expecting this path to
// exhaust the working-set limit at sequence lengths the fused path
// handles comfortably.
//
// The softmax here keeps the generic max-subtraction step even though
// bounded cosine scores don't need it. The reference should be the
// obviously-correct textbook computation, not a second copy of the
// kernel's cleverness; the equivalence tests confirm the two routes
// agree within floating-point tolerance.
//
// ===========================================================================

// causalBias is the additive mask value for future positions. Large
// enough to zero out masked weights after softmax, small enough not to
// produce NaN through inf-inf in row-max bookkeeping.
const causalBias = -1e9

// ReferenceAttention computes cosine-similarity attention by
// materializing the full score matrix. Accepts raw (un-normalized)
// query and key projections, same shape contract as the fused path.
func ReferenceAttention(q, k, v *Tensor, causal bool, scale float64) (*Tensor, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("%w: scale must be positive, got %g", ErrInvalidConfig, scale)
	}
	batch, heads, qLen, kvLen, dim, err := checkAttentionShapes(q, k, v, causal)
	if err != nil {
		return nil, err
	}

	// One full score matrix at a time, plus the output.
	estimate := 8 * (int64(qLen)*int64(kvLen) + int64(batch*heads*qLen*dim))
	if err := GetGlobalComputeConfig().checkWorkingSet(estimate); err != nil {
		return nil, err
	}

	normQ := L2Normalize(q)
	normK := L2Normalize(k)
	out := NewTensor(batch, heads, qLen, dim)

	scores := mat.NewDense(qLen, kvLen, nil)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qh, kh, vh := headViews(normQ, normK, v, b, h)

			scores.Mul(qh, kh.T())
			scores.Scale(scale, scores)
			maskAndSoftmax(scores, causal)

			oh := headView(out, b, h)
			oh.Mul(scores, vh)
		}
	}

	return out, nil
}

// ReferenceAttentionBackward differentiates the materialized computation
// analytically: through the value contraction, the softmax Jacobian, the
// scaled score matmul, and the L2 normalization. It exists to validate
// the fused backward kernel, which reaches the same mathematical
// gradient by a different numerical route.
func ReferenceAttentionBackward(q, k, v *Tensor, causal bool, scale float64, gradOut *Tensor) (gradQ, gradK, gradV *Tensor, err error) {
	if scale <= 0 {
		return nil, nil, nil, fmt.Errorf("%w: scale must be positive, got %g", ErrInvalidConfig, scale)
	}
	batch, heads, qLen, kvLen, dim, err := checkAttentionShapes(q, k, v, causal)
	if err != nil {
		return nil, nil, nil, err
	}
	if !shapeEqual(gradOut.shape, q.shape) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient shape %v, expected %v", ErrShapeMismatch, gradOut.shape, q.shape)
	}

	estimate := 8 * (3*int64(qLen)*int64(kvLen) + 2*int64(q.Size()) + 2*int64(k.Size()))
	if err := GetGlobalComputeConfig().checkWorkingSet(estimate); err != nil {
		return nil, nil, nil, err
	}

	normQ := L2Normalize(q)
	normK := L2Normalize(k)

	gradNormQ := NewTensor(batch, heads, qLen, dim)
	gradNormK := NewTensor(batch, heads, kvLen, dim)
	gradV = NewTensor(batch, heads, kvLen, dim)

	weights := mat.NewDense(qLen, kvLen, nil)
	gradWeights := mat.NewDense(qLen, kvLen, nil)
	gradScores := mat.NewDense(qLen, kvLen, nil)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			qh, kh, vh := headViews(normQ, normK, v, b, h)
			doh := headView(gradOut, b, h)

			// Recompute the attention weights P.
			weights.Mul(qh, kh.T())
			weights.Scale(scale, weights)
			maskAndSoftmax(weights, causal)

			// ∂L/∂V = Pᵀ @ gradOut
			gvh := headView(gradV, b, h)
			gvh.Mul(weights.T(), doh)

			// ∂L/∂P = gradOut @ Vᵀ
			gradWeights.Mul(doh, vh.T())

			// Softmax Jacobian, row by row:
			//   ∂L/∂S_ij = P_ij (∂L/∂P_ij - Σ_x P_ix ∂L/∂P_ix)
			// then the score scale factors in.
			for i := 0; i < qLen; i++ {
				pRow := weights.RawRowView(i)
				gpRow := gradWeights.RawRowView(i)

				rowDot := 0.0
				for j := 0; j < kvLen; j++ {
					rowDot += pRow[j] * gpRow[j]
				}
				for j := 0; j < kvLen; j++ {
					gradScores.Set(i, j, scale*pRow[j]*(gpRow[j]-rowDot))
				}
			}

			// ∂L/∂Q̂ = ∂L/∂S @ K̂ and ∂L/∂K̂ = ∂L/∂Sᵀ @ Q̂.
			gqh := headView(gradNormQ, b, h)
			gqh.Mul(gradScores, kh)
			gkh := headView(gradNormK, b, h)
			gkh.Mul(gradScores.T(), qh)
		}
	}

	gradQ = L2NormBackward(q, gradNormQ)
	gradK = L2NormBackward(k, gradNormK)
	return gradQ, gradK, gradV, nil
}

// headView wraps one (batch, head) slab of a 4D tensor as a gonum dense
// matrix sharing the tensor's backing array.
func headView(t *Tensor, batch, head int) *mat.Dense {
	heads, seq, dim := t.shape[1], t.shape[2], t.shape[3]
	off := (batch*heads + head) * seq * dim
	return mat.NewDense(seq, dim, t.data[off:off+seq*dim])
}

func headViews(q, k, v *Tensor, batch, head int) (qh, kh, vh *mat.Dense) {
	return headView(q, batch, head), headView(k, batch, head), headView(v, batch, head)
}

// maskAndSoftmax applies the additive causal bias and a numerically
// stable row softmax to a score matrix, in place.
func maskAndSoftmax(scores *mat.Dense, causal bool) {
	rows, cols := scores.Dims()

	for i := 0; i < rows; i++ {
		row := scores.RawRowView(i)

		if causal {
			for j := i + 1; j < cols; j++ {
				row[j] += causalBias
			}
		}

		maxVal := math.Inf(-1)
		for _, s := range row {
			if s > maxVal {
				maxVal = s
			}
		}

		sum := 0.0
		for j, s := range row {
			e := math.Exp(s - maxVal)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

package main

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Flash Cosine-Similarity Attention (backward)
// ===========================================================================
//
// The forward kernel deliberately throws the attention weights away and
// keeps only the per-row denominator sums. Backward therefore recomputes
// the exponentiated scores tile by tile, exactly as forward did, and
// divides by the saved sums to recover the realized weights just in
// time:
//
//   w_ij = exp(scale * q̂_i · k̂_j) / sums_i
//
// This recompute-instead-of-store tradeoff is the whole point: backward
// performs O(n²) extra score work in exchange for never holding an n×n
// matrix. The sums must be the exact values forward produced. Rebuilding
// them here would take a different numerical route and skew gradients,
// which is why they travel as an explicit handle (see attention.go)
// rather than being recomputed.
//
// Gradient identities (standard softmax-attention backward, with the
// cosine scores already bounded so no max-shift terms appear):
//
//   out_i   = Σ_j w_ij v_j
//   ∂L/∂v_j = Σ_i w_ij gradOut_i                      (transposed contraction)
//   delta_i = Σ_j w_ij (gradOut_i · v_j)              (row-wise expectation)
//   ∂L/∂s_ij = w_ij ((gradOut_i · v_j) - delta_i)     (softmax identity)
//   ∂L/∂q̂_i = scale * Σ_j ∂L/∂s_ij k̂_j
//   ∂L/∂k̂_j = scale * Σ_i ∂L/∂s_ij q̂_i
//
// Accumulation runs in two tiled passes with opposite directions,
// because query gradients sum over key tiles while key/value gradients
// sum over query tiles:
//
//   Pass A: parallel over (batch, head, query-tile)  -> delta, gradQ
//   Pass B: parallel over (batch, head, key-tile)    -> gradK, gradV
//
// Each pass writes disjoint regions, so no locking. Causal mode skips
// the identical tile pairs forward skipped; those pairs contributed
// nothing forward and must contribute nothing here.
//
// ===========================================================================

// FlashBackward computes gradients for FlashForward.
//
// Inputs mirror the forward call: pre-normalized q and k, v, the
// statistics tensor returned by forward (shape (batch, heads, qLen),
// unmodified), and the gradient of the loss with respect to the forward
// output. Returned gradients are with respect to the normalized q and k
// and to v, with matching shapes.
func FlashBackward(q, k, v, rowSums, gradOut *Tensor, cfg FlashConfig) (gradQ, gradK, gradV *Tensor, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	batch, heads, qLen, kvLen, dim, err := checkAttentionShapes(q, k, v, cfg.Causal)
	if err != nil {
		return nil, nil, nil, err
	}
	if !shapeEqual(rowSums.shape, []int{batch, heads, qLen}) {
		return nil, nil, nil, fmt.Errorf("%w: statistics shape %v, query shape %v", ErrStatsMismatch, rowSums.shape, q.shape)
	}
	if !shapeEqual(gradOut.shape, q.shape) {
		return nil, nil, nil, fmt.Errorf("%w: output gradient shape %v, expected %v", ErrShapeMismatch, gradOut.shape, q.shape)
	}

	compute := GetGlobalComputeConfig()

	// Gradients plus the O(qLen) delta buffer; per-tile work is all
	// inline arithmetic, so this is the entire transient footprint.
	estimate := 8 * (2*int64(q.Size()) + 2*int64(k.Size()) + int64(rowSums.Size()))
	if err := compute.checkWorkingSet(estimate); err != nil {
		return nil, nil, nil, err
	}

	gradQ = NewTensor(batch, heads, qLen, dim)
	gradK = NewTensor(batch, heads, kvLen, dim)
	gradV = NewTensor(batch, heads, kvLen, dim)
	delta := NewTensor(batch, heads, qLen)

	workers := compute.numWorkers()

	// Pass A: delta and query gradients, tiled over query rows.
	var g errgroup.Group
	g.SetLimit(workers)
	numRowTiles := (qLen + cfg.RowTile - 1) / cfg.RowTile
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < numRowTiles; t++ {
				b, h, t := b, h, t
				g.Go(func() error {
					backwardQueryTile(q, k, v, rowSums, gradOut, gradQ, delta, b, h, t, kvLen, dim, cfg)
					return nil
				})
			}
		}
	}
	_ = g.Wait()

	// Pass B: key and value gradients, tiled over key columns. Reads the
	// delta produced by pass A, which is complete by now.
	var g2 errgroup.Group
	g2.SetLimit(workers)
	numColTiles := (kvLen + cfg.ColTile - 1) / cfg.ColTile
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < numColTiles; t++ {
				b, h, t := b, h, t
				g2.Go(func() error {
					backwardKeyTile(q, k, v, rowSums, gradOut, gradK, gradV, delta, b, h, t, kvLen, dim, cfg)
					return nil
				})
			}
		}
	}
	_ = g2.Wait()

	return gradQ, gradK, gradV, nil
}

// backwardQueryTile computes delta and gradQ rows for one query tile.
// Two sequential sweeps over the key tiles: the first completes delta
// for every row in the tile (the score gradient needs the full row-wise
// expectation before any per-key term can be formed), the second forms
// score gradients and contracts them with the keys.
func backwardQueryTile(q, k, v, rowSums, gradOut, gradQ, delta *Tensor, batch, head, tile, kvLen, dim int, cfg FlashConfig) {
	qLen := q.shape[2]
	heads := q.shape[1]

	iStart := tile * cfg.RowTile
	iEnd := min(iStart+cfg.RowTile, qLen)

	qBase := (batch*heads + head) * qLen * dim
	kvBase := (batch*heads + head) * kvLen * dim
	sumBase := (batch*heads + head) * qLen

	// Sweep 1: delta_i = Σ_j w_ij (gradOut_i · v_j)
	for i := iStart; i < iEnd; i++ {
		qRow := q.data[qBase+i*dim : qBase+(i+1)*dim]
		goRow := gradOut.data[qBase+i*dim : qBase+(i+1)*dim]

		denom := rowSums.data[sumBase+i]
		if denom < denomEps {
			denom = denomEps
		}

		jLimit := kvLen
		if cfg.Causal {
			jLimit = i + 1
		}

		d := 0.0
		for j := 0; j < jLimit; j++ {
			kRow := k.data[kvBase+j*dim : kvBase+(j+1)*dim]
			vRow := v.data[kvBase+j*dim : kvBase+(j+1)*dim]

			score, dov := 0.0, 0.0
			for x := 0; x < dim; x++ {
				score += qRow[x] * kRow[x]
				dov += goRow[x] * vRow[x]
			}
			d += math.Exp(cfg.Scale*score) / denom * dov
		}
		delta.data[sumBase+i] = d
	}

	// Sweep 2: gradQ_i = scale * Σ_j w_ij ((gradOut_i · v_j) - delta_i) k_j
	for i := iStart; i < iEnd; i++ {
		qRow := q.data[qBase+i*dim : qBase+(i+1)*dim]
		goRow := gradOut.data[qBase+i*dim : qBase+(i+1)*dim]
		gqRow := gradQ.data[qBase+i*dim : qBase+(i+1)*dim]
		di := delta.data[sumBase+i]

		denom := rowSums.data[sumBase+i]
		if denom < denomEps {
			denom = denomEps
		}

		jLimit := kvLen
		if cfg.Causal {
			jLimit = i + 1
		}

		for j := 0; j < jLimit; j++ {
			kRow := k.data[kvBase+j*dim : kvBase+(j+1)*dim]
			vRow := v.data[kvBase+j*dim : kvBase+(j+1)*dim]

			score, dov := 0.0, 0.0
			for x := 0; x < dim; x++ {
				score += qRow[x] * kRow[x]
				dov += goRow[x] * vRow[x]
			}
			w := math.Exp(cfg.Scale*score) / denom
			gs := cfg.Scale * w * (dov - di)

			for x := 0; x < dim; x++ {
				gqRow[x] += gs * kRow[x]
			}
		}
	}
}

// backwardKeyTile computes gradK and gradV rows for one key tile,
// accumulating over all query rows that can see it. In causal mode rows
// before the tile's first key position see none of it and are skipped.
func backwardKeyTile(q, k, v, rowSums, gradOut, gradK, gradV, delta *Tensor, batch, head, tile, kvLen, dim int, cfg FlashConfig) {
	qLen := q.shape[2]
	heads := q.shape[1]

	jStart := tile * cfg.ColTile
	jEnd := min(jStart+cfg.ColTile, kvLen)

	qBase := (batch*heads + head) * qLen * dim
	kvBase := (batch*heads + head) * kvLen * dim
	sumBase := (batch*heads + head) * qLen

	iFirst := 0
	if cfg.Causal {
		iFirst = jStart
	}

	for i := iFirst; i < qLen; i++ {
		qRow := q.data[qBase+i*dim : qBase+(i+1)*dim]
		goRow := gradOut.data[qBase+i*dim : qBase+(i+1)*dim]
		di := delta.data[sumBase+i]

		denom := rowSums.data[sumBase+i]
		if denom < denomEps {
			denom = denomEps
		}

		jLimit := jEnd
		if cfg.Causal && i+1 < jEnd {
			jLimit = i + 1
		}

		for j := jStart; j < jLimit; j++ {
			kRow := k.data[kvBase+j*dim : kvBase+(j+1)*dim]
			vRow := v.data[kvBase+j*dim : kvBase+(j+1)*dim]
			gkRow := gradK.data[kvBase+j*dim : kvBase+(j+1)*dim]
			gvRow := gradV.data[kvBase+j*dim : kvBase+(j+1)*dim]

			score, dov := 0.0, 0.0
			for x := 0; x < dim; x++ {
				score += qRow[x] * kRow[x]
				dov += goRow[x] * vRow[x]
			}
			w := math.Exp(cfg.Scale*score) / denom
			gs := cfg.Scale * w * (dov - di)

			for x := 0; x < dim; x++ {
				gvRow[x] += w * goRow[x]
				gkRow[x] += gs * qRow[x]
			}
		}
	}
}

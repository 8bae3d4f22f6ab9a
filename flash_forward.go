package main

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Flash Cosine-Similarity Attention (forward)
// ===========================================================================
//
// This file implements the tiled forward kernel for cosine-similarity
// attention. Inputs are L2-normalized queries and keys, so every score is
// bounded:
//
//   |score| = |scale * q̂ · k̂| <= scale
//
// Generic flash attention must track a running row maximum and rescale
// its accumulators whenever the maximum moves, because raw dot products
// are unbounded and exp() would overflow. With cosine similarity the
// bound is known at configuration time, so exp(score) is at most
// exp(scale) and the entire online-max recurrence disappears. The tile
// loop degenerates to plain accumulation:
//
//   for each key/value tile:
//     e      = exp(scale * Q_tile @ K_tileᵀ)    (masked entries: 0)
//     acc   += e @ V_tile
//     sums  += row sums of e
//   out = acc / sums
//
// That is both the speedup and the stability argument. Validate()
// enforces the precondition: a scale large enough for exp(scale) to
// overflow float64 is rejected up front rather than silently producing
// +Inf mid-kernel.
//
// The raw (pre-division) row sums are returned alongside the output.
// They are the "running statistics" the backward kernel divides by when
// it recomputes attention weights tile by tile, and they must be reused
// verbatim: recomputing them on the backward side would take a different
// numerical route and perturb gradients.
//
// Memory: each task touches one output accumulator (rowTile × dim) and
// one denominator accumulator (rowTile), independent of total sequence
// length. The full score matrix is never materialized. Compare
// reference.go, which exists precisely to demonstrate the opposite.
//
// Parallelism: tasks are (batch, head, query-tile) triples with disjoint
// output regions, fanned out on an errgroup bounded by the compute
// config. Within a task the key-tile loop is sequential: each step
// mutates accumulators the next step reads.
//
// ===========================================================================

// maxStableScale is the largest similarity scale accepted by Validate.
// exp(710) overflows float64; anything this large is a configuration
// error, not a workload.
const maxStableScale = 700.0

// denomEps floors the denominator when dividing accumulated values by
// the row sum. With bounded scores every unmasked row sum is at least
// exp(-scale) > 0; the floor only matters for fully-masked rows.
const denomEps = 1e-10

// FlashConfig holds the tunable parameters of the fused kernels.
//
// Tile sizes shape resource usage, not results: any positive tile sizes
// produce the same output within floating-point tolerance (covered by
// TestFlashForwardTileInvariance).
type FlashConfig struct {
	// RowTile is the number of query positions per tile.
	RowTile int

	// ColTile is the number of key/value positions per tile.
	ColTile int

	// Scale is the temperature applied to cosine-similarity scores.
	// Must be in (0, maxStableScale].
	Scale float64

	// Causal restricts each query position to key positions <= it.
	Causal bool
}

// DefaultFlashConfig returns the default kernel configuration: 64x64
// tiles and the cosine-similarity temperature the original kernel ships
// with. Attention entropy is controlled by the scale, not by head
// dimension, so there is no 1/sqrt(d) here.
func DefaultFlashConfig() FlashConfig {
	return FlashConfig{
		RowTile: 64,
		ColTile: 64,
		Scale:   10.0,
		Causal:  false,
	}
}

// Validate checks the configuration, returning an ErrInvalidConfig wrap
// describing the first problem found.
func (c FlashConfig) Validate() error {
	if c.RowTile <= 0 {
		return fmt.Errorf("%w: row tile must be positive, got %d", ErrInvalidConfig, c.RowTile)
	}
	if c.ColTile <= 0 {
		return fmt.Errorf("%w: column tile must be positive, got %d", ErrInvalidConfig, c.ColTile)
	}
	if c.Scale <= 0 {
		return fmt.Errorf("%w: scale must be positive, got %g", ErrInvalidConfig, c.Scale)
	}
	if c.Scale > maxStableScale {
		// The no-running-max recurrence is only stable while exp(scale)
		// stays finite.
		return fmt.Errorf("%w: scale %g exceeds stable maximum %g", ErrInvalidConfig, c.Scale, maxStableScale)
	}
	return nil
}

// checkAttentionShapes validates the shared shape contract of the
// forward, backward, and reference paths and extracts the dimensions.
func checkAttentionShapes(q, k, v *Tensor, causal bool) (batch, heads, qLen, kvLen, dim int, err error) {
	if q.Dims() != 4 || k.Dims() != 4 || v.Dims() != 4 {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: tensors must be 4D (batch, heads, seq, features), got q=%v k=%v v=%v",
			ErrShapeMismatch, q.shape, k.shape, v.shape)
	}

	batch, heads, qLen, dim = q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	kvLen = k.shape[2]

	if k.shape[0] != batch || k.shape[1] != heads || k.shape[3] != dim {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: key shape %v incompatible with query shape %v", ErrShapeMismatch, k.shape, q.shape)
	}
	if !shapeEqual(k.shape, v.shape) {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: value shape %v must match key shape %v", ErrShapeMismatch, v.shape, k.shape)
	}
	if causal && qLen != kvLen {
		return 0, 0, 0, 0, 0, fmt.Errorf("%w: query length %d, key length %d", ErrCausalLength, qLen, kvLen)
	}

	return batch, heads, qLen, kvLen, dim, nil
}

// FlashForward computes cosine-similarity attention over pre-normalized
// query and key tensors, in tiles, without materializing the score
// matrix.
//
// Inputs:
//   - q: (batch, heads, qLen, dim), rows L2-normalized
//   - k, v: (batch, heads, kvLen, dim), k rows L2-normalized
//
// Returns the attention output (same shape as q with v's features) and
// the running statistics: one raw pre-division denominator per
// (batch, head, query position), shape (batch, heads, qLen). The
// statistics must be passed unmodified to FlashBackward.
//
// Callers with raw projections should use FlashCosineSimAttention or
// AttentionOp, which normalize first.
func FlashForward(q, k, v *Tensor, cfg FlashConfig) (*Tensor, *Tensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	batch, heads, qLen, kvLen, dim, err := checkAttentionShapes(q, k, v, cfg.Causal)
	if err != nil {
		return nil, nil, err
	}

	compute := GetGlobalComputeConfig()
	workers := compute.numWorkers()

	// Transient working set: output, statistics, and per-worker tile
	// accumulators. Notably independent of kvLen.
	rowTile := min(cfg.RowTile, qLen)
	estimate := 8 * (int64(batch*heads*qLen*dim) + int64(batch*heads*qLen) +
		int64(workers)*int64(rowTile*(dim+1)))
	if err := compute.checkWorkingSet(estimate); err != nil {
		return nil, nil, err
	}

	out := NewTensor(batch, heads, qLen, dim)
	sums := NewTensor(batch, heads, qLen)

	var g errgroup.Group
	g.SetLimit(workers)

	numRowTiles := (qLen + cfg.RowTile - 1) / cfg.RowTile
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for t := 0; t < numRowTiles; t++ {
				b, h, t := b, h, t
				g.Go(func() error {
					forwardRowTile(q, k, v, out, sums, b, h, t, kvLen, dim, cfg)
					return nil
				})
			}
		}
	}
	_ = g.Wait() // tasks never error; all validation happens up front

	return out, sums, nil
}

// forwardRowTile accumulates attention output for one query tile of one
// (batch, head) pair. This is the sequential inner recurrence: each
// key-tile step mutates acc and rowSums, which the next step reads.
func forwardRowTile(q, k, v, out, sums *Tensor, batch, head, tile, kvLen, dim int, cfg FlashConfig) {
	qLen := q.shape[2]
	heads := q.shape[1]

	iStart := tile * cfg.RowTile
	iEnd := min(iStart+cfg.RowTile, qLen)
	rows := iEnd - iStart

	// Base offsets of this (batch, head) slab in the flat data.
	qBase := (batch*heads + head) * qLen * dim
	kvBase := (batch*heads + head) * kvLen * dim
	sumBase := (batch*heads + head) * qLen

	acc := getScratch(rows * dim)
	rowSums := getScratch(rows)
	defer putScratch(acc)
	defer putScratch(rowSums)

	for jStart := 0; jStart < kvLen; jStart += cfg.ColTile {
		// Key tiles are visited in increasing position order, so once a
		// tile starts past the last query position of this row tile, no
		// later tile can be visible either.
		if cfg.Causal && jStart > iEnd-1 {
			break
		}
		jEnd := min(jStart+cfg.ColTile, kvLen)

		for i := 0; i < rows; i++ {
			qPos := iStart + i
			qRow := q.data[qBase+qPos*dim : qBase+(qPos+1)*dim]
			accRow := acc[i*dim : (i+1)*dim]

			jLimit := jEnd
			if cfg.Causal && qPos+1 < jEnd {
				// Tile straddles the causal boundary: key positions past
				// the query position contribute exponentiated-zero, i.e.
				// nothing, to both accumulators.
				jLimit = qPos + 1
			}

			for j := jStart; j < jLimit; j++ {
				kRow := k.data[kvBase+j*dim : kvBase+(j+1)*dim]

				score := 0.0
				for d := 0; d < dim; d++ {
					score += qRow[d] * kRow[d]
				}

				// Bounded by construction: |score| <= 1, so the exponent
				// lives in [-scale, scale]. No max subtraction needed.
				e := math.Exp(cfg.Scale * score)
				rowSums[i] += e

				vRow := v.data[kvBase+j*dim : kvBase+(j+1)*dim]
				for d := 0; d < dim; d++ {
					accRow[d] += e * vRow[d]
				}
			}
		}
	}

	// Final division, retaining the raw denominators as statistics.
	for i := 0; i < rows; i++ {
		qPos := iStart + i
		denom := rowSums[i]
		sums.data[sumBase+qPos] = denom

		outRow := out.data[qBase+qPos*dim : qBase+(qPos+1)*dim]

		// A row that attended to a single key (key 0 in every such case)
		// is exactly its value row: (e*v)/e rounds, a copy does not.
		if kvLen == 1 || (cfg.Causal && qPos == 0) {
			copy(outRow, v.data[kvBase:kvBase+dim])
			continue
		}

		if denom < denomEps {
			denom = denomEps
		}
		for d := 0; d < dim; d++ {
			outRow[d] = acc[i*dim+d] / denom
		}
	}
}

// FlashCosineSimAttention is the inference-only entry point: it
// L2-normalizes the raw query and key projections, runs the fused
// forward kernel with default tiling, and discards the statistics.
// For training use AttentionOp, which retains what backward needs.
func FlashCosineSimAttention(q, k, v *Tensor, causal bool, scale float64) (*Tensor, error) {
	cfg := DefaultFlashConfig()
	cfg.Causal = causal
	cfg.Scale = scale

	out, _, err := FlashForward(L2Normalize(q), L2Normalize(k), v, cfg)
	return out, err
}

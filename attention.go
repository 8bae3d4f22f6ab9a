package main

// ===========================================================================
// WHAT'S GOING ON HERE: The Differentiable Bridge
// ===========================================================================
//
// AttentionOp couples the forward and backward kernels into a single
// differentiable operation and owns the contract between them: forward
// persists the running statistics (one scalar per query row, O(n) per
// batch/head) plus the normalized inputs, and nothing else. No output
// copy, no score matrix. Backward recomputes the O(n²) attention weights
// from that state.
//
// The statistics are deliberately an opaque, private field rather than a
// value callers pass around. Backward with statistics from a different
// forward call would silently produce wrong gradients, so the op makes
// the misuse unrepresentable: Backward only ever sees the state of the
// most recent Forward on the same op, errors when there is none, and
// consumes the state so it cannot be reused.
//
// Gradients returned by Backward are with respect to the caller's raw
// (un-normalized) query and key projections: the kernel's gradients are
// chained through L2NormBackward here, so the op is a drop-in layer.
//
// ===========================================================================

// AttentionOp is a differentiable cosine-similarity attention operation.
// Forward must precede Backward; each forward state supports exactly one
// backward. Not safe for concurrent use.
type AttentionOp struct {
	cfg FlashConfig

	// Saved between forward and backward. rawQ/rawK are retained for the
	// normalization backward; normQ/normK feed the kernel recompute;
	// rowSums are the forward statistics, reused verbatim.
	rawQ, rawK   *Tensor
	normQ, normK *Tensor
	savedV       *Tensor
	rowSums      *Tensor
}

// NewAttentionOp creates an op with the given kernel configuration.
func NewAttentionOp(cfg FlashConfig) (*AttentionOp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AttentionOp{cfg: cfg}, nil
}

// Forward normalizes q and k, runs the fused forward kernel, and retains
// the state backward needs. Any state from a previous forward is
// discarded.
func (op *AttentionOp) Forward(q, k, v *Tensor) (*Tensor, error) {
	op.reset()

	normQ := L2Normalize(q)
	normK := L2Normalize(k)

	out, sums, err := FlashForward(normQ, normK, v, op.cfg)
	if err != nil {
		return nil, err
	}

	op.rawQ, op.rawK = q, k
	op.normQ, op.normK = normQ, normK
	op.savedV = v
	op.rowSums = sums

	return out, nil
}

// Backward consumes the state of the most recent Forward and returns
// gradients with respect to the raw query, key, and value tensors.
// Returns ErrNoForward when no forward state is live.
func (op *AttentionOp) Backward(gradOut *Tensor) (gradQ, gradK, gradV *Tensor, err error) {
	if op.rowSums == nil {
		return nil, nil, nil, ErrNoForward
	}

	normGradQ, normGradK, gradV, err := FlashBackward(op.normQ, op.normK, op.savedV, op.rowSums, gradOut, op.cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Chain through the normalization so gradients refer to the raw
	// projections the caller handed to Forward.
	gradQ = L2NormBackward(op.rawQ, normGradQ)
	gradK = L2NormBackward(op.rawK, normGradK)

	op.reset()
	return gradQ, gradK, gradV, nil
}

// reset drops all saved forward state.
func (op *AttentionOp) reset() {
	op.rawQ, op.rawK = nil, nil
	op.normQ, op.normK = nil, nil
	op.savedV = nil
	op.rowSums = nil
}

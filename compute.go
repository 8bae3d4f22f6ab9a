package main

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Compute and Resource Configuration
// ===========================================================================
//
// Two knobs live here:
//
//  1. MaxWorkers bounds the goroutine fan-out of the attention kernels.
//     Tasks (one per batch/head/tile) are embarrassingly parallel, so the
//     only scheduling decision is how many run at once.
//
//  2. WorkingSetLimitBytes is a soft cap on the transient memory a single
//     call may allocate. Go cannot recover from a true out-of-memory kill,
//     so callers that want the "reference OOMs, fused path survives"
//     behavior (the benchmark harness does) set a limit and the kernels
//     check their working-set estimate against it before allocating,
//     returning ErrResourceExhausted instead of dying. Zero means no limit.
//
// The fused kernels' working set is bounded by tile size times feature
// width regardless of sequence length; the reference path's grows with
// the square of the sequence length. The limit is what makes that
// difference observable in tests and benchmarks.
//
// ===========================================================================

// ComputeConfig controls parallelism and the per-call memory budget.
type ComputeConfig struct {
	// MaxWorkers is the maximum number of concurrent kernel tasks.
	// Zero or negative means runtime.NumCPU().
	MaxWorkers int

	// WorkingSetLimitBytes caps the transient allocation of a single
	// forward, backward, or reference call. Zero means unlimited.
	WorkingSetLimitBytes int64
}

// DefaultComputeConfig returns the default configuration: one worker per
// CPU and no working-set limit.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		MaxWorkers:           runtime.NumCPU(),
		WorkingSetLimitBytes: 0,
	}
}

// SingleThreadedConfig returns a configuration that disables parallelism.
// Useful for deterministic profiling and for debugging kernel changes.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{MaxWorkers: 1}
}

func (c ComputeConfig) numWorkers() int {
	if c.MaxWorkers <= 0 {
		return runtime.NumCPU()
	}
	return c.MaxWorkers
}

// checkWorkingSet validates an estimated transient allocation against the
// configured limit.
func (c ComputeConfig) checkWorkingSet(bytes int64) error {
	if c.WorkingSetLimitBytes > 0 && bytes > c.WorkingSetLimitBytes {
		return fmt.Errorf("%w: need %d bytes, limit %d", ErrResourceExhausted, bytes, c.WorkingSetLimitBytes)
	}
	return nil
}

var (
	globalComputeConfig   = DefaultComputeConfig()
	globalComputeConfigMu sync.RWMutex
)

// SetGlobalComputeConfig replaces the process-wide compute configuration.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfigMu.Lock()
	defer globalComputeConfigMu.Unlock()
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current process-wide configuration.
func GetGlobalComputeConfig() ComputeConfig {
	globalComputeConfigMu.RLock()
	defer globalComputeConfigMu.RUnlock()
	return globalComputeConfig
}

// MatMul performs 2D matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// Rows are distributed across workers when M is large enough for the
// goroutine overhead to pay off. Workers write disjoint output rows, so
// no synchronization is needed beyond the group wait.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k != k2 {
		panic(fmt.Sprintf("tensor: cannot multiply (%d,%d) by (%d,%d)", m, k, k2, n))
	}

	out := NewTensor(m, n)
	workers := GetGlobalComputeConfig().numWorkers()

	// Sequential path for small matrices: goroutine overhead dominates.
	if workers == 1 || m < 2*workers {
		matmulRows(a, b, out, 0, m, n, k)
		return out
	}

	var g errgroup.Group
	g.SetLimit(workers)

	rowsPerWorker := (m + workers - 1) / workers
	for start := 0; start < m; start += rowsPerWorker {
		start := start
		end := min(start+rowsPerWorker, m)
		g.Go(func() error {
			matmulRows(a, b, out, start, end, n, k)
			return nil
		})
	}
	_ = g.Wait() // workers never error

	return out
}

// matmulRows computes output rows [start, end) of C = A @ B.
func matmulRows(a, b, out *Tensor, start, end, n, k int) {
	for i := start; i < end; i++ {
		aRow := a.data[i*k : (i+1)*k]
		outRow := out.data[i*n : (i+1)*n]
		for kk, av := range aRow {
			if av == 0 {
				continue
			}
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bv := range bRow {
				outRow[j] += av * bv
			}
		}
	}
}

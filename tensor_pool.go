package main

import "sync"

// ===========================================================================
// WHAT'S GOING ON HERE: Tile Scratch Pool
// ===========================================================================
//
// The forward kernel allocates small per-tile buffers on every task: an
// output accumulator (rowTile × features) and a denominator accumulator
// (rowTile). These are the only steady-state allocations in a kernel
// call, and they are all the same handful of sizes, which makes them
// ideal sync.Pool citizens.
//
// Pooling them keeps the GC out of the inner loop during benchmark
// sweeps and training-style workloads that call the kernel thousands of
// times with identical shapes.
//
// Buffers come back zeroed from Get so kernels can accumulate into them
// directly. sync.Pool may drop buffers under memory pressure, which is
// fine: the pool is an optimization, never a correctness dependency.
//
// ===========================================================================

// scratchPool hands out zeroed float64 scratch slices, keyed by exact
// length. Safe for concurrent use.
type scratchPool struct {
	mu    sync.RWMutex
	pools map[int]*sync.Pool
}

var globalScratch = &scratchPool{pools: make(map[int]*sync.Pool)}

func (sp *scratchPool) poolFor(size int) *sync.Pool {
	sp.mu.RLock()
	p, ok := sp.pools[size]
	sp.mu.RUnlock()
	if ok {
		return p
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if p, ok = sp.pools[size]; ok {
		return p
	}
	p = &sync.Pool{
		New: func() any { return make([]float64, size) },
	}
	sp.pools[size] = p
	return p
}

// getScratch returns a zeroed slice of the given length.
func getScratch(size int) []float64 {
	buf := globalScratch.poolFor(size).Get().([]float64)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// putScratch returns a slice obtained from getScratch to the pool.
func putScratch(buf []float64) {
	if buf == nil {
		return
	}
	globalScratch.poolFor(len(buf)).Put(buf)
}

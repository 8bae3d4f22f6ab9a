package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// fillWave fills a tensor with deterministic pseudo-random values.
func fillWave(t *Tensor, phase float64) {
	for i := range t.data {
		t.data[i] = math.Sin(float64(i)*0.37 + phase)
	}
}

func maxAbsDiff(a, b *Tensor) float64 {
	if a.Size() != b.Size() {
		panic("maxAbsDiff: size mismatch")
	}
	worst := 0.0
	for i := range a.data {
		if d := math.Abs(a.data[i] - b.data[i]); d > worst {
			worst = d
		}
	}
	return worst
}

func randQKV(batch, heads, qLen, kvLen, dim int) (q, k, v *Tensor) {
	q = NewTensor(batch, heads, qLen, dim)
	k = NewTensor(batch, heads, kvLen, dim)
	v = NewTensor(batch, heads, kvLen, dim)
	fillWave(q, 0.1)
	fillWave(k, 1.7)
	fillWave(v, 3.9)
	return q, k, v
}

func TestFlashConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FlashConfig)
		wantErr error
	}{
		{"default is valid", func(c *FlashConfig) {}, nil},
		{"zero row tile", func(c *FlashConfig) { c.RowTile = 0 }, ErrInvalidConfig},
		{"negative col tile", func(c *FlashConfig) { c.ColTile = -4 }, ErrInvalidConfig},
		{"zero scale", func(c *FlashConfig) { c.Scale = 0 }, ErrInvalidConfig},
		{"negative scale", func(c *FlashConfig) { c.Scale = -1 }, ErrInvalidConfig},
		{"unstable scale", func(c *FlashConfig) { c.Scale = 1000 }, ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultFlashConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestFlashForwardShapeErrors(t *testing.T) {
	cfg := DefaultFlashConfig()

	q, k, v := randQKV(1, 2, 8, 8, 4)

	// Key feature dim differs from query.
	badK := NewTensor(1, 2, 8, 6)
	_, _, err := FlashForward(q, badK, NewTensor(1, 2, 8, 6), cfg)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Value shape differs from key.
	badV := NewTensor(1, 2, 7, 4)
	_, _, err = FlashForward(q, k, badV, cfg)
	require.ErrorIs(t, err, ErrShapeMismatch)

	// Causal with rectangular lengths.
	causalCfg := cfg
	causalCfg.Causal = true
	qShort := NewTensor(1, 2, 5, 4)
	_, _, err = FlashForward(qShort, k, v, causalCfg)
	require.ErrorIs(t, err, ErrCausalLength)

	// 3D tensors are rejected.
	_, _, err = FlashForward(NewTensor(2, 8, 4), k, v, cfg)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

// TestFlashForwardMatchesReference checks the core equivalence property:
// the fused tiled path and the materializing baseline compute the same
// attention within floating-point tolerance.
func TestFlashForwardMatchesReference(t *testing.T) {
	cases := []struct {
		name                           string
		batch, heads, qLen, kvLen, dim int
		causal                         bool
		scale                          float64
	}{
		{"small non-causal", 1, 1, 16, 16, 8, false, 8.0},
		{"small causal", 1, 1, 16, 16, 8, true, 8.0},
		{"multi head causal", 2, 3, 33, 33, 16, true, 10.0},
		{"rectangular non-causal", 1, 2, 12, 29, 8, false, 10.0},
		{"tile straddling causal", 1, 1, 70, 70, 4, true, 5.0},
		{"low temperature", 1, 1, 24, 24, 8, true, 0.5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, k, v := randQKV(tc.batch, tc.heads, tc.qLen, tc.kvLen, tc.dim)

			cfg := DefaultFlashConfig()
			cfg.Causal = tc.causal
			cfg.Scale = tc.scale
			cfg.RowTile, cfg.ColTile = 16, 16

			fused, stats, err := FlashForward(L2Normalize(q), L2Normalize(k), v, cfg)
			require.NoError(t, err)

			ref, err := ReferenceAttention(q, k, v, tc.causal, tc.scale)
			require.NoError(t, err)

			if diff := maxAbsDiff(fused, ref); diff > 1e-10 {
				t.Errorf("fused vs reference max diff %g, want <= 1e-10", diff)
			}

			wantStats := []int{tc.batch, tc.heads, tc.qLen}
			require.Equal(t, wantStats, stats.Shape())
		})
	}
}

// TestFlashForwardTileInvariance verifies tile size is a resource knob,
// not a correctness knob: wildly different tilings produce the same
// output on the same input.
func TestFlashForwardTileInvariance(t *testing.T) {
	q, k, v := randQKV(1, 2, 37, 37, 8)
	nq, nk := L2Normalize(q), L2Normalize(k)

	base := DefaultFlashConfig()
	base.Causal = true
	base.RowTile, base.ColTile = 64, 64 // one tile covers everything

	want, wantStats, err := FlashForward(nq, nk, v, base)
	if err != nil {
		t.Fatalf("FlashForward: %v", err)
	}

	tilings := [][2]int{{1, 1}, {1, 37}, {3, 5}, {16, 8}, {37, 1}}
	for _, tiles := range tilings {
		cfg := base
		cfg.RowTile, cfg.ColTile = tiles[0], tiles[1]

		got, gotStats, err := FlashForward(nq, nk, v, cfg)
		if err != nil {
			t.Fatalf("FlashForward tiles %v: %v", tiles, err)
		}
		if diff := maxAbsDiff(got, want); diff > 1e-12 {
			t.Errorf("tiles %v: output diff %g vs single-tile result", tiles, diff)
		}
		if diff := maxAbsDiff(gotStats, wantStats); diff > 1e-12 {
			t.Errorf("tiles %v: statistics diff %g vs single-tile result", tiles, diff)
		}
	}
}

// TestFlashForwardSingleKey: with one key, the single attention weight
// is 1 and the output must equal the value row (up to the rounding of
// accumulate-then-divide, a couple of ulps).
func TestFlashForwardSingleKey(t *testing.T) {
	q, k, v := randQKV(1, 1, 1, 1, 8)

	out, err := FlashCosineSimAttention(q, k, v, false, 10.0)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}

	// Bit-exact: a single-key row is its value row, not (e*v)/e.
	for d := 0; d < 8; d++ {
		if out.data[d] != v.data[d] {
			t.Errorf("out[%d] = %g, want %g", d, out.data[d], v.data[d])
		}
	}
}

// TestFlashForwardCausalFirstRow: in causal mode the first query
// position sees only the first key, so its output is the first value
// row bit-exactly.
func TestFlashForwardCausalFirstRow(t *testing.T) {
	const dim = 6
	q, k, v := randQKV(1, 1, 9, 9, dim)

	out, err := FlashCosineSimAttention(q, k, v, true, 10.0)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}

	for d := 0; d < dim; d++ {
		if out.data[d] != v.data[d] {
			t.Errorf("out[0][%d] = %g, want %g", d, out.data[d], v.data[d])
		}
	}
}

// TestFlashForwardHandComputed checks a tiny causal case against a
// directly derived result. Query and key rows are unit vectors at known
// angles, so each cosine similarity is cos(a_i - b_j) and every weight
// can be written down by hand.
func TestFlashForwardHandComputed(t *testing.T) {
	const (
		seq   = 4
		dim   = 2
		scale = 1.0
	)

	angles := func(base float64) []float64 {
		out := make([]float64, seq)
		for i := range out {
			out[i] = base + 0.4*float64(i)
		}
		return out
	}
	qAngles, kAngles := angles(0.3), angles(1.1)

	q := NewTensor(1, 1, seq, dim)
	k := NewTensor(1, 1, seq, dim)
	v := NewTensor(1, 1, seq, dim)
	for i := 0; i < seq; i++ {
		q.data[i*dim], q.data[i*dim+1] = math.Cos(qAngles[i]), math.Sin(qAngles[i])
		k.data[i*dim], k.data[i*dim+1] = math.Cos(kAngles[i]), math.Sin(kAngles[i])
		v.data[i*dim], v.data[i*dim+1] = float64(i+1), float64(-i)
	}

	out, err := FlashCosineSimAttention(q, k, v, true, scale)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}

	// Independent derivation: w_ij = exp(cos(a_i - b_j)) for j <= i,
	// out_i = sum_j w_ij v_j / sum_j w_ij.
	for i := 0; i < seq; i++ {
		var denom float64
		var want [dim]float64
		for j := 0; j <= i; j++ {
			w := math.Exp(scale * math.Cos(qAngles[i]-kAngles[j]))
			denom += w
			want[0] += w * v.data[j*dim]
			want[1] += w * v.data[j*dim+1]
		}
		for d := 0; d < dim; d++ {
			got := out.data[i*dim+d]
			if math.Abs(got-want[d]/denom) > 1e-9 {
				t.Errorf("row %d dim %d: got %g, want %g", i, d, got, want[d]/denom)
			}
		}
	}

	// Row 0 attends only to key 0, weight exactly 1.
	for d := 0; d < dim; d++ {
		if math.Abs(out.data[d]-v.data[d]) > 1e-12 {
			t.Errorf("row 0 dim %d: got %g, want value row %g", d, out.data[d], v.data[d])
		}
	}
}

// TestFlashForwardCausalNoLeak: in causal mode, output row i must be
// invariant under any change to key/value positions > i.
func TestFlashForwardCausalNoLeak(t *testing.T) {
	const seq, dim = 20, 8
	q, k, v := randQKV(1, 1, seq, seq, dim)

	before, err := FlashCosineSimAttention(q, k, v, true, 10.0)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}

	// Scramble the future of position i.
	const i = 7
	k2, v2 := k.Clone(), v.Clone()
	for pos := i + 1; pos < seq; pos++ {
		for d := 0; d < dim; d++ {
			k2.data[pos*dim+d] = 123.0 + float64(pos*d)
			v2.data[pos*dim+d] = -55.5 * float64(pos+d)
		}
	}

	after, err := FlashCosineSimAttention(q, k2, v2, true, 10.0)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}

	for pos := 0; pos <= i; pos++ {
		for d := 0; d < dim; d++ {
			idx := pos*dim + d
			if before.data[idx] != after.data[idx] {
				t.Fatalf("row %d changed after perturbing positions > %d", pos, i)
			}
		}
	}
}

// TestFlashForwardZeroKeys: all-zero keys normalize to zero vectors via
// the epsilon floor, every score is exp(0), and the output must be the
// plain average of the values with no non-finite values anywhere.
func TestFlashForwardZeroKeys(t *testing.T) {
	const seq, dim = 6, 4
	q, _, v := randQKV(1, 1, seq, seq, dim)
	k := NewTensor(1, 1, seq, dim) // all zeros

	out, err := FlashCosineSimAttention(q, k, v, false, 10.0)
	if err != nil {
		t.Fatalf("FlashCosineSimAttention: %v", err)
	}
	if !out.IsFinite() {
		t.Fatal("output contains non-finite values")
	}

	for i := 0; i < seq; i++ {
		for d := 0; d < dim; d++ {
			mean := 0.0
			for j := 0; j < seq; j++ {
				mean += v.data[j*dim+d]
			}
			mean /= seq
			if math.Abs(out.data[i*dim+d]-mean) > 1e-12 {
				t.Errorf("row %d dim %d: got %g, want uniform average %g", i, d, out.data[i*dim+d], mean)
			}
		}
	}
}

// TestFlashForwardNonFinitePropagates: NaN inputs must surface in the
// output, not be masked.
func TestFlashForwardNonFinitePropagates(t *testing.T) {
	q, k, v := randQKV(1, 1, 4, 4, 4)
	q.data[0] = math.NaN()

	out, err := FlashCosineSimAttention(q, k, v, false, 10.0)
	require.NoError(t, err)
	require.False(t, out.IsFinite(), "NaN input should propagate to output")
}

// TestFlashForwardMemoryBounded: with a working-set cap that the
// quadratic reference blows through, the fused path must still succeed.
// This is the memory-boundedness guarantee made observable.
func TestFlashForwardMemoryBounded(t *testing.T) {
	prev := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(prev)

	limited := prev
	limited.WorkingSetLimitBytes = 8 << 20 // 8 MiB
	SetGlobalComputeConfig(limited)

	const seq = 2048
	q, k, v := randQKV(1, 1, seq, seq, 8)

	// Reference needs a 2048x2048 float64 score matrix: 32 MiB.
	_, err := ReferenceAttention(q, k, v, true, 10.0)
	require.ErrorIs(t, err, ErrResourceExhausted)

	// The fused path's working set is tile-sized and fits easily.
	out, err := FlashCosineSimAttention(q, k, v, true, 10.0)
	require.NoError(t, err)
	require.True(t, out.IsFinite())
}

// TestFlashForwardWorkerInvariance: tasks write disjoint output regions
// and each task's accumulation order is fixed, so results are bitwise
// identical whether the kernel runs single-threaded or fanned out.
func TestFlashForwardWorkerInvariance(t *testing.T) {
	prev := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(prev)

	q, k, v := randQKV(2, 3, 70, 70, 8)
	nq, nk := L2Normalize(q), L2Normalize(k)
	cfg := FlashConfig{RowTile: 16, ColTile: 16, Scale: 10.0, Causal: true}

	SetGlobalComputeConfig(SingleThreadedConfig())
	wantOut, wantSums, err := FlashForward(nq, nk, v, cfg)
	require.NoError(t, err)

	SetGlobalComputeConfig(DefaultComputeConfig())
	out, sums, err := FlashForward(nq, nk, v, cfg)
	require.NoError(t, err)

	if diff := maxAbsDiff(out, wantOut); diff != 0 {
		t.Errorf("output differs across worker counts by %g", diff)
	}
	if diff := maxAbsDiff(sums, wantSums); diff != 0 {
		t.Errorf("statistics differ across worker counts by %g", diff)
	}
}

func BenchmarkFlashForward(b *testing.B) {
	q, k, v := randQKV(1, 8, 512, 512, 64)
	nq, nk := L2Normalize(q), L2Normalize(k)
	cfg := DefaultFlashConfig()
	cfg.Causal = true

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := FlashForward(nq, nk, v, cfg)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReferenceAttention(b *testing.B) {
	q, k, v := randQKV(1, 8, 512, 512, 64)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ReferenceAttention(q, k, v, true, 10.0)
		if err != nil {
			b.Fatal(err)
		}
	}
}

package main

import (
	"math"
	"math/rand"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Example Transformer
// ===========================================================================
//
// A small causal transformer that consumes the attention primitive as a
// black box, here to demonstrate usage and to exercise the kernel inside
// a realistic layer stack (pre-norm residual blocks, fused QKV
// projection, multi-head split, autoregressive sampling). It is glue,
// not the product: the interesting code is in flash_forward.go and
// flash_backward.go, and nothing in this file knows how attention is
// computed beyond its (q, k, v, causal, scale) contract.
//
// ===========================================================================

// Config holds the example model's hyperparameters.
type Config struct {
	VocabSize int
	EmbedDim  int
	NumHeads  int
	HeadDim   int
	NumLayers int
	SeqLen    int // maximum sequence length (positional table size)

	// AttnScale is the cosine-similarity temperature handed to the
	// attention primitive.
	AttnScale float64
}

// DefaultConfig returns a small demonstration configuration.
func DefaultConfig() Config {
	return Config{
		VocabSize: 256, // byte-level tokens
		EmbedDim:  128,
		NumHeads:  8,
		HeadDim:   16,
		NumLayers: 4,
		SeqLen:    256,
		AttnScale: DefaultFlashConfig().Scale,
	}
}

// ===========================================================================
// LAYERS
// ===========================================================================

// LayerNorm normalizes activations across the feature dimension with
// learned scale and shift.
type LayerNorm struct {
	gamma *Tensor
	beta  *Tensor
	eps   float64
}

// NewLayerNorm creates a LayerNorm with identity initialization.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	for i := range gamma.data {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{
		gamma: gamma,
		beta:  NewTensor(dim),
		eps:   1e-5,
	}
}

// Forward applies layer normalization.
// x shape: (seqLen, features).
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		row := x.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(features)

		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for j, v := range row {
			out.data[i*features+j] = (v-mean)*invStd*ln.gamma.data[j] + ln.beta.data[j]
		}
	}

	return out
}

// Attention is a multi-head cosine-similarity attention layer:
// pre-norm, fused QKV projection, causal attention per head via the
// fused kernel, output projection.
type Attention struct {
	norm     *LayerNorm
	toQKV    *Tensor // (embedDim, 3 * numHeads * headDim), no bias
	toOut    *Tensor // (numHeads * headDim, embedDim), no bias
	numHeads int
	headDim  int
	scale    float64
}

// NewAttention creates an attention layer with random weights.
func NewAttention(cfg Config) *Attention {
	inner := cfg.NumHeads * cfg.HeadDim
	return &Attention{
		norm:     NewLayerNorm(cfg.EmbedDim),
		toQKV:    Scale(NewTensorRand(cfg.EmbedDim, 3*inner), 0.02),
		toOut:    Scale(NewTensorRand(inner, cfg.EmbedDim), 0.02),
		numHeads: cfg.NumHeads,
		headDim:  cfg.HeadDim,
		scale:    cfg.AttnScale,
	}
}

// Forward computes causal self-attention.
// x shape: (seqLen, embedDim).
func (a *Attention) Forward(x *Tensor) *Tensor {
	seqLen := x.shape[0]
	inner := a.numHeads * a.headDim

	normed := a.norm.Forward(x)
	qkv := MatMul(normed, a.toQKV) // (seqLen, 3*inner)

	// Split (seqLen, 3*inner) into per-head (1, heads, seqLen, headDim)
	// tensors, the layout the kernel operates on.
	q := NewTensor(1, a.numHeads, seqLen, a.headDim)
	k := NewTensor(1, a.numHeads, seqLen, a.headDim)
	v := NewTensor(1, a.numHeads, seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		for h := 0; h < a.numHeads; h++ {
			for d := 0; d < a.headDim; d++ {
				src := i*3*inner + h*a.headDim + d
				dst := (h*seqLen + i) * a.headDim // batch 0
				q.data[dst+d] = qkv.data[src]
				k.data[dst+d] = qkv.data[src+inner]
				v.data[dst+d] = qkv.data[src+2*inner]
			}
		}
	}

	attnOut, err := FlashCosineSimAttention(q, k, v, true, a.scale)
	if err != nil {
		// Shapes are constructed locally; an error here is a bug.
		panic("transformer: attention failed: " + err.Error())
	}

	// Merge heads back to (seqLen, inner).
	merged := NewTensor(seqLen, inner)
	for h := 0; h < a.numHeads; h++ {
		for i := 0; i < seqLen; i++ {
			src := (h*seqLen + i) * a.headDim
			dst := i*inner + h*a.headDim
			copy(merged.data[dst:dst+a.headDim], attnOut.data[src:src+a.headDim])
		}
	}

	return MatMul(merged, a.toOut)
}

// FeedForward is the position-wise MLP: pre-norm, 4x expansion, GELU.
type FeedForward struct {
	norm *LayerNorm
	fc1  *Tensor // (embedDim, 4*embedDim)
	fc2  *Tensor // (4*embedDim, embedDim)
}

// NewFeedForward creates a feed-forward layer with random weights.
func NewFeedForward(embedDim int) *FeedForward {
	hidden := 4 * embedDim
	return &FeedForward{
		norm: NewLayerNorm(embedDim),
		fc1:  Scale(NewTensorRand(embedDim, hidden), 0.02),
		fc2:  Scale(NewTensorRand(hidden, embedDim), 0.02),
	}
}

// Forward applies the MLP. x shape: (seqLen, embedDim).
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	h := MatMul(ff.norm.Forward(x), ff.fc1)
	return MatMul(GELU(h), ff.fc2)
}

// TransformerBlock is one residual attention + feed-forward pair.
type TransformerBlock struct {
	attn *Attention
	ff   *FeedForward
}

// Forward applies the block with residual connections.
func (tb *TransformerBlock) Forward(x *Tensor) *Tensor {
	x = Add(tb.attn.Forward(x), x)
	return Add(tb.ff.Forward(x), x)
}

// ===========================================================================
// MODEL
// ===========================================================================

// CosineSimTransformer is a causal language model built on
// cosine-similarity attention.
type CosineSimTransformer struct {
	config   Config
	tokenEmb *Tensor // (vocabSize, embedDim)
	posEmb   *Tensor // (seqLen, embedDim)
	blocks   []*TransformerBlock
	normOut  *LayerNorm
	toLogits *Tensor // (embedDim, vocabSize)
}

// NewCosineSimTransformer creates a model with random weights.
func NewCosineSimTransformer(cfg Config) *CosineSimTransformer {
	blocks := make([]*TransformerBlock, cfg.NumLayers)
	for i := range blocks {
		blocks[i] = &TransformerBlock{
			attn: NewAttention(cfg),
			ff:   NewFeedForward(cfg.EmbedDim),
		}
	}

	return &CosineSimTransformer{
		config:   cfg,
		tokenEmb: Scale(NewTensorRand(cfg.VocabSize, cfg.EmbedDim), 0.02),
		posEmb:   Scale(NewTensorRand(cfg.SeqLen, cfg.EmbedDim), 0.02),
		blocks:   blocks,
		normOut:  NewLayerNorm(cfg.EmbedDim),
		toLogits: Scale(NewTensorRand(cfg.EmbedDim, cfg.VocabSize), 0.02),
	}
}

// Forward computes logits for a token sequence.
// Returns shape (len(inputIDs), vocabSize).
func (m *CosineSimTransformer) Forward(inputIDs []int) *Tensor {
	seqLen := len(inputIDs)
	if seqLen == 0 || seqLen > m.config.SeqLen {
		panic("transformer: sequence length out of range")
	}

	embedDim := m.config.EmbedDim
	x := NewTensor(seqLen, embedDim)
	for i, id := range inputIDs {
		if id < 0 || id >= m.config.VocabSize {
			panic("transformer: token id out of range")
		}
		for d := 0; d < embedDim; d++ {
			x.data[i*embedDim+d] = m.tokenEmb.data[id*embedDim+d] + m.posEmb.data[i*embedDim+d]
		}
	}

	for _, block := range m.blocks {
		x = block.Forward(x)
	}

	return MatMul(m.normOut.Forward(x), m.toLogits)
}

// ===========================================================================
// SAMPLING
// ===========================================================================

// SampleConfig controls autoregressive generation.
type SampleConfig struct {
	// Temperature divides the logits before softmax. 1.0 is neutral;
	// lower is greedier.
	Temperature float64

	// FilterThres keeps the top (1 - FilterThres) fraction of the
	// vocabulary before sampling. 0.9 keeps the top 10%.
	FilterThres float64

	// Rng drives sampling. Nil means the shared global source.
	Rng *rand.Rand
}

// NewSampleConfig returns the default sampling configuration.
func NewSampleConfig() *SampleConfig {
	return &SampleConfig{
		Temperature: 1.0,
		FilterThres: 0.9,
	}
}

// Generate autoregressively extends the prompt by maxTokens tokens and
// returns only the generated suffix. The context window slides once the
// sequence outgrows the model's maximum length.
func (m *CosineSimTransformer) Generate(prompt []int, maxTokens int, cfg *SampleConfig) []int {
	if cfg == nil {
		cfg = NewSampleConfig()
	}

	seq := make([]int, len(prompt))
	copy(seq, prompt)

	for n := 0; n < maxTokens; n++ {
		window := seq
		if len(window) > m.config.SeqLen {
			window = window[len(window)-m.config.SeqLen:]
		}

		logits := m.Forward(window)

		// Logits of the last position only.
		vocab := m.config.VocabSize
		last := make([]float64, vocab)
		copy(last, logits.data[(logits.shape[0]-1)*vocab:])

		seq = append(seq, sampleToken(last, cfg))
	}

	return seq[len(prompt):]
}

// sampleToken picks the next token: temperature, top-k filter, softmax,
// multinomial draw.
func sampleToken(logits []float64, cfg *SampleConfig) int {
	if cfg.Temperature <= 0 {
		return argmax(logits)
	}

	keep := int((1 - cfg.FilterThres) * float64(len(logits)))
	if keep < 1 {
		keep = 1
	}

	// Indices sorted by descending logit; everything past keep is cut.
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return logits[order[a]] > logits[order[b]] })

	kept := order[:keep]
	probs := make([]float64, keep)
	maxLogit := logits[kept[0]]

	sum := 0.0
	for i, idx := range kept {
		p := math.Exp((logits[idx] - maxLogit) / cfg.Temperature)
		probs[i] = p
		sum += p
	}

	r := sum
	if cfg.Rng != nil {
		r *= cfg.Rng.Float64()
	} else {
		r *= rand.Float64()
	}

	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if r <= cumulative {
			return kept[i]
		}
	}
	return kept[keep-1]
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// Package decoder implements the causal, grouped-query-attention decoder
// with KV caching and cross-attention over encoder hidden states (spec.md
// §4.3-§4.4). Self-attention keys/values are appended to a per-layer cache
// sized to the checkpoint's max context; cross-attention keys/values are
// projected once per utterance from the encoder output and reused for
// every generation step.
//
// Grounded on the KV-cache append pattern of
// _examples/manningwu07-transformer/src/transformer/transformer_attention.go
// (AttnKV/appendCol/ForwardLastWithKV) and the classic decode-step loop of
// _examples/other_examples/nikolaydubina-llama2.go__transformer.go
// (per-layer KV copy, RoPE via precomputed frequency table), adapted from
// per-head mat.Dense/goroutine fan-out to flat float32 buffers driven
// through kernels.Gemm, and from MHA to grouped-query attention.
package decoder

import (
	"fmt"
	"math"

	"github.com/antirez/qwen-asr/config"
	"github.com/antirez/qwen-asr/kernels"
)

// BlockWeights holds one decoder block's parameters, already materialized
// to float32.
type BlockWeights struct {
	Ln1Gain []float32 // pre self-attention
	Ln2Gain []float32 // pre cross-attention
	Ln3Gain []float32 // pre FFN

	// Self-attention (grouped-query): Wq projects to DecQueryHeads*headDim,
	// Wk/Wv project to DecKVGroups*headDim.
	Wq, Wk, Wv, Wo []float32

	// Cross-attention: queries come from the decoder stream, keys/values
	// from encoder hidden states. Head count matches the self-attention
	// query heads; no GQA grouping on the cross side per spec.md §4.3.
	CrossWq, CrossWk, CrossWv, CrossWo []float32

	FFNGate, FFNUp, FFNDown []float32
}

// Weights is the full decoder parameter set.
type Weights struct {
	EmbedTokens []float32 // (VocabSize x DecDim)
	Blocks      []BlockWeights
	FinalNorm   []float32
	OutputProj  []float32 // (VocabSize x DecDim); may alias EmbedTokens if tied
}

// layerCache holds one decoder layer's append-only self-attention KV
// buffers and the per-utterance cross-attention K/V projected once from
// the encoder output.
type layerCache struct {
	selfK, selfV   []float32 // (MaxContext x kvDim)
	crossK, crossV []float32 // (encLen x crossDim), reprojected per utterance
}

// Decoder runs the causal self-attention / cross-attention / FFN stack and
// projects to vocabulary logits.
type Decoder struct {
	cfg        *config.ModelConfig
	w          *Weights
	caches     []layerCache
	cacheLen   int // number of self-attention positions currently cached
	encLen     int // length of the primed cross-attention K/V
	crossReady bool
}

// New allocates KV buffers sized to cfg.MaxContext for every layer.
func New(cfg *config.ModelConfig, w *Weights) *Decoder {
	kvDim := cfg.DecKVGroups * cfg.HeadDimDec()
	caches := make([]layerCache, cfg.DecLayers)
	for i := range caches {
		caches[i].selfK = make([]float32, cfg.MaxContext*kvDim)
		caches[i].selfV = make([]float32, cfg.MaxContext*kvDim)
	}
	return &Decoder{cfg: cfg, w: w, caches: caches}
}

// Reset clears the self-attention KV cache, used at the start of every
// Transcribe call (spec.md §6: "resets kv_cache_len to 0"). It also marks
// the cross-attention K/V as stale, so Forward fails until the next
// PrimeCross call.
func (d *Decoder) Reset() {
	d.cacheLen = 0
	d.crossReady = false
}

// CacheLen reports the number of self-attention positions cached so far.
func (d *Decoder) CacheLen() int { return d.cacheLen }

// PrimeCross projects the encoder's hidden-state sequence into per-layer
// cross-attention keys/values once per utterance. Every subsequent
// generation step reuses this projection instead of recomputing it
// (spec.md §4.4: "cross-attention keys/values are cached per-utterance").
func (d *Decoder) PrimeCross(encHidden []float32, encLen int) error {
	cfg := d.cfg
	if encLen <= 0 {
		return fmt.Errorf("decoder: cannot prime cross-attention with %d encoder frames", encLen)
	}
	headDim := cfg.HeadDimDec()
	crossDim := cfg.DecQueryHeads * headDim
	for i, bw := range d.w.Blocks {
		d.caches[i].crossK = project(encHidden, encLen, len(encHidden)/encLen, bw.CrossWk, crossDim)
		d.caches[i].crossV = project(encHidden, encLen, len(encHidden)/encLen, bw.CrossWv, crossDim)
	}
	d.encLen = encLen
	d.crossReady = true
	return nil
}

// Forward runs every position in ids through the decoder, appending each
// to the self-attention KV cache starting at the cache's current length,
// and returns the vocabulary logits for the final position only (the
// logits of earlier positions, needed only during prefill, are discarded
// as soon as their KV contribution has been cached). Multi-token ids is
// the prefill path; a single-element ids is one generation step.
func (d *Decoder) Forward(ids []int) ([]float32, error) {
	if !d.crossReady {
		return nil, fmt.Errorf("decoder: PrimeCross must be called before Forward")
	}
	cfg := d.cfg
	n := len(ids)
	if d.cacheLen+n > cfg.MaxContext {
		return nil, fmt.Errorf("decoder: context would grow to %d tokens, exceeding MaxContext=%d", d.cacheLen+n, cfg.MaxContext)
	}

	dim := cfg.DecDim
	x := make([]float32, n*dim)
	kernels.EmbedLookup(d.w.EmbedTokens, dim, ids, x)

	positions := make([]int, n)
	for i := range positions {
		positions[i] = d.cacheLen + i
	}

	headDim := cfg.HeadDimDec()
	ffnDim := dim * cfg.DecFFNMult

	for li, bw := range d.w.Blocks {
		d.selfAttn(x, n, dim, headDim, cfg.DecQueryHeads, cfg.DecKVGroups, positions, li, bw)
		d.crossAttn(x, n, dim, headDim, cfg.DecQueryHeads, li, bw)
		d.ffn(x, n, dim, ffnDim, bw)
	}
	d.cacheLen += n

	kernels.RMSNorm(x, n, dim, d.w.FinalNorm, float32(cfg.RMSNormEps))

	lastRow := x[(n-1)*dim : n*dim]
	logits := make([]float32, cfg.VocabSize)
	out := kernels.Matrix{Rows: 1, Cols: cfg.VocabSize, Data: logits}
	kernels.GemmTransB(1, kernels.Matrix{Rows: 1, Cols: dim, Data: lastRow}, kernels.Matrix{Rows: cfg.VocabSize, Cols: dim, Data: d.w.OutputProj}, 0, out)
	return logits, nil
}

func (d *Decoder) selfAttn(x []float32, n, dim, headDim, nQHeads, nKVGroups int, positions []int, layer int, bw BlockWeights) {
	normed := append([]float32(nil), x...)
	kernels.RMSNorm(normed, n, dim, bw.Ln1Gain, float32(d.cfg.RMSNormEps))

	qDim := nQHeads * headDim
	kvDim := nKVGroups * headDim
	q := project(normed, n, dim, bw.Wq, qDim)
	k := project(normed, n, dim, bw.Wk, kvDim)
	v := project(normed, n, dim, bw.Wv, kvDim)

	cfg := d.cfg
	kernels.RopeApply(q, n, nQHeads, headDim, positions, cfg.RopeBase)
	kernels.RopeApply(k, n, nKVGroups, headDim, positions, cfg.RopeBase)

	cache := &d.caches[layer]
	start := d.cacheLen
	for r := 0; r < n; r++ {
		copy(cache.selfK[(start+r)*kvDim:(start+r+1)*kvDim], k[r*kvDim:(r+1)*kvDim])
		copy(cache.selfV[(start+r)*kvDim:(start+r+1)*kvDim], v[r*kvDim:(r+1)*kvDim])
	}
	totalLen := start + n
	queryHeadsPerGroup := nQHeads / nKVGroups

	out := make([]float32, n*qDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	mask := causalMask(n, totalLen, start)

	for h := 0; h < nQHeads; h++ {
		group := h / queryHeadsPerGroup
		qh := sliceHeadStride(q, n, qDim, headDim, h)
		kh := sliceHeadCache(cache.selfK, totalLen, kvDim, headDim, group)
		vh := sliceHeadCache(cache.selfV, totalLen, kvDim, headDim, group)

		scores := kernels.NewMatrix(n, totalLen)
		kernels.GemmTransB(scale, kernels.Matrix{Rows: n, Cols: headDim, Data: qh}, kernels.Matrix{Rows: totalLen, Cols: headDim, Data: kh}, 0, scores)
		kernels.SoftmaxRowwise(scores.Data, n, totalLen, mask)

		oh := kernels.NewMatrix(n, headDim)
		kernels.Gemm(1, scores, kernels.Matrix{Rows: totalLen, Cols: headDim, Data: vh}, 0, oh)
		scatterHeadStride(out, oh.Data, n, qDim, headDim, h)
	}

	proj := project(out, n, qDim, bw.Wo, dim)
	kernels.ResidualAdd(x, proj)
}

func (d *Decoder) crossAttn(x []float32, n, dim, headDim, nHeads int, layer int, bw BlockWeights) {
	normed := append([]float32(nil), x...)
	kernels.RMSNorm(normed, n, dim, bw.Ln2Gain, float32(d.cfg.RMSNormEps))

	qDim := nHeads * headDim
	q := project(normed, n, dim, bw.CrossWq, qDim)

	cache := &d.caches[layer]
	encLen := d.encLen

	out := make([]float32, n*qDim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	for h := 0; h < nHeads; h++ {
		qh := sliceHeadStride(q, n, qDim, headDim, h)
		kh := sliceHeadCache(cache.crossK, encLen, qDim, headDim, h)
		vh := sliceHeadCache(cache.crossV, encLen, qDim, headDim, h)

		scores := kernels.NewMatrix(n, encLen)
		kernels.GemmTransB(scale, kernels.Matrix{Rows: n, Cols: headDim, Data: qh}, kernels.Matrix{Rows: encLen, Cols: headDim, Data: kh}, 0, scores)
		kernels.SoftmaxRowwise(scores.Data, n, encLen, nil)

		oh := kernels.NewMatrix(n, headDim)
		kernels.Gemm(1, scores, kernels.Matrix{Rows: encLen, Cols: headDim, Data: vh}, 0, oh)
		scatterHeadStride(out, oh.Data, n, qDim, headDim, h)
	}

	proj := project(out, n, qDim, bw.CrossWo, dim)
	kernels.ResidualAdd(x, proj)
}

func (d *Decoder) ffn(x []float32, n, dim, ffnDim int, bw BlockWeights) {
	normed := append([]float32(nil), x...)
	kernels.RMSNorm(normed, n, dim, bw.Ln3Gain, float32(d.cfg.RMSNormEps))

	gate := project(normed, n, dim, bw.FFNGate, ffnDim)
	up := project(normed, n, dim, bw.FFNUp, ffnDim)
	kernels.Silu(gate)
	for i := range gate {
		gate[i] *= up[i]
	}
	down := project(gate, n, ffnDim, bw.FFNDown, dim)
	kernels.ResidualAdd(x, down)
}

// causalMask builds an additive (n x totalLen) mask where row r (absolute
// position start+r) may attend to columns [0, start+r] and is -inf beyond
// it. Returns nil when n == 1: a single query row sits at the last cached
// position and may attend to every one of the totalLen columns.
func causalMask(n, totalLen, start int) []float32 {
	if n == 1 {
		return nil
	}
	mask := make([]float32, n*totalLen)
	for r := 0; r < n; r++ {
		limit := start + r
		row := mask[r*totalLen : (r+1)*totalLen]
		for c := limit + 1; c < totalLen; c++ {
			row[c] = float32(math.Inf(-1))
		}
	}
	return mask
}

// project computes x @ w^T where w is (outDim x inDim) row-major.
func project(x []float32, nRows, inDim int, w []float32, outDim int) []float32 {
	out := kernels.NewMatrix(nRows, outDim)
	kernels.GemmTransB(1, kernels.Matrix{Rows: nRows, Cols: inDim, Data: x}, kernels.Matrix{Rows: outDim, Cols: inDim, Data: w}, 0, out)
	return out.Data
}

func sliceHeadStride(x []float32, nRows, rowDim, headDim, h int) []float32 {
	out := make([]float32, nRows*headDim)
	for r := 0; r < nRows; r++ {
		copy(out[r*headDim:(r+1)*headDim], x[r*rowDim+h*headDim:r*rowDim+h*headDim+headDim])
	}
	return out
}

func scatterHeadStride(dst []float32, src []float32, nRows, rowDim, headDim, h int) {
	for r := 0; r < nRows; r++ {
		copy(dst[r*rowDim+h*headDim:r*rowDim+h*headDim+headDim], src[r*headDim:(r+1)*headDim])
	}
}

// sliceHeadCache extracts one head's columns from a (nRows x rowDim) cache
// buffer that may be longer than nRows rows (callers pass the valid prefix
// length explicitly).
func sliceHeadCache(cache []float32, nRows, rowDim, headDim, h int) []float32 {
	out := make([]float32, nRows*headDim)
	for r := 0; r < nRows; r++ {
		copy(out[r*headDim:(r+1)*headDim], cache[r*rowDim+h*headDim:r*rowDim+h*headDim+headDim])
	}
	return out
}

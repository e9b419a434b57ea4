// Package encoder implements the convolutional stem and transformer
// encoder stack that turn a log-mel spectrogram into the hidden-state
// sequence the decoder cross-attends to (spec.md §4.2).
//
// Grounded on the block/attention structure of
// _examples/manningwu07-transformer/src/transformer/{transformer,
// transformer_attention,transformer_mlp}.go, generalized from
// mat.Dense-per-head training code to flat float32 buffers driven through
// kernels.Gemm (non-causal full attention, no KV cache — the whole
// utterance is encoded in one pass, so there is nothing to cache).
package encoder

import (
	"fmt"
	"math"

	"github.com/antirez/qwen-asr/config"
	"github.com/antirez/qwen-asr/kernels"
)

// ConvStem downsamples the mel sequence with two strided 1D convolutions
// (stride product equals config.EncConvStride) and projects into the
// encoder's model dimension. Each conv is followed by GELU, matching the
// teacher's MLP.ForwardCol activation choice (src/transformer/
// transformer_mlp.go) generalized to a convolutional projection.
type ConvStem struct {
	melBins int
	dim     int
	stride1 int
	kernel1 int
	w1      []float32 // (dim x melBins*kernel1)
	b1      []float32 // (dim)
	stride2 int
	kernel2 int
	w2      []float32 // (dim x dim*kernel2)
	b2      []float32 // (dim)
}

// NewConvStem builds a stem from flattened weight tensors; shapes are
// validated by the caller (asr.Load) against the safetensors header before
// construction.
func NewConvStem(melBins, dim, stride1, kernel1 int, w1, b1 []float32, stride2, kernel2 int, w2, b2 []float32) *ConvStem {
	return &ConvStem{
		melBins: melBins, dim: dim,
		stride1: stride1, kernel1: kernel1, w1: w1, b1: b1,
		stride2: stride2, kernel2: kernel2, w2: w2, b2: b2,
	}
}

// outLen computes the output length of a single strided, valid convolution.
func outLen(inLen, kernel, stride int) int {
	if inLen < kernel {
		return 0
	}
	return (inLen-kernel)/stride + 1
}

// Forward runs both convolutions plus GELU and returns a (dim x outFrames)
// row-major buffer (row = channel, contiguous over time) and outFrames.
// mel is (melBins x nFrames) laid out bin-major, matching audio.Extract's
// output layout.
func (s *ConvStem) Forward(mel []float32, nFrames int) (out []float32, outFrames int) {
	mid := outLen(nFrames, s.kernel1, s.stride1)
	stage1 := make([]float32, s.dim*mid)
	for t := 0; t < mid; t++ {
		start := t * s.stride1
		for d := 0; d < s.dim; d++ {
			var acc float32 = s.b1[d]
			wrow := s.w1[d*s.melBins*s.kernel1 : (d+1)*s.melBins*s.kernel1]
			for c := 0; c < s.melBins; c++ {
				melRow := mel[c*nFrames : c*nFrames+nFrames]
				wbase := c * s.kernel1
				for k := 0; k < s.kernel1; k++ {
					acc += wrow[wbase+k] * melRow[start+k]
				}
			}
			stage1[d*mid+t] = acc
		}
	}
	kernels.Gelu(stage1)

	outFrames = outLen(mid, s.kernel2, s.stride2)
	out = make([]float32, s.dim*outFrames)
	for t := 0; t < outFrames; t++ {
		start := t * s.stride2
		for d := 0; d < s.dim; d++ {
			var acc float32 = s.b2[d]
			wrow := s.w2[d*s.dim*s.kernel2 : (d+1)*s.dim*s.kernel2]
			for c := 0; c < s.dim; c++ {
				srow := stage1[c*mid : c*mid+mid]
				wbase := c * s.kernel2
				for k := 0; k < s.kernel2; k++ {
					acc += wrow[wbase+k] * srow[start+k]
				}
			}
			out[d*outFrames+t] = acc
		}
	}
	kernels.Gelu(out)
	return out, outFrames
}

// BlockWeights holds one transformer encoder block's parameters, already
// materialized to float32 (dequantized at load time if the checkpoint
// stores them as int8).
type BlockWeights struct {
	Ln1Gain []float32
	Ln2Gain []float32
	Wq, Wk, Wv, Wo []float32 // (dim x dim) row-major, output-major
	FFNGate, FFNUp []float32 // (ffnDim x dim)
	FFNDown        []float32 // (dim x ffnDim)
}

// Weights is the full parameter set for the encoder stack.
type Weights struct {
	Stem      *ConvStem
	PosTable  []float32 // sinusoidal table, used only when !cfg.EncoderRope; (maxLen x dim)
	Blocks    []BlockWeights
	FinalNorm []float32
}

// Encoder runs the conv stem, optional positional signal, and the stack of
// self-attention/FFN blocks over one utterance's mel spectrogram.
type Encoder struct {
	cfg *config.ModelConfig
	w   *Weights
}

// New constructs an Encoder bound to a config and a fully materialized
// weight set.
func New(cfg *config.ModelConfig, w *Weights) *Encoder {
	return &Encoder{cfg: cfg, w: w}
}

func sinusoidalTable(maxLen, dim int) []float32 {
	table := make([]float32, maxLen*dim)
	half := dim / 2
	for p := 0; p < maxLen; p++ {
		for i := 0; i < half; i++ {
			theta := float64(p) / math.Pow(10000, 2*float64(i)/float64(dim))
			table[p*dim+2*i] = float32(math.Sin(theta))
			table[p*dim+2*i+1] = float32(math.Cos(theta))
		}
	}
	return table
}

// SinusoidalTable exposes the positional table builder so asr.Load can
// precompute it once for a checkpoint that uses sinusoidal rather than
// rotary positions (config.EncoderRope == false).
func SinusoidalTable(maxLen, dim int) []float32 { return sinusoidalTable(maxLen, dim) }

// Forward runs the conv stem followed by L_e transformer blocks and the
// final norm, returning a (outFrames x dim) row-major hidden-state buffer
// (row-major here, transposed relative to the stem's channel-major output,
// since every downstream block treats each time step as one row to
// normalize/project independently).
func (e *Encoder) Forward(mel []float32, nFrames int) ([]float32, int, error) {
	cfg := e.cfg
	stemOut, outFrames := e.w.Stem.Forward(mel, nFrames)
	if outFrames == 0 {
		return nil, 0, fmt.Errorf("encoder: mel sequence of %d frames too short for the conv stem", nFrames)
	}

	dim := cfg.EncDim
	x := make([]float32, outFrames*dim)
	for t := 0; t < outFrames; t++ {
		for d := 0; d < dim; d++ {
			x[t*dim+d] = stemOut[d*outFrames+t]
		}
	}

	if !cfg.EncoderRope {
		if outFrames > len(e.w.PosTable)/dim {
			return nil, 0, fmt.Errorf("encoder: utterance (%d frames) exceeds precomputed positional table", outFrames)
		}
		kernels.ResidualAdd(x, e.w.PosTable[:outFrames*dim])
	}

	positions := make([]int, outFrames)
	for i := range positions {
		positions[i] = i
	}

	headDim := cfg.HeadDimEnc()
	ffnDim := dim * cfg.EncFFNMult

	for _, bw := range e.w.Blocks {
		e.selfAttn(x, outFrames, dim, headDim, cfg.EncHeads, positions, bw)
		e.ffn(x, outFrames, dim, ffnDim, bw)
	}

	kernels.RMSNorm(x, outFrames, dim, e.w.FinalNorm, float32(cfg.RMSNormEps))
	return x, outFrames, nil
}

func (e *Encoder) selfAttn(x []float32, nRows, dim, headDim, nHeads int, positions []int, bw BlockWeights) {
	normed := append([]float32(nil), x...)
	kernels.RMSNorm(normed, nRows, dim, bw.Ln1Gain, float32(e.cfg.RMSNormEps))

	q := project(normed, nRows, dim, bw.Wq)
	k := project(normed, nRows, dim, bw.Wk)
	v := project(normed, nRows, dim, bw.Wv)

	if e.cfg.EncoderRope {
		kernels.RopeApply(q, nRows, nHeads, headDim, positions, e.cfg.RopeBase)
		kernels.RopeApply(k, nRows, nHeads, headDim, positions, e.cfg.RopeBase)
	}

	// Heads run sequentially here: each head's SoftmaxRowwise call already
	// partitions its own rows across the pool (RunParallel; the GEMMs go
	// through blas32), and Pool.Run forbids calling back into the pool from inside a
	// dispatched chunk, so head-level and row-level partitioning cannot
	// nest. For typical encoder sequence lengths the row dimension is the
	// larger one anyway.
	out := make([]float32, nRows*dim)
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	for h := 0; h < nHeads; h++ {
		qh := sliceHead(q, nRows, dim, headDim, h)
		kh := sliceHead(k, nRows, dim, headDim, h)
		vh := sliceHead(v, nRows, dim, headDim, h)

		scores := kernels.NewMatrix(nRows, nRows)
		kernels.GemmTransB(scale, kernels.Matrix{Rows: nRows, Cols: headDim, Data: qh}, kernels.Matrix{Rows: nRows, Cols: headDim, Data: kh}, 0, scores)
		kernels.SoftmaxRowwise(scores.Data, nRows, nRows, nil)

		oh := kernels.NewMatrix(nRows, headDim)
		kernels.Gemm(1, scores, kernels.Matrix{Rows: nRows, Cols: headDim, Data: vh}, 0, oh)
		scatterHead(out, oh.Data, nRows, dim, headDim, h)
	}

	proj := project(out, nRows, dim, bw.Wo)
	kernels.ResidualAdd(x, proj)
}

func (e *Encoder) ffn(x []float32, nRows, dim, ffnDim int, bw BlockWeights) {
	normed := append([]float32(nil), x...)
	kernels.RMSNorm(normed, nRows, dim, bw.Ln2Gain, float32(e.cfg.RMSNormEps))

	gate := project(normed, nRows, dim, bw.FFNGate, ffnDim)
	up := project(normed, nRows, dim, bw.FFNUp, ffnDim)
	kernels.Silu(gate)
	for i := range gate {
		gate[i] *= up[i]
	}
	down := project(gate, nRows, ffnDim, bw.FFNDown, dim)
	kernels.ResidualAdd(x, down)
}

// project computes x @ w^T where w is (outDim x inDim) row-major
// ("output-major", matching safetensors' usual nn.Linear.weight layout).
// outDim defaults to inDim (square projections like Wq/Wk/Wv/Wo) unless
// overridden.
func project(x []float32, nRows, inDim int, w []float32, outDimOverride ...int) []float32 {
	outDim := inDim
	if len(outDimOverride) > 0 {
		outDim = outDimOverride[0]
	}
	out := kernels.NewMatrix(nRows, outDim)
	kernels.GemmTransB(1, kernels.Matrix{Rows: nRows, Cols: inDim, Data: x}, kernels.Matrix{Rows: outDim, Cols: inDim, Data: w}, 0, out)
	return out.Data
}

func sliceHead(x []float32, nRows, dim, headDim, h int) []float32 {
	out := make([]float32, nRows*headDim)
	for r := 0; r < nRows; r++ {
		copy(out[r*headDim:r*headDim+headDim], x[r*dim+h*headDim:r*dim+h*headDim+headDim])
	}
	return out
}

func scatterHead(dst []float32, src []float32, nRows, dim, headDim, h int) {
	for r := 0; r < nRows; r++ {
		copy(dst[r*dim+h*headDim:r*dim+h*headDim+headDim], src[r*headDim:r*headDim+headDim])
	}
}

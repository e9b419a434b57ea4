// Package asr ties the safetensors loader, tokenizer, audio front-end,
// encoder, and decoder into the single external surface spec.md §6
// describes: load a checkpoint, transcribe audio, free it.
//
// Grounded on the orchestration idiom of
// _examples/manningwu07-transformer/src/main.go and src/CLI.go (a flat
// load-then-run pipeline reporting timings to stderr) and src/train.go's
// perf-timing structure, generalized from a training loop to a single
// inference call with an explicit Context in place of the teacher's
// package-global params.Config/params.Vocab.
package asr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antirez/qwen-asr/audio"
	"github.com/antirez/qwen-asr/config"
	"github.com/antirez/qwen-asr/decoder"
	"github.com/antirez/qwen-asr/encoder"
	"github.com/antirez/qwen-asr/kernels"
	"github.com/antirez/qwen-asr/safetensors"
	"github.com/antirez/qwen-asr/tokenizer"
)

// PerfCounters is a point-in-time snapshot of the last Transcribe call's
// timing, returned by value so the caller's copy does not change when a
// later Transcribe call runs.
type PerfCounters struct {
	EncodeMs   float64
	DecodeMs   float64
	TotalMs    float64
	AudioMs    float64
	TextTokens int
}

// Context is a loaded, ready-to-transcribe model instance. Its methods are
// not synchronized: exactly one goroutine may use a given Context at a
// time, and that includes Perf, which reads the counters Transcribe writes.
type Context struct {
	cfg   *config.ModelConfig
	rt    config.Runtime
	tok   *tokenizer.Tokenizer
	enc   *encoder.Encoder
	dec   *decoder.Decoder
	melEx *audio.Extractor
	pool  *kernels.Pool

	// Retained so SaveDequantCache can serialize the materialized weights
	// without re-reading the safetensors file.
	encWeights *encoder.Weights
	decWeights *decoder.Weights
	stem       stemParams

	forceLanguage string
	prompt        string

	perf PerfCounters
}

type configJSON struct {
	EncDim        int     `json:"enc_dim"`
	EncHeads      int     `json:"enc_heads"`
	EncLayers     int     `json:"enc_layers"`
	EncFFNMult    int     `json:"enc_ffn_mult"`
	EncConvStride int     `json:"enc_conv_stride"`
	DecDim        int     `json:"dec_dim"`
	DecQueryHeads int     `json:"dec_query_heads"`
	DecKVGroups   int     `json:"dec_kv_groups"`
	DecLayers     int     `json:"dec_layers"`
	DecFFNMult    int     `json:"dec_ffn_mult"`
	VocabSize     int     `json:"vocab_size"`
	MaxContext    int     `json:"max_context"`
	RopeBase      float64 `json:"rope_base"`
	RMSNormEps    float64 `json:"rms_norm_eps"`
	EncoderRope   bool    `json:"encoder_rope"`
}

// buildModelConfig translates the on-disk JSON sidecar into the immutable
// config.ModelConfig, splicing in the non-negotiable audio front-end
// constants that config.json never carries (DefaultAudio).
func buildModelConfig(cj configJSON) *config.ModelConfig {
	sampleRate, hop, win, nfft, mel := config.DefaultAudio()
	return &config.ModelConfig{
		SampleRate: sampleRate, HopLength: hop, WinLength: win, NFFT: nfft, MelBins: mel,
		EncDim: cj.EncDim, EncHeads: cj.EncHeads, EncLayers: cj.EncLayers,
		EncFFNMult: cj.EncFFNMult, EncConvStride: cj.EncConvStride,
		DecDim: cj.DecDim, DecQueryHeads: cj.DecQueryHeads, DecKVGroups: cj.DecKVGroups,
		DecLayers: cj.DecLayers, DecFFNMult: cj.DecFFNMult,
		VocabSize: cj.VocabSize, MaxContext: cj.MaxContext,
		RopeBase: cj.RopeBase, RMSNormEps: cj.RMSNormEps, EncoderRope: cj.EncoderRope,
	}
}

// Load reads config.json + model.safetensors + vocab.json from
// modelDir, validates shapes, allocates KV buffers sized to MaxContext,
// and returns a ready Context. Per spec.md §6, rt.Threads <= 0 means
// runtime.NumCPU(); the returned Context owns a reference on the
// process-wide kernels.Pool that Free releases.
func Load(modelDir string, rt config.Runtime) (*Context, error) {
	cfgPath := filepath.Join(modelDir, "config.json")
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", config.ErrMissingConfig, cfgPath)
		}
		return nil, err
	}
	var cj configJSON
	if err := json.Unmarshal(raw, &cj); err != nil {
		return nil, fmt.Errorf("asr: parsing %s: %w", cfgPath, err)
	}

	cfg := buildModelConfig(cj)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var encWeights *encoder.Weights
	var decWeights *decoder.Weights
	var sp stemParams

	cachePath := filepath.Join(modelDir, "dequant_cache.gob")
	if cached, cachedSp, cachedDec, cerr := loadDequantCache(cachePath); cerr == nil {
		encWeights, sp, decWeights = cached, cachedSp, cachedDec
	} else {
		stPath := filepath.Join(modelDir, "model.safetensors")
		f, err := safetensors.Open(stPath)
		if err != nil {
			return nil, err
		}
		encWeights, sp, err = loadEncoderWeights(f, cfg)
		if err != nil {
			return nil, err
		}
		decWeights, err = loadDecoderWeights(f, cfg)
		if err != nil {
			return nil, err
		}
	}
	if len(decWeights.EmbedTokens) != cfg.VocabSize*cfg.DecDim {
		return nil, fmt.Errorf("%w: decoder.embed_tokens.weight has %d elements, expected %d",
			safetensors.ErrShapeMismatch, len(decWeights.EmbedTokens), cfg.VocabSize*cfg.DecDim)
	}

	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, err
	}
	if tok.VocabSize() != cfg.VocabSize {
		return nil, fmt.Errorf("%w: tokenizer vocabulary has %d entries, config.json declares %d",
			safetensors.ErrShapeMismatch, tok.VocabSize(), cfg.VocabSize)
	}

	pool := kernels.Acquire(rt.Threads)
	melEx := audio.New(cfg.SampleRate, cfg.WinLength, cfg.HopLength, cfg.NFFT, cfg.MelBins, 0, float64(cfg.SampleRate)/2)

	ctx := &Context{
		cfg:        cfg,
		rt:         rt,
		tok:        tok,
		enc:        encoder.New(cfg, encWeights),
		dec:        decoder.New(cfg, decWeights),
		melEx:      melEx,
		pool:       pool,
		encWeights: encWeights,
		decWeights: decWeights,
		stem:       sp,
	}
	return ctx, nil
}

// Free releases the Context's reference on the process-wide thread pool.
// Per spec.md §9, a freed Context must not be used again.
func (c *Context) Free() {
	if c.pool != nil {
		c.pool.Release()
		c.pool = nil
	}
}

// SetThreads changes the partition width used by future kernel calls.
// Must not be called concurrently with Transcribe.
func (c *Context) SetThreads(n int) { c.pool.SetThreads(n) }

// SetForceLanguage pins decoding to a single language tag (e.g. "en"),
// bypassing whatever language-detection token the model would otherwise
// choose for the first decoder step. An unknown code is rejected
// immediately rather than silently ignored.
func (c *Context) SetForceLanguage(code string) error {
	if code == "" {
		c.forceLanguage = ""
		return nil
	}
	if _, ok := c.tok.LanguageToken(code); !ok {
		return fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, code, c.tok.SupportedLanguagesCsv())
	}
	c.forceLanguage = code
	return nil
}

// SetPrompt sets a text prefix injected into the decoder prompt (e.g. a
// biasing phrase or prior context), encoded via the tokenizer at
// Transcribe time rather than here, since encoding has no dependency on
// load-time state.
func (c *Context) SetPrompt(prompt string) { c.prompt = prompt }

// SupportedLanguagesCsv returns every language code discovered in the
// loaded tokenizer's vocabulary.
func (c *Context) SupportedLanguagesCsv() string { return c.tok.SupportedLanguagesCsv() }

// Perf returns a snapshot of the most recently completed Transcribe
// call's counters.
func (c *Context) Perf() PerfCounters { return c.perf }

// EncoderForward runs only the mel-front-end-to-hidden-states half of the
// pipeline, exposed per spec.md §6's external interface list for callers
// that want encoder features without paying for decoding (e.g. offline
// embedding extraction).
func (c *Context) EncoderForward(mel []float32, nFrames int) ([]float32, int, error) {
	return c.enc.Forward(mel, nFrames)
}

// buildPrompt frames the decoder's initial token sequence per spec.md §4.6:
// [<|bos|>, <|system|>, system_prompt_tokens..., <|assistant|>, <|lang_xx|>?].
// The system/assistant frame is unconditional, with an empty token body when
// no prompt text is set; the forced-language tag, if any, is appended last.
func (c *Context) buildPrompt() ([]int, error) {
	ids := []int{c.tok.BOS()}

	sys, _, asst := c.tok.RoleTokens()
	if sys >= 0 {
		ids = append(ids, sys)
	}
	if c.prompt != "" {
		promptIDs, err := c.tok.Encode(c.prompt)
		if err != nil {
			return nil, err
		}
		ids = append(ids, promptIDs...)
	}
	if asst >= 0 {
		ids = append(ids, asst)
	}

	if c.forceLanguage != "" {
		langID, ok := c.tok.LanguageToken(c.forceLanguage)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, c.forceLanguage)
		}
		ids = append(ids, langID)
	}
	return ids, nil
}

// Transcribe runs the full pipeline: mel front-end, encoder, decoder
// prefill + greedy generation, detokenization. samples[:n] is mono float32
// PCM at the model's fixed sample rate. Per spec.md §6, this resets perf
// counters and the decoder's self-attention KV cache on every call.
func (c *Context) Transcribe(samples []float32, n int) (string, error) {
	if n < 0 || n > len(samples) {
		return "", fmt.Errorf("%w: n=%d out of range for a %d-sample buffer", ErrInvalidArgument, n, len(samples))
	}
	var perf PerfCounters
	totalStart := time.Now()

	encodeStart := time.Now()
	mel, nFrames := c.melEx.Extract(samples, n)
	hidden, encLen, err := c.enc.Forward(mel, nFrames)
	if err != nil {
		return "", err
	}
	perf.EncodeMs = float64(time.Since(encodeStart)) / float64(time.Millisecond)
	perf.AudioMs = float64(n) / float64(c.cfg.SampleRate) * 1000

	c.dec.Reset()
	if err := c.dec.PrimeCross(hidden, encLen); err != nil {
		return "", err
	}

	decodeStart := time.Now()
	promptIDs, err := c.buildPrompt()
	if err != nil {
		return "", err
	}
	maxNew := c.rt.MaxNewTokens
	if maxNew <= 0 {
		maxNew = c.cfg.MaxContext
	}
	if len(promptIDs)+maxNew > c.cfg.MaxContext {
		maxNew = c.cfg.MaxContext - len(promptIDs)
	}
	if maxNew <= 0 {
		return "", fmt.Errorf("%w: prompt alone (%d tokens) fills MaxContext=%d", ErrAudioTooLong, len(promptIDs), c.cfg.MaxContext)
	}

	logits, err := c.dec.Forward(promptIDs)
	if err != nil {
		return "", err
	}

	generated := make([]int, 0, maxNew)
	eos := c.tok.EOS()
	for step := 0; step < maxNew; step++ {
		next := kernels.ArgmaxRow(logits)
		if next == eos {
			break
		}
		generated = append(generated, next)
		logits, err = c.dec.Forward([]int{next})
		if err != nil {
			return "", err
		}
	}
	perf.DecodeMs = float64(time.Since(decodeStart)) / float64(time.Millisecond)

	text, err := c.tok.Decode(generated)
	if err != nil {
		return "", err
	}

	perf.TextTokens = len(generated)
	perf.TotalMs = float64(time.Since(totalStart)) / float64(time.Millisecond)
	c.perf = perf

	if c.rt.Verbose {
		fmt.Fprintf(os.Stderr, "encode=%.1fms decode=%.1fms total=%.1fms audio=%.1fms tokens=%d rtf=%.3f\n",
			perf.EncodeMs, perf.DecodeMs, perf.TotalMs, perf.AudioMs, perf.TextTokens, perf.TotalMs/perf.AudioMs)
	}
	return text, nil
}

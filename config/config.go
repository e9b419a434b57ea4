// Package config holds the immutable model and runtime configuration for
// the Qwen3-ASR inference engine.
package config

import "errors"

// ErrMissingConfig is returned when a model directory has no config.json
// sidecar. The exact rotary base, RoPE placement and positional-encoding
// variant for the convolutional stem are model-specific and must be read
// from this file rather than guessed (see DESIGN.md, Open Questions).
var ErrMissingConfig = errors.New("qwen-asr: model directory missing config.json")

// ModelConfig is the immutable, load-time configuration of a checkpoint,
// read from config.json; nothing here is inferred. asr.Load cross-checks
// only VocabSize and DecDim against tensor shapes (the decoder embedding
// table) and VocabSize against the tokenizer; the other fields are not
// compared with the safetensors tensor shapes.
type ModelConfig struct {
	// Audio front-end.
	SampleRate int // fixed 16000
	HopLength  int // 160
	WinLength  int // 400
	NFFT       int // 512
	MelBins    int // 128

	// Encoder.
	EncDim        int
	EncHeads      int
	EncLayers     int
	EncFFNMult    int
	EncConvStride int // total downsampling factor of the conv stem

	// Decoder.
	DecDim        int
	DecQueryHeads int
	DecKVGroups   int
	DecLayers     int
	DecFFNMult    int

	VocabSize   int
	MaxContext  int // T_max
	RopeBase    float64
	RMSNormEps  float64

	// RoPE applied in the encoder. If false, a precomputed sinusoidal
	// table is added once after the conv stem instead (spec.md Open
	// Questions: read from the reference model, not inferred).
	EncoderRope bool
}

// DefaultAudio returns the fixed, non-negotiable front-end parameters. These
// are constants of the Qwen3-ASR family, not checkpoint-specific, so they
// are not read from config.json.
func DefaultAudio() (sampleRate, hop, win, nfft, mel int) {
	return 16000, 160, 400, 512, 128
}

// HeadDimEnc returns the encoder per-head dimension.
func (c *ModelConfig) HeadDimEnc() int { return c.EncDim / c.EncHeads }

// HeadDimDec returns the decoder per-head dimension.
func (c *ModelConfig) HeadDimDec() int { return c.DecDim / c.DecQueryHeads }

// QueryHeadsPerGroup returns how many query heads share one KV head-group.
func (c *ModelConfig) QueryHeadsPerGroup() int { return c.DecQueryHeads / c.DecKVGroups }

// Validate checks internal consistency of a loaded configuration.
func (c *ModelConfig) Validate() error {
	if c.EncDim <= 0 || c.EncHeads <= 0 || c.EncDim%c.EncHeads != 0 {
		return errors.New("qwen-asr: encoder dimension not divisible by head count")
	}
	if c.DecDim <= 0 || c.DecQueryHeads <= 0 || c.DecDim%c.DecQueryHeads != 0 {
		return errors.New("qwen-asr: decoder dimension not divisible by query head count")
	}
	if c.DecKVGroups <= 0 || c.DecQueryHeads%c.DecKVGroups != 0 {
		return errors.New("qwen-asr: decoder query heads not divisible by kv groups")
	}
	if c.VocabSize <= 0 || c.MaxContext <= 0 {
		return errors.New("qwen-asr: vocab size and max context must be positive")
	}
	return nil
}

// Runtime is process-and-context-wide runtime configuration that is not
// part of the checkpoint: thread count, verbosity, and the hard generation
// step cap. Unlike the teacher's ambient params.Config global, this is an
// explicit value threaded through Context construction (see DESIGN.md,
// "Global state").
type Runtime struct {
	Threads      int  // 0 means "use runtime.NumCPU()"
	Verbose      bool // write per-call timing lines to stderr
	MaxNewTokens int  // hard step cap for generation; 0 means MaxContext
}

// DefaultRuntime returns sensible defaults matching the teacher's
// zero-value-friendly TrainingConfig style.
func DefaultRuntime() Runtime {
	return Runtime{Threads: 0, Verbose: false, MaxNewTokens: 0}
}

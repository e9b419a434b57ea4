package asr

import (
	"fmt"

	"github.com/antirez/qwen-asr/config"
	"github.com/antirez/qwen-asr/decoder"
	"github.com/antirez/qwen-asr/encoder"
	"github.com/antirez/qwen-asr/kernels"
	"github.com/antirez/qwen-asr/safetensors"
)

// loadLinear materializes a named weight to float32, transparently
// dequantizing int8 tensors using their "<name>.scale" sibling (spec.md
// §4.2's per-row symmetric layout). Any other dtype goes through
// safetensors.GetFloat32 directly.
func loadLinear(f *safetensors.File, name string) ([]float32, error) {
	info, err := f.Info(name)
	if err != nil {
		return nil, err
	}
	if info.Dtype != safetensors.I8 {
		vals, _, err := f.GetFloat32(name)
		return vals, err
	}
	block, shape, err := f.GetQuantized(name)
	if err != nil {
		return nil, err
	}
	scaleVals, _, err := f.GetFloat32(name + ".scale")
	if err != nil {
		return nil, fmt.Errorf("asr: quantized tensor %q missing scale sibling: %w", name, err)
	}
	rows, cols := shape[0], shape[1]
	out := make([]float32, rows*cols)
	kernels.Dequantize(block, scaleVals, rows, cols, out)
	return out, nil
}

func layerName(section string, i int, leaf string) string {
	return fmt.Sprintf("%s.layers.%d.%s", section, i, leaf)
}

// loadEncoderWeights pulls every tensor the encoder needs out of f,
// following the naming convention documented in DESIGN.md's "tensor
// naming" load-time resolution of spec.md §9's configuration open
// question.
func loadEncoderWeights(f *safetensors.File, cfg *config.ModelConfig) (*encoder.Weights, stemParams, error) {
	var sp stemParams
	conv1W, err := loadLinear(f, "encoder.conv1.weight")
	if err != nil {
		return nil, sp, err
	}
	conv1B, err := loadLinear(f, "encoder.conv1.bias")
	if err != nil {
		return nil, sp, err
	}
	conv2W, err := loadLinear(f, "encoder.conv2.weight")
	if err != nil {
		return nil, sp, err
	}
	conv2B, err := loadLinear(f, "encoder.conv2.bias")
	if err != nil {
		return nil, sp, err
	}
	conv1Info, err := f.Info("encoder.conv1.weight")
	if err != nil {
		return nil, sp, err
	}
	conv2Info, err := f.Info("encoder.conv2.weight")
	if err != nil {
		return nil, sp, err
	}
	// Conv weight tensors are (outDim x inChannels x kernel). Following
	// the Whisper-style stem convention, only the second conv downsamples
	// (stride = cfg.EncConvStride); the first has stride 1 and exists
	// purely to project mel bins up to the model dimension.
	sp = stemParams{
		melBins: conv1Info.Shape[1], dim: conv1Info.Shape[0],
		stride1: 1, kernel1: conv1Info.Shape[2], w1: conv1W, b1: conv1B,
		stride2: cfg.EncConvStride, kernel2: conv2Info.Shape[2], w2: conv2W, b2: conv2B,
	}
	stem := encoder.NewConvStem(sp.melBins, sp.dim, sp.stride1, sp.kernel1, sp.w1, sp.b1, sp.stride2, sp.kernel2, sp.w2, sp.b2)

	blocks := make([]encoder.BlockWeights, cfg.EncLayers)
	for i := range blocks {
		bw := encoder.BlockWeights{}
		var err error
		if bw.Ln1Gain, err = loadLinear(f, layerName("encoder", i, "norm1.weight")); err != nil {
			return nil, sp, err
		}
		if bw.Ln2Gain, err = loadLinear(f, layerName("encoder", i, "norm2.weight")); err != nil {
			return nil, sp, err
		}
		if bw.Wq, err = loadLinear(f, layerName("encoder", i, "self_attn.q_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.Wk, err = loadLinear(f, layerName("encoder", i, "self_attn.k_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.Wv, err = loadLinear(f, layerName("encoder", i, "self_attn.v_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.Wo, err = loadLinear(f, layerName("encoder", i, "self_attn.out_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.FFNGate, err = loadLinear(f, layerName("encoder", i, "mlp.gate_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.FFNUp, err = loadLinear(f, layerName("encoder", i, "mlp.up_proj.weight")); err != nil {
			return nil, sp, err
		}
		if bw.FFNDown, err = loadLinear(f, layerName("encoder", i, "mlp.down_proj.weight")); err != nil {
			return nil, sp, err
		}
		blocks[i] = bw
	}

	finalNorm, err := loadLinear(f, "encoder.norm.weight")
	if err != nil {
		return nil, sp, err
	}

	w := &encoder.Weights{Stem: stem, Blocks: blocks, FinalNorm: finalNorm}
	if !cfg.EncoderRope {
		w.PosTable = encoder.SinusoidalTable(cfg.MaxContext, cfg.EncDim)
	}
	return w, sp, nil
}

// loadDecoderWeights mirrors loadEncoderWeights for the decoder stack,
// additionally loading cross-attention projections and the output head.
func loadDecoderWeights(f *safetensors.File, cfg *config.ModelConfig) (*decoder.Weights, error) {
	embed, err := loadLinear(f, "decoder.embed_tokens.weight")
	if err != nil {
		return nil, err
	}

	blocks := make([]decoder.BlockWeights, cfg.DecLayers)
	for i := range blocks {
		bw := decoder.BlockWeights{}
		var err error
		if bw.Ln1Gain, err = loadLinear(f, layerName("decoder", i, "norm1.weight")); err != nil {
			return nil, err
		}
		if bw.Ln2Gain, err = loadLinear(f, layerName("decoder", i, "norm2.weight")); err != nil {
			return nil, err
		}
		if bw.Ln3Gain, err = loadLinear(f, layerName("decoder", i, "norm3.weight")); err != nil {
			return nil, err
		}
		if bw.Wq, err = loadLinear(f, layerName("decoder", i, "self_attn.q_proj.weight")); err != nil {
			return nil, err
		}
		if bw.Wk, err = loadLinear(f, layerName("decoder", i, "self_attn.k_proj.weight")); err != nil {
			return nil, err
		}
		if bw.Wv, err = loadLinear(f, layerName("decoder", i, "self_attn.v_proj.weight")); err != nil {
			return nil, err
		}
		if bw.Wo, err = loadLinear(f, layerName("decoder", i, "self_attn.o_proj.weight")); err != nil {
			return nil, err
		}
		if bw.CrossWq, err = loadLinear(f, layerName("decoder", i, "cross_attn.q_proj.weight")); err != nil {
			return nil, err
		}
		if bw.CrossWk, err = loadLinear(f, layerName("decoder", i, "cross_attn.k_proj.weight")); err != nil {
			return nil, err
		}
		if bw.CrossWv, err = loadLinear(f, layerName("decoder", i, "cross_attn.v_proj.weight")); err != nil {
			return nil, err
		}
		if bw.CrossWo, err = loadLinear(f, layerName("decoder", i, "cross_attn.o_proj.weight")); err != nil {
			return nil, err
		}
		if bw.FFNGate, err = loadLinear(f, layerName("decoder", i, "mlp.gate_proj.weight")); err != nil {
			return nil, err
		}
		if bw.FFNUp, err = loadLinear(f, layerName("decoder", i, "mlp.up_proj.weight")); err != nil {
			return nil, err
		}
		if bw.FFNDown, err = loadLinear(f, layerName("decoder", i, "mlp.down_proj.weight")); err != nil {
			return nil, err
		}
		blocks[i] = bw
	}

	finalNorm, err := loadLinear(f, "decoder.norm.weight")
	if err != nil {
		return nil, err
	}

	outputProj, err := loadLinear(f, "decoder.lm_head.weight")
	if err != nil {
		// Tied embeddings: some checkpoints reuse embed_tokens as the
		// output projection and omit a separate lm_head tensor.
		outputProj = embed
	}

	return &decoder.Weights{
		EmbedTokens: embed,
		Blocks:      blocks,
		FinalNorm:   finalNorm,
		OutputProj:  outputProj,
	}, nil
}

package asr

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/antirez/qwen-asr/decoder"
	"github.com/antirez/qwen-asr/encoder"
)

// dequantCache is the gob-serialized form of a checkpoint's
// already-dequantized float32 weights, direct descendant of the teacher's
// modelData/SaveTransformer/LoadTransformer round trip
// (_examples/manningwu07-transformer/src/transformer/transformer.go),
// repointed from training checkpoints at inference-time weight caching:
// rematerializing int8 tensors to float32 on every load is wasted CPU
// against a checkpoint that never changes on disk.
type dequantCache struct {
	Stem           stemParams
	EncBlocks      []encoder.BlockWeights
	EncPosTable    []float32
	EncFinalNorm   []float32
	DecEmbedTokens []float32
	DecBlocks      []decoder.BlockWeights
	DecFinalNorm   []float32
	DecOutputProj  []float32
}

// stemParams is the raw constructor arguments for encoder.NewConvStem,
// kept alongside *encoder.Weights by Load so a dequant cache can be
// written without reaching into the ConvStem's private fields.
type stemParams struct {
	melBins, dim     int
	stride1, kernel1 int
	w1, b1           []float32
	stride2, kernel2 int
	w2, b2           []float32
}

// SaveDequantCache writes the Context's fully materialized float32
// weights to path, skipping safetensors re-dequantization on the next
// Load against the same checkpoint (SPEC_FULL.md §6).
func (c *Context) SaveDequantCache(path string) error {
	dc := dequantCache{
		Stem:           c.stem,
		EncBlocks:      c.encWeights.Blocks,
		EncPosTable:    c.encWeights.PosTable,
		EncFinalNorm:   c.encWeights.FinalNorm,
		DecEmbedTokens: c.decWeights.EmbedTokens,
		DecBlocks:      c.decWeights.Blocks,
		DecFinalNorm:   c.decWeights.FinalNorm,
		DecOutputProj:  c.decWeights.OutputProj,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dc); err != nil {
		return fmt.Errorf("qwen-asr: encoding dequant cache: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// loadDequantCache reconstructs encoder/decoder weight structs plus the
// conv-stem constructor parameters from a cache file written by
// SaveDequantCache.
func loadDequantCache(path string) (*encoder.Weights, stemParams, *decoder.Weights, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, stemParams{}, nil, err
	}
	var dc dequantCache
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&dc); err != nil {
		return nil, stemParams{}, nil, fmt.Errorf("qwen-asr: decoding dequant cache %s: %w", path, err)
	}
	sp := dc.Stem
	stem := encoder.NewConvStem(sp.melBins, sp.dim, sp.stride1, sp.kernel1, sp.w1, sp.b1, sp.stride2, sp.kernel2, sp.w2, sp.b2)
	ew := &encoder.Weights{Stem: stem, PosTable: dc.EncPosTable, Blocks: dc.EncBlocks, FinalNorm: dc.EncFinalNorm}
	dw := &decoder.Weights{EmbedTokens: dc.DecEmbedTokens, Blocks: dc.DecBlocks, FinalNorm: dc.DecFinalNorm, OutputProj: dc.DecOutputProj}
	return ew, sp, dw, nil
}

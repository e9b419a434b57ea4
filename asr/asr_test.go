package asr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/antirez/qwen-asr/decoder"
	"github.com/antirez/qwen-asr/encoder"
	"github.com/antirez/qwen-asr/tokenizer"
)

func randWeights(n int, seed float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = seed + float32(i)*0.01
	}
	return out
}

func buildTestStem() stemParams {
	return stemParams{
		melBins: 4, dim: 6,
		stride1: 1, kernel1: 3, w1: randWeights(6*4*3, 0.1), b1: randWeights(6, 0.2),
		stride2: 2, kernel2: 3, w2: randWeights(6*6*3, 0.3), b2: randWeights(6, 0.4),
	}
}

// TestDequantCacheRoundTrip exercises the gob round trip SaveDequantCache /
// loadDequantCache form without touching the safetensors or tokenizer
// loaders: it builds small weight structs by hand, matching the pattern
// encoder_test.go and decoder_test.go use for hand-built fixtures.
func TestDequantCacheRoundTrip(t *testing.T) {
	sp := buildTestStem()
	encW := &encoder.Weights{
		Stem: encoder.NewConvStem(sp.melBins, sp.dim, sp.stride1, sp.kernel1, sp.w1, sp.b1,
			sp.stride2, sp.kernel2, sp.w2, sp.b2),
		PosTable: randWeights(32*6, 0.5),
		Blocks: []encoder.BlockWeights{
			{
				Ln1Gain: randWeights(6, 1), Ln2Gain: randWeights(6, 1),
				Wq: randWeights(6*6, 2), Wk: randWeights(6*6, 2), Wv: randWeights(6*6, 2), Wo: randWeights(6*6, 2),
				FFNGate: randWeights(12*6, 3), FFNUp: randWeights(12*6, 3), FFNDown: randWeights(6*12, 3),
			},
		},
		FinalNorm: randWeights(6, 4),
	}
	decW := &decoder.Weights{
		EmbedTokens: randWeights(10*6, 5),
		Blocks: []decoder.BlockWeights{
			{
				Ln1Gain: randWeights(6, 1), Ln2Gain: randWeights(6, 1), Ln3Gain: randWeights(6, 1),
				Wq: randWeights(6*6, 2), Wk: randWeights(6*6, 2), Wv: randWeights(6*6, 2), Wo: randWeights(6*6, 2),
				CrossWq: randWeights(6*6, 2), CrossWk: randWeights(6*6, 2), CrossWv: randWeights(6*6, 2), CrossWo: randWeights(6*6, 2),
				FFNGate: randWeights(12*6, 3), FFNUp: randWeights(12*6, 3), FFNDown: randWeights(6*12, 3),
			},
		},
		FinalNorm:  randWeights(6, 4),
		OutputProj: randWeights(10*6, 6),
	}

	c := &Context{encWeights: encW, decWeights: decW, stem: sp}
	path := filepath.Join(t.TempDir(), "dequant_cache.gob")
	if err := c.SaveDequantCache(path); err != nil {
		t.Fatalf("SaveDequantCache: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file missing: %v", err)
	}

	gotEnc, gotSp, gotDec, err := loadDequantCache(path)
	if err != nil {
		t.Fatalf("loadDequantCache: %v", err)
	}
	if !reflect.DeepEqual(gotSp, sp) {
		t.Fatalf("stemParams mismatch:\ngot  %+v\nwant %+v", gotSp, sp)
	}
	if !reflect.DeepEqual(gotEnc.Blocks, encW.Blocks) {
		t.Fatal("encoder blocks mismatch after round trip")
	}
	if !reflect.DeepEqual(gotEnc.PosTable, encW.PosTable) {
		t.Fatal("encoder pos table mismatch after round trip")
	}
	if !reflect.DeepEqual(gotEnc.FinalNorm, encW.FinalNorm) {
		t.Fatal("encoder final norm mismatch after round trip")
	}
	if !reflect.DeepEqual(gotDec.Blocks, decW.Blocks) {
		t.Fatal("decoder blocks mismatch after round trip")
	}
	if !reflect.DeepEqual(gotDec.EmbedTokens, decW.EmbedTokens) {
		t.Fatal("decoder embed tokens mismatch after round trip")
	}
	if !reflect.DeepEqual(gotDec.OutputProj, decW.OutputProj) {
		t.Fatal("decoder output proj mismatch after round trip")
	}
	if gotEnc.Stem == nil {
		t.Fatal("reconstructed conv stem is nil")
	}
}

func TestLoadDequantCacheMissingFileErrors(t *testing.T) {
	_, _, _, err := loadDequantCache(filepath.Join(t.TempDir(), "nope.gob"))
	if err == nil {
		t.Fatal("expected error for missing cache file")
	}
}

func TestLoadDequantCacheCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gob")
	if err := os.WriteFile(path, []byte("not a gob stream"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, _, err := loadDequantCache(path)
	if err == nil {
		t.Fatal("expected error for corrupt cache file")
	}
}

// TestBuildModelConfigCarriesAudioConstantsAndCheckpointFields checks the
// config.json -> config.ModelConfig translation spec.md §9 requires: fixed
// audio constants plus whatever the sidecar declares, nothing inferred.
func TestBuildModelConfigCarriesAudioConstantsAndCheckpointFields(t *testing.T) {
	cj := configJSON{
		EncDim: 512, EncHeads: 8, EncLayers: 6, EncFFNMult: 4, EncConvStride: 4,
		DecDim: 512, DecQueryHeads: 8, DecKVGroups: 2, DecLayers: 6, DecFFNMult: 4,
		VocabSize: 32000, MaxContext: 448, RopeBase: 10000, RMSNormEps: 1e-6, EncoderRope: true,
	}
	cfg := buildModelConfig(cj)
	if cfg.SampleRate != 16000 || cfg.HopLength != 160 || cfg.WinLength != 400 || cfg.NFFT != 512 || cfg.MelBins != 128 {
		t.Fatalf("audio constants not carried verbatim: %+v", cfg)
	}
	if cfg.EncDim != cj.EncDim || cfg.DecLayers != cj.DecLayers || cfg.VocabSize != cj.VocabSize {
		t.Fatalf("checkpoint fields not carried through: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSetForceLanguageEmptyClearsWithoutTouchingTokenizer(t *testing.T) {
	c := &Context{forceLanguage: "en"}
	if err := c.SetForceLanguage(""); err != nil {
		t.Fatalf("SetForceLanguage(\"\"): %v", err)
	}
	if c.forceLanguage != "" {
		t.Fatalf("forceLanguage = %q, want empty", c.forceLanguage)
	}
}

func TestPerfZeroValueBeforeAnyTranscribe(t *testing.T) {
	c := &Context{}
	p := c.Perf()
	if p.TotalMs != 0 || p.TextTokens != 0 {
		t.Fatalf("Perf() on fresh Context = %+v, want zero value", p)
	}
}

func TestSetPromptStoresVerbatim(t *testing.T) {
	c := &Context{}
	c.SetPrompt("please transcribe carefully")
	if c.prompt != "please transcribe carefully" {
		t.Fatalf("prompt = %q", c.prompt)
	}
}

func TestTranscribeRejectsOutOfRangeN(t *testing.T) {
	c := &Context{}
	if _, err := c.Transcribe(make([]float32, 4), 5); err == nil {
		t.Fatal("expected error when n exceeds buffer length")
	}
	if _, err := c.Transcribe(make([]float32, 4), -1); err == nil {
		t.Fatal("expected error when n is negative")
	}
}

// loadTestTokenizer writes a minimal vocab.json with the structural tokens
// buildPrompt depends on, plus single-letter entries for "h"/"i" so a short
// ASCII prompt ("hi") can round-trip through the real byte-level BPE path
// instead of being stubbed out.
func loadTestTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	dir := t.TempDir()
	vocab := map[string]any{
		"vocab": map[string]int{
			"<|bos|>": 0, "<|eos|>": 1, "<|system|>": 2, "<|user|>": 3,
			"<|assistant|>": 4, "<|lang_en|>": 5, "h": 6, "i": 7,
		},
		"merges": []string{},
		"special_tokens": map[string]int{
			"<|bos|>": 0, "<|eos|>": 1, "<|system|>": 2, "<|user|>": 3,
			"<|assistant|>": 4, "<|lang_en|>": 5,
		},
	}
	raw, err := json.Marshal(vocab)
	if err != nil {
		t.Fatalf("marshal vocab fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vocab.json"), raw, 0o644); err != nil {
		t.Fatalf("write vocab.json fixture: %v", err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		t.Fatalf("tokenizer.Load: %v", err)
	}
	return tok
}

// TestBuildPromptNoPromptNoLanguageAddsSystemAssistantFrame covers spec.md
// §4.6's baseline: the system/assistant frame is present even with no user
// prompt text and no forced language, so the decoder always sees a closed
// chat-style prefix rather than a bare BOS.
func TestBuildPromptNoPromptNoLanguageAddsSystemAssistantFrame(t *testing.T) {
	c := &Context{tok: loadTestTokenizer(t)}
	ids, err := c.buildPrompt()
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	want := []int{c.tok.BOS(), 2, 4} // BOS, <|system|>, <|assistant|>
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("buildPrompt() = %v, want %v", ids, want)
	}
}

// TestBuildPromptForcedLanguageAppendsTagAtEnd is the exact regression the
// reviewer flagged: the language tag must be the very last token, not the
// one right after BOS.
func TestBuildPromptForcedLanguageAppendsTagAtEnd(t *testing.T) {
	c := &Context{tok: loadTestTokenizer(t)}
	if err := c.SetForceLanguage("en"); err != nil {
		t.Fatalf("SetForceLanguage: %v", err)
	}
	ids, err := c.buildPrompt()
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	want := []int{c.tok.BOS(), 2, 4, 5} // BOS, <|system|>, <|assistant|>, <|lang_en|>
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("buildPrompt() = %v, want %v", ids, want)
	}
}

// TestBuildPromptWithPromptTextInsertsTokensBetweenSystemAndAssistant checks
// that prompt text lands inside the system/assistant frame rather than
// gating whether the frame appears at all.
func TestBuildPromptWithPromptTextInsertsTokensBetweenSystemAndAssistant(t *testing.T) {
	c := &Context{tok: loadTestTokenizer(t)}
	c.SetPrompt("hi")
	ids, err := c.buildPrompt()
	if err != nil {
		t.Fatalf("buildPrompt: %v", err)
	}
	if len(ids) < 4 {
		t.Fatalf("buildPrompt() = %v, want at least [BOS, system, ...prompt..., assistant]", ids)
	}
	if ids[0] != c.tok.BOS() || ids[1] != 2 {
		t.Fatalf("buildPrompt() head = %v, want [BOS, <|system|>, ...]", ids[:2])
	}
	if ids[len(ids)-1] != 4 {
		t.Fatalf("buildPrompt() tail = %d, want <|assistant|> (4)", ids[len(ids)-1])
	}
	middle := ids[2 : len(ids)-1]
	if len(middle) == 0 {
		t.Fatal("expected encoded prompt tokens between <|system|> and <|assistant|>")
	}
}

func TestBuildPromptUnsupportedForcedLanguageErrors(t *testing.T) {
	c := &Context{tok: loadTestTokenizer(t)}
	c.forceLanguage = "zz"
	if _, err := c.buildPrompt(); err == nil {
		t.Fatal("expected error for unsupported forced language")
	}
}

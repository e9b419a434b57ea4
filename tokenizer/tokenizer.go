// Package tokenizer wraps github.com/sugarme/tokenizer to load the
// pretrained byte-level BPE vocabulary shipped as vocab.json inside a
// model directory, and to encode/decode text against it.
//
// Grounded on _examples/manningwu07-transformer/go/IO/bpe_tokenizer.go,
// the only sugarme/tokenizer call site in the corpus: it shows
// models.NewBPE/tk.NewTokenizer for constructing a tokenizer around a BPE
// model, EncodeSingle for encoding, and GetVocab(true) for reading out the
// id<->token table. This package reuses that construction idiom but swaps
// the teacher's from-scratch trainer and whitespace pretokenizer for the
// pretrained, byte-level pair the Qwen3-ASR vocabulary needs:
// models.NewBPEFromFiles loads an already-trained vocabulary+merges pair
// instead of training one, and pretokenizers.NewByteLevel()/
// decoders.NewByteLevel() replace WhitespaceSplit, since this engine never
// trains and the vocabulary is byte-level.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoders"
	"github.com/sugarme/tokenizer/models"
	"github.com/sugarme/tokenizer/pretokenizers"
)

// Special token strings expected in the vocabulary, per spec.md §4.7.
const (
	TokenBOS       = "<|bos|>"
	TokenEOS       = "<|eos|>"
	TokenSystem    = "<|system|>"
	TokenUser      = "<|user|>"
	TokenAssistant = "<|assistant|>"
)

// Tokenizer wraps a loaded vocab.json plus derived lookup tables for the
// special tokens and language tags the ASR engine cares about.
type Tokenizer struct {
	t         *tk.Tokenizer
	tokToID   map[string]int
	idToTok   []string
	bosID     int
	eosID     int
	systemID  int
	userID    int
	asstID    int
	languages map[string]int // "en" -> id of "<|lang_en|>"
}

// vocabFile is the on-disk shape of vocab.json (spec.md §6): a token->id
// table, an ordered list of BPE merge pairs serialized as "a b" strings,
// and a symbolic-name->id table for the structural tokens.
type vocabFile struct {
	Vocab         map[string]int `json:"vocab"`
	Merges        []string       `json:"merges"`
	SpecialTokens map[string]int `json:"special_tokens"`
}

// Load reads vocab.json from modelDir and builds the special-token and
// language-tag lookup tables. Per spec.md §9, language tokens are
// discovered by scanning special_tokens for the "<|lang_xx|>" pattern
// rather than assumed from a fixed list, since the set varies by release.
func Load(modelDir string) (*Tokenizer, error) {
	path := filepath.Join(modelDir, "vocab.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: loading %s: %w", path, err)
	}
	var vf vocabFile
	if err := json.Unmarshal(raw, &vf); err != nil {
		return nil, fmt.Errorf("tokenizer: parsing %s: %w", path, err)
	}
	if len(vf.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer: %s has an empty vocab table", path)
	}

	bpeModel, err := buildBPEModel(vf)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: building BPE model from %s: %w", path, err)
	}

	t := tk.NewTokenizer(bpeModel)
	t.WithPreTokenizer(pretokenizers.NewByteLevel())
	t.WithDecoder(decoders.NewByteLevel())

	vocab := t.GetVocab(true)
	idToTok := make([]string, len(vocab))
	tokToID := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tokToID[tok] = id
		if id >= 0 && id < len(idToTok) {
			idToTok[id] = tok
		}
	}

	languages := make(map[string]int)
	for name := range vf.SpecialTokens {
		if strings.HasPrefix(name, "<|lang_") && strings.HasSuffix(name, "|>") {
			code := strings.TrimSuffix(strings.TrimPrefix(name, "<|lang_"), "|>")
			languages[code] = vf.SpecialTokens[name]
		}
	}

	tt := &Tokenizer{
		t:         t,
		tokToID:   tokToID,
		idToTok:   idToTok,
		languages: languages,
	}
	var ok bool
	if tt.bosID, ok = vf.SpecialTokens[TokenBOS]; !ok {
		return nil, fmt.Errorf("tokenizer: %s special_tokens missing %s", path, TokenBOS)
	}
	if tt.eosID, ok = vf.SpecialTokens[TokenEOS]; !ok {
		return nil, fmt.Errorf("tokenizer: %s special_tokens missing %s", path, TokenEOS)
	}
	// System/user/assistant role tokens are used by asr.buildPrompt but are
	// optional: some releases may not ship a chat-style prompt prefix.
	tt.systemID, tt.userID, tt.asstID = -1, -1, -1
	if id, ok := vf.SpecialTokens[TokenSystem]; ok {
		tt.systemID = id
	}
	if id, ok := vf.SpecialTokens[TokenUser]; ok {
		tt.userID = id
	}
	if id, ok := vf.SpecialTokens[TokenAssistant]; ok {
		tt.asstID = id
	}

	return tt, nil
}

// buildBPEModel adapts vocab.json's single-file {vocab, merges} shape to
// the two separate files models.NewBPEFromFiles expects (the standard
// HuggingFace vocab.json + merges.txt pair), by writing them into a
// scratch directory that is removed once the model is built.
func buildBPEModel(vf vocabFile) (*models.BPE, error) {
	dir, err := os.MkdirTemp("", "qwen-asr-bpe-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	vocabPath := filepath.Join(dir, "vocab.json")
	vocabBytes, err := json.Marshal(vf.Vocab)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(vocabPath, vocabBytes, 0o644); err != nil {
		return nil, err
	}

	mergesPath := filepath.Join(dir, "merges.txt")
	if err := os.WriteFile(mergesPath, []byte(strings.Join(vf.Merges, "\n")), 0o644); err != nil {
		return nil, err
	}

	return models.NewBPEFromFiles(vocabPath, mergesPath)
}

// VocabSize returns the number of entries in the loaded vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.idToTok) }

// BOS and EOS return the special token ids used to frame decoder input.
func (t *Tokenizer) BOS() int { return t.bosID }
func (t *Tokenizer) EOS() int { return t.eosID }

// RoleTokens returns the system/user/assistant token ids, or -1 for any
// that are absent from this vocabulary.
func (t *Tokenizer) RoleTokens() (system, user, assistant int) {
	return t.systemID, t.userID, t.asstID
}

// LanguageToken returns the id of "<|lang_code|>" and whether it exists.
func (t *Tokenizer) LanguageToken(code string) (int, bool) {
	id, ok := t.languages[strings.ToLower(code)]
	return id, ok
}

// SupportedLanguagesCsv returns every language code discovered in the
// vocabulary as a sorted comma-separated string, per spec.md §6
// (SupportedLanguagesCsv external interface).
func (t *Tokenizer) SupportedLanguagesCsv() string {
	codes := make([]string, 0, len(t.languages))
	for c := range t.languages {
		codes = append(codes, c)
	}
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j-1] > codes[j]; j-- {
			codes[j-1], codes[j] = codes[j], codes[j-1]
		}
	}
	return strings.Join(codes, ",")
}

// Encode turns text into token ids, without adding BOS/EOS (callers frame
// the sequence themselves; the decoder prompt is structural, not free
// text, per spec.md §4.7).
func (t *Tokenizer) Encode(text string) ([]int, error) {
	enc, err := t.t.EncodeSingle(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: encode: %w", err)
	}
	ids := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		ids[i] = int(v)
	}
	return ids, nil
}

// Decode renders token ids back to text, dropping special tokens such as
// BOS/EOS/role/language markers (spec.md §4.7: "decoded text excludes
// structural tokens").
func (t *Tokenizer) Decode(ids []int) (string, error) {
	u32 := make([]uint32, 0, len(ids))
	for _, v := range ids {
		if t.IsSpecial(v) {
			continue
		}
		u32 = append(u32, uint32(v))
	}
	text, err := t.t.Decode(u32, true)
	if err != nil {
		return "", fmt.Errorf("tokenizer: decode: %w", err)
	}
	return text, nil
}

// TokenString returns the surface string for an id, or "" if out of range.
func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.idToTok) {
		return ""
	}
	return t.idToTok[id]
}

// IsSpecial reports whether a token id is one of the structural markers
// (anything of the form "<|...|>") rather than ordinary vocabulary.
func (t *Tokenizer) IsSpecial(id int) bool {
	s := t.TokenString(id)
	return strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

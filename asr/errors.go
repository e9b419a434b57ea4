package asr

import "errors"

// Sentinel errors matching spec.md §7's error taxonomy. Loader errors from
// safetensors/tokenizer are wrapped with %w rather than redefined here, so
// callers match them with errors.Is against the package-local sentinels
// (e.g. safetensors.ErrShapeMismatch); there is no asr-level copy.
var (
	ErrUnsupportedLanguage = errors.New("qwen-asr: unsupported language")
	ErrOutOfMemory         = errors.New("qwen-asr: allocation failed")
	ErrAudioTooLong        = errors.New("qwen-asr: audio exceeds max context after encoding")
	ErrInvalidArgument     = errors.New("qwen-asr: invalid argument")
)

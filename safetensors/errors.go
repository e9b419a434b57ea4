package safetensors

import "errors"

// Sentinel errors wrapped by the functions above; callers use errors.Is.
var (
	ErrFileNotFound     = errors.New("safetensors: file not found")
	ErrHeaderParse      = errors.New("safetensors: header parse error")
	ErrUnsupportedDtype = errors.New("safetensors: unsupported dtype")
	ErrShapeMismatch    = errors.New("safetensors: shape mismatch")
	ErrMissingTensor    = errors.New("safetensors: missing tensor")
)

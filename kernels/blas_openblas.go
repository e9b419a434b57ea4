//go:build openblas

package kernels

// #cgo LDFLAGS: -lopenblas
import "C"

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/cgo"
)

// Building with `-tags openblas` links OpenBLAS and routes every
// blas32.Gemm call through it — the Linux analogue of blas_accel.go.
func init() {
	blas32.Use(cgo.Implementation{})
}

//go:build accelerate

package kernels

// #cgo LDFLAGS: -framework Accelerate
import "C"

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/cgo"
)

// Building with `-tags accelerate` links Apple's Accelerate framework and
// routes every blas32.Gemm call in this package through it, the float32
// analogue of the teacher's blas_accel.go (which does the same for
// blas64/mat.Dense). On Linux, build with `-tags openblas` instead (see
// blas_openblas.go) to get the same effect via OpenBLAS.
func init() {
	blas32.Use(cgo.Implementation{})
}

package kernels

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a flat row-major float32 buffer with an explicit shape,
// mirroring the teacher's mat.Dense usage but single-precision and
// allocation-free for scratch reuse (spec.md §5: "no per-request heap
// traffic in steady state").
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewMatrix allocates a zeroed Rows x Cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

func (m Matrix) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

// Gemm computes C = alpha*A*B + beta*C (row-major, no transpose), where A
// is (m x k), B is (k x n), C is (m x n). Dispatches to blas32.Gemm, which
// in turn dispatches to whatever blas32.Implementation is installed:
// Accelerate/OpenBLAS when built with the accelerate/openblas tag (see
// blas_accel.go), otherwise gonum's own per-ISA assembly kernels (the
// "generic fallback" of spec.md §4.1).
func Gemm(alpha float32, a, b Matrix, beta float32, c Matrix) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, a.general(), b.general(), beta, c.general())
}

// GemmTransA computes C = alpha*A^T*B + beta*C without materializing the
// transpose. Attention scores use GemmTransB instead (Q*K^T).
func GemmTransA(alpha float32, a, b Matrix, beta float32, c Matrix) {
	blas32.Gemm(blas.Trans, blas.NoTrans, alpha, a.general(), b.general(), beta, c.general())
}

// GemmTransB computes C = alpha*A*B^T + beta*C.
func GemmTransB(alpha float32, a, b Matrix, beta float32, c Matrix) {
	blas32.Gemm(blas.NoTrans, blas.Trans, alpha, a.general(), b.general(), beta, c.general())
}

// GemmGeneric is a tiled, allocation-free scalar reference implementation,
// used only by tests to verify backend equivalence (spec.md §8: "GEMM
// backend equivalence: BLAS and generic kernels agree to 1e-4 relative").
// Production code always goes through Gemm/GemmTransA/GemmTransB.
func GemmGeneric(alpha float32, a, b Matrix, beta float32, c Matrix) {
	const tile = 64
	m, k, n := a.Rows, a.Cols, b.Cols
	RunParallel(m, func(rowStart, rowEnd int) {
		for i0 := rowStart; i0 < rowEnd; i0 += tile {
			iMax := min(i0+tile, rowEnd)
			for j0 := 0; j0 < n; j0 += tile {
				jMax := min(j0+tile, n)
				for i := i0; i < iMax; i++ {
					crow := c.Data[i*c.Cols : i*c.Cols+n]
					for j := j0; j < jMax; j++ {
						crow[j] *= beta
					}
				}
				for p0 := 0; p0 < k; p0 += tile {
					pMax := min(p0+tile, k)
					for i := i0; i < iMax; i++ {
						arow := a.Data[i*a.Cols : i*a.Cols+k]
						crow := c.Data[i*c.Cols : i*c.Cols+n]
						for p := p0; p < pMax; p++ {
							av := alpha * arow[p]
							if av == 0 {
								continue
							}
							brow := b.Data[p*b.Cols : p*b.Cols+n]
							for j := j0; j < jMax; j++ {
								crow[j] += av * brow[j]
							}
						}
					}
				}
			}
		}
	})
}

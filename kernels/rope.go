package kernels

import "math"

// RopeApply rotates even/odd feature pairs of x by per-position,
// per-frequency angles. x is (nRows x nHeads*headDim) row-major; positions
// has length nRows (one absolute position per row); base is the rotary
// base frequency (spec.md §4.1: θ_i = base^(-2i/headDim), 2D rotation
// (x0,x1) <- (x0 cosθp - x1 sinθp, x0 sinθp + x1 cosθp)).
//
// Applying RopeApply at position p and then at position -p is an
// involution: the second rotation is the inverse of the first (spec.md
// §8, "Rotary involution").
func RopeApply(x []float32, nRows, nHeads, headDim int, positions []int, base float64) {
	half := headDim / 2
	freqs := make([]float64, half)
	for i := 0; i < half; i++ {
		freqs[i] = math.Pow(base, -2*float64(i)/float64(headDim))
	}
	rowStride := nHeads * headDim
	RunParallel(nRows, func(rowStart, rowEnd int) {
		for r := rowStart; r < rowEnd; r++ {
			p := float64(positions[r])
			rowBase := r * rowStride
			for h := 0; h < nHeads; h++ {
				head := x[rowBase+h*headDim : rowBase+h*headDim+headDim]
				for i := 0; i < half; i++ {
					theta := p * freqs[i]
					cs, sn := math.Cos(theta), math.Sin(theta)
					x0, x1 := float64(head[2*i]), float64(head[2*i+1])
					head[2*i] = float32(x0*cs - x1*sn)
					head[2*i+1] = float32(x0*sn + x1*cs)
				}
			}
		}
	})
}

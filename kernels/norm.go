package kernels

import "math"

// RMSNorm normalizes each row of x (nRows x d) in place: x / sqrt(mean(x^2)
// + eps) * gain. gain has length d and is shared across rows, matching the
// teacher's optimizations.LayerNorm per-column normalization transposed to
// row-major (src/optimizations/layerNorm.go), but without the
// mean-subtraction LayerNorm does — RMSNorm skips centering by design.
func RMSNorm(x []float32, nRows, d int, gain []float32, eps float32) {
	for r := 0; r < nRows; r++ {
		row := x[r*d : r*d+d]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		rms := float32(math.Sqrt(ss/float64(d) + float64(eps)))
		inv := 1 / rms
		for i, v := range row {
			row[i] = v * inv * gain[i]
		}
	}
}

// EmbedLookup copies table rows indexed by ids into out. table is
// (vocabSize x d) row-major; out must have len(ids)*d capacity.
func EmbedLookup(table []float32, d int, ids []int, out []float32) {
	for i, id := range ids {
		copy(out[i*d:i*d+d], table[id*d:id*d+d])
	}
}

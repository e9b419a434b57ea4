package kernels

// Dequantize materializes a per-row symmetric int8 block into float32:
// out[r*cols+c] = float32(block[r*cols+c]) * scales[r]. This is the layout
// documented in DESIGN.md/SPEC_FULL.md §4 ("Dequantization layout"),
// grounded on other_examples/ariannamethod-yent.yo__quant.go and
// headlands-org-go-semantica__model_int8.go: one scale per output row, no
// zero-point (symmetric quantization), no zeros argument needed.
func Dequantize(block []int8, scales []float32, rows, cols int, out []float32) {
	for r := 0; r < rows; r++ {
		s := scales[r]
		rowIn := block[r*cols : r*cols+cols]
		rowOut := out[r*cols : r*cols+cols]
		for c, v := range rowIn {
			rowOut[c] = float32(v) * s
		}
	}
}

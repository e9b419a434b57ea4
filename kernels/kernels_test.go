package kernels

import (
	"math"
	"math/rand"
	"testing"
)

func randMatrix(rows, cols int, seed int64) Matrix {
	r := rand.New(rand.NewSource(seed))
	m := NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = float32(r.NormFloat64())
	}
	return m
}

func TestGemmMatchesGeneric(t *testing.T) {
	a := randMatrix(17, 33, 1)
	b := randMatrix(33, 9, 2)
	want := NewMatrix(17, 9)
	got := NewMatrix(17, 9)
	GemmGeneric(1, a, b, 0, want)
	Gemm(1, a, b, 0, got)
	for i := range want.Data {
		if diff := math.Abs(float64(want.Data[i] - got.Data[i])); diff > 1e-3 {
			t.Fatalf("element %d: generic=%v blas=%v diff=%v", i, want.Data[i], got.Data[i], diff)
		}
	}
}

func TestSoftmaxRowwiseSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4, -1, 0, 1, 2}
	SoftmaxRowwise(x, 2, 4, nil)
	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 4; c++ {
			sum += x[r*4+c]
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", r, sum)
		}
	}
}

func TestSoftmaxRowwiseShiftInvariant(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{1001, 1002, 1003, 1004}
	SoftmaxRowwise(a, 1, 4, nil)
	SoftmaxRowwise(b, 1, 4, nil)
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-4 {
			t.Errorf("index %d: shifted softmax diverged: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSoftmaxRowwiseMaskedExcludesFuture(t *testing.T) {
	x := []float32{1, 1, 1, 1}
	mask := []float32{0, 0, -1e30, -1e30}
	SoftmaxRowwise(x, 1, 4, mask)
	if x[2] != 0 || x[3] != 0 {
		t.Errorf("masked positions should collapse to 0 probability, got %v", x)
	}
	if math.Abs(float64(x[0]-0.5)) > 1e-5 {
		t.Errorf("unmasked positions should split the remaining mass, got %v", x)
	}
}

func TestRopeApplyIsInvolution(t *testing.T) {
	headDim := 8
	nHeads := 2
	x := make([]float32, nHeads*headDim)
	r := rand.New(rand.NewSource(3))
	for i := range x {
		x[i] = float32(r.NormFloat64())
	}
	orig := append([]float32(nil), x...)

	positions := []int{5}
	RopeApply(x, 1, nHeads, headDim, positions, 10000)
	negPositions := []int{-5}
	RopeApply(x, 1, nHeads, headDim, negPositions, 10000)

	for i := range x {
		if diff := math.Abs(float64(x[i] - orig[i])); diff > 1e-3 {
			t.Errorf("index %d: rotate by +5 then -5 did not restore original: got %v want %v", i, x[i], orig[i])
		}
	}
}

func TestRopeApplyZeroPositionIsIdentity(t *testing.T) {
	headDim := 4
	x := []float32{1, 2, 3, 4}
	orig := append([]float32(nil), x...)
	RopeApply(x, 1, 1, headDim, []int{0}, 10000)
	for i := range x {
		if x[i] != orig[i] {
			t.Errorf("position 0 should not rotate: index %d got %v want %v", i, x[i], orig[i])
		}
	}
}

func TestArgmaxRow(t *testing.T) {
	if got := ArgmaxRow([]float32{0.1, 0.5, 0.2}); got != 1 {
		t.Errorf("ArgmaxRow = %d, want 1", got)
	}
}

func TestArgmaxRowToleratesNaN(t *testing.T) {
	x := []float32{float32(math.NaN()), 0.5, 0.2}
	got := ArgmaxRow(x)
	if got != 1 {
		t.Errorf("ArgmaxRow with leading NaN = %d, want 1", got)
	}
}

func TestRMSNormUnitGainProducesUnitRMS(t *testing.T) {
	x := []float32{3, 4, 0, 0}
	gain := []float32{1, 1, 1, 1}
	RMSNorm(x, 1, 4, gain, 1e-6)
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	rms := math.Sqrt(ss / 4)
	if math.Abs(rms-1) > 1e-3 {
		t.Errorf("post-norm rms = %v, want ~1", rms)
	}
}

func TestResidualAdd(t *testing.T) {
	dst := []float32{1, 2, 3}
	src := []float32{10, 20, 30}
	ResidualAdd(dst, src)
	want := []float32{11, 22, 33}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestDequantize(t *testing.T) {
	block := []int8{1, 2, 3, -4, -5, -6}
	scales := []float32{2, 0.5}
	out := make([]float32, 6)
	Dequantize(block, scales, 2, 3, out)
	want := []float32{2, 4, 6, -2, -2.5, -3}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestPoolRunCoversAllIndices(t *testing.T) {
	p := Acquire(4)
	defer p.Release()
	seen := make([]int32, 100)
	p.Run(100, func(start, end int) {
		for i := start; i < end; i++ {
			seen[i] = 1
		}
	})
	for i, v := range seen {
		if v != 1 {
			t.Errorf("index %d not covered", i)
		}
	}
}

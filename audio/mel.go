// Package audio implements the mel spectrogram front-end: framing with a
// Hann window, a real FFT per frame, and a fixed Slaney-normalized mel
// filterbank, matching spec.md §4.1/§4.1 exactly (16 kHz, hop 160, window
// 400, 512-point FFT, 128 mel bins over 0-8000 Hz).
//
// Grounded on the windowing/filterbank/log-floor structure of
// _examples/haivivi-giztoy/go/pkg/audio/fbank/{fbank,mel}.go (the only
// from-scratch mel front-end in the pack), generalized from its
// unnormalized Hamming-window 80-bin Kaldi convention to this model's
// Hann-window 128-bin Slaney-normalized one, and using
// gonum.org/v1/gonum/dsp/fourier for the FFT instead of a hand-rolled
// Cooley-Tukey pass, since gonum is already the module's BLAS dependency
// and its dsp/fourier package is built for exactly this (see DESIGN.md).
package audio

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// hannWindow returns a periodic (not symmetric) Hann window of length n,
// matching the convention used by torch.hann_window/librosa for STFT
// framing.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// filterbank builds a (numMels x halfFFT) triangular mel filterbank with
// Slaney-style area normalization: each filter's weights are scaled by
// 2/(hz[m+2]-hz[m]) so that equal-energy inputs produce roughly equal mel
// magnitudes regardless of filter width.
func filterbank(numMels, nfft, sampleRate int, lowFreq, highFreq float64) [][]float64 {
	halfFFT := nfft/2 + 1
	lowMel, highMel := hzToMel(lowFreq), hzToMel(highFreq)

	melPoints := make([]float64, numMels+2)
	step := (highMel - lowMel) / float64(numMels+1)
	hzPoints := make([]float64, numMels+2)
	for i := range melPoints {
		melPoints[i] = lowMel + float64(i)*step
		hzPoints[i] = melToHz(melPoints[i])
	}

	binFreqs := make([]float64, halfFFT)
	for k := range binFreqs {
		binFreqs[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	bank := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		left, center, right := hzPoints[m], hzPoints[m+1], hzPoints[m+2]
		filter := make([]float64, halfFFT)
		norm := 2.0 / (right - left)
		for k, f := range binFreqs {
			var w float64
			switch {
			case f >= left && f <= center && center != left:
				w = (f - left) / (center - left)
			case f > center && f <= right && right != center:
				w = (right - f) / (right - center)
			}
			filter[k] = w * norm
		}
		bank[m] = filter
	}
	return bank
}

// Extractor precomputes the Hann window and mel filterbank for a fixed
// configuration, so repeated Transcribe calls do not rebuild them.
type Extractor struct {
	winLength int
	hopLength int
	nfft      int
	melBins   int
	window    []float64
	bank      [][]float64
	fft       *fourier.FFT
	logFloor  float64
}

// New builds an Extractor for the given sample rate / frame geometry / mel
// bin count. lowFreq/highFreq bound the filterbank (spec.md §4.1: 0-8000
// Hz for a 16 kHz front-end).
func New(sampleRate, winLength, hopLength, nfft, melBins int, lowFreq, highFreq float64) *Extractor {
	return &Extractor{
		winLength: winLength,
		hopLength: hopLength,
		nfft:      nfft,
		melBins:   melBins,
		window:    hannWindow(winLength),
		bank:      filterbank(melBins, nfft, sampleRate, lowFreq, highFreq),
		fft:       fourier.NewFFT(nfft),
		logFloor:  1e-10,
	}
}

// NumFrames returns ceil(nSamples / hopLength), matching spec.md §8's
// "Mel shape" testable property exactly, including the nSamples = 0 case
// (which yields 0 frames).
func NumFrames(nSamples, hopLength int) int {
	if nSamples <= 0 {
		return 0
	}
	return (nSamples + hopLength - 1) / hopLength
}

// Extract computes the log-mel spectrogram of samples[:nSamples]. The
// result is laid out mel[bin*nFrames+frame] (column-major over frames, per
// spec.md §4.1) so that a single mel channel's trajectory is contiguous,
// matching the encoder's per-channel convolution access pattern.
func (e *Extractor) Extract(samples []float32, nSamples int) (mel []float32, nFrames int) {
	nFrames = NumFrames(nSamples, e.hopLength)
	if nFrames == 0 {
		return []float32{}, 0
	}
	mel = make([]float32, e.melBins*nFrames)

	frame := make([]float64, e.nfft)
	halfFFT := e.nfft/2 + 1
	power := make([]float64, halfFFT)

	globalMax := math.Inf(-1)
	for t := 0; t < nFrames; t++ {
		start := t * e.hopLength
		for i := 0; i < e.winLength; i++ {
			idx := start + i
			var s float64
			if idx < nSamples {
				s = float64(samples[idx])
			}
			frame[i] = s * e.window[i]
		}
		for i := e.winLength; i < e.nfft; i++ {
			frame[i] = 0
		}

		coeffs := e.fft.Coefficients(nil, frame)
		for k := 0; k < halfFFT; k++ {
			c := coeffs[k]
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}

		for m := 0; m < e.melBins; m++ {
			var sum float64
			for k, w := range e.bank[m] {
				if w != 0 {
					sum += w * power[k]
				}
			}
			if sum < e.logFloor {
				sum = e.logFloor
			}
			v := math.Log(sum)
			mel[m*nFrames+t] = float32(v)
			if v > globalMax {
				globalMax = v
			}
		}
	}

	// Subtract the per-utterance global offset (its loudest bin) and clamp
	// the dynamic range to 8 natural-log-units below it, then rescale into
	// roughly [-1, 1]. This is the dynamic-range normalization documented
	// in DESIGN.md's resolution of the "model's expected input range" open
	// question, chosen because a fixed constant offset cannot account for
	// recordings at very different loudness levels.
	const dynamicRange = 8.0
	floor := globalMax - dynamicRange
	for i, v := range mel {
		f := float64(v)
		if f < floor {
			f = floor
		}
		mel[i] = float32((f-globalMax)/dynamicRange*2 + 1)
	}
	return mel, nFrames
}

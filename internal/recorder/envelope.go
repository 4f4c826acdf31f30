package recorder

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tunesync/tunesync/pkg/waveform"
)

// Envelope parameters, matching the analysis backend so local previews line
// up with backend waveforms.
const (
	FrameLength = 2048
	HopLength   = 512
	SmoothSigma = 5.0
)

// Envelope computes a normalised loudness curve from mono samples: frame RMS,
// min-max scaled to [0, 1] and smoothed with a Gaussian filter. Empty input or
// an invalid sample rate yields a StatusEmpty result.
func Envelope(samples []float32, sampleRate int) waveform.Result {
	if len(samples) == 0 || sampleRate <= 0 {
		return waveform.Normalize(&waveform.Raw{Times: []float64{}, Dynamics: []float64{}})
	}

	rms := frameRMS(samples)
	lo, hi := floats.Min(rms), floats.Max(rms)
	if span := hi - lo; span > 0 {
		floats.AddConst(-lo, rms)
		floats.Scale(1/span, rms)
	} else {
		for i := range rms {
			rms[i] = 0
		}
	}
	dyn := gaussianSmooth(rms, SmoothSigma)

	times := make([]float64, len(dyn))
	for i := range times {
		times[i] = float64(i*HopLength) / float64(sampleRate)
	}
	return waveform.Normalize(&waveform.Raw{Times: times, Dynamics: dyn})
}

// frameRMS returns the RMS of frames centred every HopLength samples. Frames
// running past either end are zero padded.
func frameRMS(samples []float32) []float64 {
	n := len(samples)/HopLength + 1
	out := make([]float64, n)
	frame := make([]float64, FrameLength)
	for i := range out {
		start := i*HopLength - FrameLength/2
		for j := range frame {
			k := start + j
			if k >= 0 && k < len(samples) {
				frame[j] = float64(samples[k])
			} else {
				frame[j] = 0
			}
		}
		out[i] = math.Sqrt(floats.Dot(frame, frame) / FrameLength)
	}
	return out
}

// gaussianSmooth convolves x with a Gaussian kernel truncated at four sigma,
// reflecting the signal at its edges.
func gaussianSmooth(x []float64, sigma float64) []float64 {
	radius := int(4*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	out := make([]float64, len(x))
	for i := range x {
		var acc float64
		for k, w := range kernel {
			acc += w * x[reflect(i+k-radius, len(x))]
		}
		out[i] = acc
	}
	return out
}

// reflect maps an out-of-range index back into [0, n) by mirroring at the
// edges (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

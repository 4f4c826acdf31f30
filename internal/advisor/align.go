package advisor

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tunesync/tunesync/pkg/waveform"
)

// DefaultAlignStep is the grid spacing, in seconds, used by [Align] in
// prompts.
const DefaultAlignStep = 0.1

// maxAlignPoints bounds the resampled grid. Longer curves are aligned on a
// coarser step.
const maxAlignPoints = 1 << 16

// Align estimates how far the recording trails the reference by
// cross-correlating the two loudness curves resampled onto a grid of the
// given step. A positive lag means the recording is late. ok is false when
// either curve is too short or flat to correlate.
func Align(ref, rec waveform.Waveform, step float64) (lag float64, ok bool) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return 0, false
	}
	span := math.Max(spanOf(ref), spanOf(rec))
	if math.IsNaN(span) || math.IsInf(span, 0) {
		return 0, false
	}
	step = math.Max(step, span/(maxAlignPoints-1))
	a := resample(rec, step)
	b := resample(ref, step)
	if len(a) < 2 || len(b) < 2 {
		return 0, false
	}
	if !center(a) || !center(b) {
		return 0, false
	}

	n := 1
	for n < len(a)+len(b)-1 {
		n <<= 1
	}
	fa := fft.FFTReal(pad(a, n))
	fb := fft.FFTReal(pad(b, n))
	for i := range fa {
		fa[i] *= cmplx.Conj(fb[i])
	}
	corr := fft.IFFT(fa)

	// corr[k] pairs rec[t+k] with ref[t]; negative k wraps to n+k.
	best, bestK := math.Inf(-1), 0
	for k := -(len(b) - 1); k < len(a); k++ {
		i := k
		if i < 0 {
			i += n
		}
		if v := real(corr[i]); v > best {
			best, bestK = v, k
		}
	}
	if best <= 0 {
		return 0, false
	}
	return float64(bestK) * step, true
}

func spanOf(w waveform.Waveform) float64 {
	lo, hi, ok := w.Bounds()
	if !ok {
		return 0
	}
	return hi - lo
}

// resample linearly interpolates w at multiples of step from its first
// sample time. It returns nil for grids far beyond maxAlignPoints.
func resample(w waveform.Waveform, step float64) []float64 {
	lo, hi, ok := w.Bounds()
	if !ok {
		return nil
	}
	n := (hi-lo)/step + 1
	if math.IsNaN(n) || n > 2*maxAlignPoints {
		return nil
	}
	count := int(n)
	out := make([]float64, count)
	j := 0
	for i := range out {
		t := lo + float64(i)*step
		for j+1 < w.Len() && w.At(j+1).Time <= t {
			j++
		}
		s := w.At(j)
		if j+1 >= w.Len() {
			out[i] = s.Dynamics
			continue
		}
		next := w.At(j + 1)
		frac := (t - s.Time) / (next.Time - s.Time)
		out[i] = s.Dynamics + frac*(next.Dynamics-s.Dynamics)
	}
	return out
}

// center subtracts the mean from xs and reports whether anything is left.
func center(xs []float64) bool {
	floats.AddConst(-stat.Mean(xs, nil), xs)
	return floats.Norm(xs, 2) > 1e-9
}

func pad(xs []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, xs)
	return out
}

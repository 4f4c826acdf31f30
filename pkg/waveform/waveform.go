// Package waveform holds the loudness-over-time data returned by the TuneSync
// analysis backend and the logic that maps a playhead position onto it.
//
// The backend delivers a waveform as two parallel arrays. [Normalize] turns
// that payload into an ordered [Waveform] of [Sample] records and reports the
// outcome as a [Result], which distinguishes "not fetched yet" from "fetched
// but unusable". [Locator] finds the sample under the playhead and
// [MarkerPosition] projects it into a chart's plotted area.
package waveform

import (
	"errors"
	"fmt"
	"math"
)

// Sample is a single loudness measurement.
type Sample struct {
	// Time is the offset from the start of the audio, in seconds.
	Time float64 `json:"time"`

	// Dynamics is the normalised loudness in [0, 1].
	Dynamics float64 `json:"dynamics"`
}

// Waveform is an immutable sequence of samples ordered by strictly increasing
// time. The zero value is an empty waveform.
type Waveform struct {
	samples []Sample
}

// Raw is the wire shape of the backend's waveform payload. The fields are
// slices so that an absent array (nil) can be told apart from a present but
// empty one.
type Raw struct {
	Times    []float64 `json:"times"`
	Dynamics []float64 `json:"dynamics"`
}

// Len returns the number of samples.
func (w Waveform) Len() int { return len(w.samples) }

// At returns the i-th sample. It panics if i is out of range.
func (w Waveform) At(i int) Sample { return w.samples[i] }

// Samples returns a copy of the ordered samples.
func (w Waveform) Samples() []Sample {
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Bounds returns the first and last sample times. ok is false for an empty
// waveform.
func (w Waveform) Bounds() (minTime, maxTime float64, ok bool) {
	if len(w.samples) == 0 {
		return 0, 0, false
	}
	return w.samples[0].Time, w.samples[len(w.samples)-1].Time, true
}

// Duration returns maxTime - minTime, or zero for an empty waveform.
func (w Waveform) Duration() float64 {
	lo, hi, ok := w.Bounds()
	if !ok {
		return 0
	}
	return hi - lo
}

// Split re-splits the waveform into parallel time and dynamics arrays, the
// inverse of [Normalize].
func (w Waveform) Split() (times, dynamics []float64) {
	times = make([]float64, len(w.samples))
	dynamics = make([]float64, len(w.samples))
	for i, s := range w.samples {
		times[i] = s.Time
		dynamics[i] = s.Dynamics
	}
	return times, dynamics
}

// Status is the load state carried by a [Result].
type Status int

const (
	// StatusNotLoaded means no response has been received yet.
	StatusNotLoaded Status = iota

	// StatusEmpty means a response arrived but held no usable samples.
	StatusEmpty

	// StatusLoaded means the waveform holds at least one sample.
	StatusLoaded
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotLoaded:
		return "not_loaded"
	case StatusEmpty:
		return "empty"
	case StatusLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is the outcome of normalising a backend payload. The zero value is
// StatusNotLoaded.
type Result struct {
	Status Status

	// Waveform is populated only when Status is StatusLoaded.
	Waveform Waveform

	// Reason explains a StatusEmpty result. Nil otherwise.
	Reason error
}

// Loaded reports whether r carries a non-empty waveform.
func (r Result) Loaded() bool { return r.Status == StatusLoaded }

// Reasons reported in [Result.Reason] for StatusEmpty results.
var (
	ErrMissingPayload = errors.New("waveform: payload missing")
	ErrMissingTimes   = errors.New("waveform: times array missing")
	ErrMissingDynamic = errors.New("waveform: dynamics array missing")
	ErrLengthMismatch = errors.New("waveform: times and dynamics differ in length")
	ErrNoSamples      = errors.New("waveform: no samples")
	ErrUnordered      = errors.New("waveform: times decrease")
	ErrInvalidTime    = errors.New("waveform: time is negative or not finite")
	ErrInvalidDynamic = errors.New("waveform: dynamics value is not finite")
)

// Normalize pairs raw.Times and raw.Dynamics by index. Runs of equal times are
// merged into one sample carrying their mean loudness. Any shape problem,
// including decreasing times, yields a StatusEmpty result rather than a
// partial waveform.
func Normalize(raw *Raw) Result {
	if raw == nil {
		return empty(ErrMissingPayload)
	}
	if raw.Times == nil {
		return empty(ErrMissingTimes)
	}
	if raw.Dynamics == nil {
		return empty(ErrMissingDynamic)
	}
	if len(raw.Times) != len(raw.Dynamics) {
		return empty(fmt.Errorf("%w: %d times, %d dynamics", ErrLengthMismatch, len(raw.Times), len(raw.Dynamics)))
	}
	if len(raw.Times) == 0 {
		return empty(ErrNoSamples)
	}

	samples := make([]Sample, 0, len(raw.Times))
	run := 1 // samples merged into the last entry
	for i, t := range raw.Times {
		if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
			return empty(fmt.Errorf("%w: index %d (%g)", ErrInvalidTime, i, t))
		}
		if d := raw.Dynamics[i]; math.IsNaN(d) || math.IsInf(d, 0) {
			return empty(fmt.Errorf("%w: index %d (%g)", ErrInvalidDynamic, i, d))
		}
		if i > 0 && t < raw.Times[i-1] {
			return empty(fmt.Errorf("%w: index %d (%g after %g)", ErrUnordered, i, t, raw.Times[i-1]))
		}
		if i > 0 && t == raw.Times[i-1] {
			// The backend rounds times to a tenth of a second, so neighbouring
			// frames can share a timestamp. They become one averaged sample.
			last := &samples[len(samples)-1]
			last.Dynamics = (last.Dynamics*float64(run) + raw.Dynamics[i]) / float64(run+1)
			run++
			continue
		}
		run = 1
		samples = append(samples, Sample{Time: t, Dynamics: raw.Dynamics[i]})
	}
	return Result{Status: StatusLoaded, Waveform: Waveform{samples: samples}}
}

// FromSamples builds a waveform from already-paired samples, applying the same
// validation as [Normalize].
func FromSamples(samples []Sample) Result {
	if samples == nil {
		return empty(ErrMissingPayload)
	}
	raw := &Raw{Times: make([]float64, len(samples)), Dynamics: make([]float64, len(samples))}
	for i, s := range samples {
		raw.Times[i] = s.Time
		raw.Dynamics[i] = s.Dynamics
	}
	return Normalize(raw)
}

func empty(reason error) Result {
	return Result{Status: StatusEmpty, Reason: reason}
}

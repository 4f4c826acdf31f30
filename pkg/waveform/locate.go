package waveform

import (
	"fmt"
	"math"
	"sort"
)

// Policy selects how [Locator] picks the sample under the playhead.
type Policy string

const (
	// PolicyClosest picks the sample with the smallest absolute time
	// difference. Ties go to the earlier sample.
	PolicyClosest Policy = "closest"

	// PolicyAtOrAfter picks the first sample whose time is at or after the
	// playhead.
	PolicyAtOrAfter Policy = "at_or_after"
)

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool {
	return p == PolicyClosest || p == PolicyAtOrAfter
}

// ParsePolicy converts s into a Policy. An empty string yields PolicyClosest.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyClosest, nil
	}
	p := Policy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("waveform: unknown locator policy %q; valid values: closest, at_or_after", s)
	}
	return p, nil
}

// Clamp limits t to [lo, hi]. NaN clamps to lo.
func Clamp(t, lo, hi float64) float64 {
	if math.IsNaN(t) || t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// Locator finds the sample that a playhead position falls on. The zero value
// uses PolicyClosest.
type Locator struct {
	Policy Policy
}

// Locate clamps t to the waveform's time range and returns the selected
// sample and its index. ok is false when w is empty, meaning there is no
// marker to draw.
func (l Locator) Locate(w Waveform, t float64) (s Sample, idx int, ok bool) {
	lo, hi, ok := w.Bounds()
	if !ok {
		return Sample{}, -1, false
	}
	t = Clamp(t, lo, hi)

	// First index with time >= t. Always < len because t <= hi.
	i := sort.Search(len(w.samples), func(i int) bool { return w.samples[i].Time >= t })

	if l.Policy == PolicyAtOrAfter || i == 0 {
		return w.samples[i], i, true
	}

	prev, next := w.samples[i-1], w.samples[i]
	if t-prev.Time <= next.Time-t {
		return prev, i - 1, true
	}
	return next, i, true
}

// Package advice parses the free-text performance feedback produced by the
// analysis backend (or a language model) into structured recommendations.
//
// Each recommendation occupies one line of the form
//
//	timestamp: 12.5 - discrepancy: rushed the crescendo - suggestion: count the beats
//
// Lines that do not match are ignored; parsing never fails.
package advice

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Recommendation is one timestamped piece of feedback.
type Recommendation struct {
	// Timestamp is the offset into the performance, in seconds.
	Timestamp float64 `json:"timestamp"`

	// Discrepancy describes what differs from the reference.
	Discrepancy string `json:"discrepancy"`

	// Suggestion is what the musician should change.
	Suggestion string `json:"suggestion"`
}

// String renders r in the canonical line format accepted by [Parse].
func (r Recommendation) String() string {
	return fmt.Sprintf("timestamp: %s - discrepancy: %s - suggestion: %s",
		strconv.FormatFloat(r.Timestamp, 'f', -1, 64), r.Discrepancy, r.Suggestion)
}

var linePattern = regexp.MustCompile(
	`(?i)^timestamp:\s*([-+]?\d+(?:\.\d+)?)\s*s?\s+-\s+discrepancy:\s*(.+?)\s+-\s+suggestion:\s*(.+?)$`,
)

// listPrefix matches bullets and numbering a model may put in front of a line.
var listPrefix = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)

// Parse extracts recommendations from text, one per matching line, in input
// order.
func Parse(text string) []Recommendation {
	var out []Recommendation
	for _, line := range strings.Split(text, "\n") {
		if r, ok := ParseLine(line); ok {
			out = append(out, r)
		}
	}
	return out
}

// ParseLine parses a single line. ok is false when the line does not match.
func ParseLine(line string) (Recommendation, bool) {
	line = strings.TrimSpace(strings.ReplaceAll(line, "**", ""))
	line = listPrefix.ReplaceAllString(line, "")

	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return Recommendation{}, false
	}
	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Recommendation{}, false
	}
	return Recommendation{
		Timestamp:   ts,
		Discrepancy: strings.TrimSpace(m[2]),
		Suggestion:  strings.TrimSpace(m[3]),
	}, true
}

// Sort orders recs by timestamp, keeping the input order for equal
// timestamps.
func Sort(recs []Recommendation) {
	slices.SortStableFunc(recs, func(a, b Recommendation) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
}

// Format renders recs one per line.
func Format(recs []Recommendation) string {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}

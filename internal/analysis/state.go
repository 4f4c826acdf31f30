package analysis

import (
	"fmt"
	"time"

	"github.com/tunesync/tunesync/pkg/advice"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// TrackKind names one of the two tracks being compared.
type TrackKind string

const (
	// TrackReference is the expected performance, usually from YouTube.
	TrackReference TrackKind = "reference"

	// TrackRecording is the musician's own performance.
	TrackRecording TrackKind = "recording"
)

// Tracks lists both kinds in display order.
var Tracks = []TrackKind{TrackReference, TrackRecording}

// ParseTrack converts s into a TrackKind.
func ParseTrack(s string) (TrackKind, error) {
	switch k := TrackKind(s); k {
	case TrackReference, TrackRecording:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTrack, s)
}

// Track is the state of one track.
type Track struct {
	// Waveform is the last fetched waveform. It stays in place while a newer
	// request is loading and when that request fails.
	Waveform waveform.Result

	// AudioURL is where the track's audio can be played from, if known.
	AudioURL string

	// Source is the YouTube URL or file name the waveform came from.
	Source string

	// Loading is true while a request for this track is in flight.
	Loading bool

	// Err is the error of the most recent request, nil on success.
	Err error

	// Token identifies the most recent request. Responses carrying an older
	// token are dropped.
	Token uint64

	UpdatedAt time.Time
}

// FeedbackState is the state of the feedback action.
type FeedbackState struct {
	// Text is the raw advisor answer.
	Text string

	// Recommendations are the lines of Text that parsed, ordered by
	// timestamp.
	Recommendations []advice.Recommendation

	// Advisor names the advisor that answered.
	Advisor string

	Loading bool
	Err     error
	Token   uint64

	UpdatedAt time.Time
}

// State is a snapshot of everything the service holds. Values are never
// mutated after being published, so a State may be read without locking.
type State struct {
	Reference Track
	Recording Track
	Feedback  FeedbackState
}

// Track returns the track of the given kind.
func (s State) Track(kind TrackKind) Track {
	if kind == TrackRecording {
		return s.Recording
	}
	return s.Reference
}

// track returns a pointer to the track of the given kind.
func (s *State) track(kind TrackKind) *Track {
	if kind == TrackRecording {
		return &s.Recording
	}
	return &s.Reference
}

// Ready reports whether both tracks hold a usable waveform.
func (s State) Ready() bool {
	return s.Reference.Waveform.Loaded() && s.Recording.Waveform.Loaded()
}

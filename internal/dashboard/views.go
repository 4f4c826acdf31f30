package dashboard

import (
	"time"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/pkg/advice"
	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// trackView is the JSON form of an [analysis.Track].
type trackView struct {
	Status    string            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Samples   []waveform.Sample `json:"samples,omitempty"`
	Duration  float64           `json:"duration"`
	AudioURL  string            `json:"audio_url,omitempty"`
	Source    string            `json:"source,omitempty"`
	Loading   bool              `json:"loading"`
	Error     string            `json:"error,omitempty"`
	Token     uint64            `json:"token"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

func newTrackView(t analysis.Track) trackView {
	v := trackView{
		Status:   t.Waveform.Status.String(),
		Duration: t.Waveform.Waveform.Duration(),
		AudioURL: t.AudioURL,
		Source:   t.Source,
		Loading:  t.Loading,
		Error:    errString(t.Err),
		Token:    t.Token,
	}
	if t.Waveform.Reason != nil {
		v.Reason = t.Waveform.Reason.Error()
	}
	if t.Waveform.Loaded() {
		v.Samples = t.Waveform.Waveform.Samples()
	}
	if !t.UpdatedAt.IsZero() {
		v.UpdatedAt = &t.UpdatedAt
	}
	return v
}

// feedbackView is the JSON form of an [analysis.FeedbackState].
type feedbackView struct {
	Text            string                  `json:"text,omitempty"`
	Recommendations []advice.Recommendation `json:"recommendations"`
	Advisor         string                  `json:"advisor,omitempty"`
	Loading         bool                    `json:"loading"`
	Error           string                  `json:"error,omitempty"`
	Token           uint64                  `json:"token"`
}

func newFeedbackView(f analysis.FeedbackState) feedbackView {
	recs := f.Recommendations
	if recs == nil {
		recs = []advice.Recommendation{}
	}
	return feedbackView{
		Text:            f.Text,
		Recommendations: recs,
		Advisor:         f.Advisor,
		Loading:         f.Loading,
		Error:           errString(f.Err),
		Token:           f.Token,
	}
}

type stateView struct {
	Reference trackView    `json:"reference"`
	Recording trackView    `json:"recording"`
	Feedback  feedbackView `json:"feedback"`
	Ready     bool         `json:"ready"`
}

func newStateView(s analysis.State) stateView {
	return stateView{
		Reference: newTrackView(s.Reference),
		Recording: newTrackView(s.Recording),
		Feedback:  newFeedbackView(s.Feedback),
		Ready:     s.Ready(),
	}
}

// playbackFrame is one message of the playhead stream and the body of the
// marker endpoint.
type playbackFrame struct {
	Track string `json:"track"`
	playback.State
	Marker *waveform.Marker `json:"marker,omitempty"`
}

type errorView struct {
	Error string `json:"error"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

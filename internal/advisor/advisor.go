// Package advisor produces performance feedback comparing a musician's
// recording with a reference track.
//
// Feedback is free text in which each recommendation occupies one line of the
// form understood by [advice.Parse]. The analysis backend is the primary
// source ([BackendAdvisor]); a language model working from the two loudness
// curves ([LLMAdvisor]) can stand in when the backend is disabled or down.
// [Chain] tries advisors in order.
package advisor

import (
	"context"

	"github.com/tunesync/tunesync/pkg/waveform"
)

// Request carries what an advisor may use to compare two performances.
type Request struct {
	// Reference is the expected performance, usually from YouTube.
	Reference waveform.Waveform

	// Recording is the musician's own performance.
	Recording waveform.Waveform

	// ReferenceName and RecordingName identify the sources for advisors that
	// work from files rather than waveforms.
	ReferenceName string
	RecordingName string
}

// Advisor produces feedback text for a [Request].
type Advisor interface {
	Advise(ctx context.Context, req Request) (string, error)
}

// Comparer is the part of the backend client used by [BackendAdvisor].
type Comparer interface {
	Compare(ctx context.Context) (string, error)
	CompareText(ctx context.Context, reference, recording string) (string, error)
}

// BackendAdvisor asks the analysis backend to compare two tracks. By default
// it compares the two the backend processed most recently; with
// [WithNamedCompare] it posts the request's source names instead. The
// waveforms in the request are never sent.
type BackendAdvisor struct {
	client Comparer
	named  bool
}

var _ Advisor = (*BackendAdvisor)(nil)

// BackendOption configures a [BackendAdvisor].
type BackendOption func(*BackendAdvisor)

// WithNamedCompare makes the advisor post the reference and recording names
// to the comparison endpoint.
func WithNamedCompare() BackendOption {
	return func(a *BackendAdvisor) { a.named = true }
}

// NewBackend returns a [BackendAdvisor] using client.
func NewBackend(client Comparer, opts ...BackendOption) *BackendAdvisor {
	a := &BackendAdvisor{client: client}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Advise implements [Advisor].
func (a *BackendAdvisor) Advise(ctx context.Context, req Request) (string, error) {
	if a.named {
		return a.client.CompareText(ctx, req.ReferenceName, req.RecordingName)
	}
	return a.client.Compare(ctx)
}

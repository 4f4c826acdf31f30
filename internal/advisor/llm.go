package advisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tunesync/tunesync/pkg/advice"
	"github.com/tunesync/tunesync/pkg/provider/llm"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// ErrNoRecommendations is returned by [LLMAdvisor.Advise] when the model's
// answer contains no line in the recommendation format.
var ErrNoRecommendations = errors.New("advisor: response contains no recommendations")

// ErrMissingWaveform is returned when a request lacks one of the curves.
var ErrMissingWaveform = errors.New("advisor: reference and recording waveforms are required")

const (
	// DefaultPoints is the number of averaged points per curve in the prompt.
	DefaultPoints = 40

	// DefaultOnsetThreshold is the loudness above which a performance is
	// considered to have started.
	DefaultOnsetThreshold = 0.1

	defaultTemperature = 0.3
	defaultMaxTokens   = 512
)

const systemPrompt = `You are an audio analysis tool for musicians. You are given the loudness
curves of two performances of the same piece: the EXPECTED performance and the
musician's ACTUAL performance. Loudness is normalised to the range 0 to 1.

1. Compare the curves and identify THREE discrepancies in dynamics, timing or
   phrasing across the WHOLE performance.
2. Give the time in the ACTUAL performance where each discrepancy occurs, in
   seconds to the tenth of a second.
3. For each discrepancy suggest a specific improvement that brings the
   musician closer to the expected performance.

Answer with exactly one line per discrepancy and nothing else, in this format:
timestamp: <seconds> - discrepancy: <short description> - suggestion: <specific improvement>`

// LLMOption is a functional option for [LLMAdvisor].
type LLMOption func(*LLMAdvisor)

// WithPoints sets how many averaged points per curve are sent to the model.
func WithPoints(n int) LLMOption {
	return func(a *LLMAdvisor) {
		if n > 0 {
			a.points = n
		}
	}
}

// WithOnsetThreshold sets the loudness used to detect where each
// performance starts.
func WithOnsetThreshold(v float64) LLMOption {
	return func(a *LLMAdvisor) {
		if v > 0 {
			a.onset = v
		}
	}
}

// LLMAdvisor asks a language model to compare two loudness curves.
type LLMAdvisor struct {
	provider llm.Provider
	points   int
	onset    float64
}

var _ Advisor = (*LLMAdvisor)(nil)

// NewLLM returns an [LLMAdvisor] backed by provider.
func NewLLM(provider llm.Provider, opts ...LLMOption) *LLMAdvisor {
	a := &LLMAdvisor{provider: provider, points: DefaultPoints, onset: DefaultOnsetThreshold}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Advise implements [Advisor]. The answer is reduced to its recommendation
// lines, sorted by timestamp.
func (a *LLMAdvisor) Advise(ctx context.Context, req Request) (string, error) {
	if req.Reference.Len() == 0 || req.Recording.Len() == 0 {
		return "", ErrMissingWaveform
	}
	text, err := a.ask(ctx, a.BuildRequest(req))
	if err != nil {
		return "", fmt.Errorf("advisor: llm: %w", err)
	}
	recs := advice.Parse(text)
	if len(recs) == 0 {
		return "", ErrNoRecommendations
	}
	advice.Sort(recs)
	return advice.Format(recs), nil
}

// ask streams the answer when the model supports it.
func (a *LLMAdvisor) ask(ctx context.Context, creq llm.CompletionRequest) (string, error) {
	caps := a.provider.Capabilities()
	if caps.MaxOutputTokens > 0 && creq.MaxTokens > caps.MaxOutputTokens {
		creq.MaxTokens = caps.MaxOutputTokens
	}
	if caps.SupportsStreaming {
		ch, err := a.provider.StreamCompletion(ctx, creq)
		if err != nil {
			return "", err
		}
		return llm.Collect(ctx, ch)
	}
	resp, err := a.provider.Complete(ctx, creq)
	if err != nil || resp == nil {
		return "", err
	}
	return resp.Content, nil
}

// BuildRequest renders the completion request sent for req.
func (a *LLMAdvisor) BuildRequest(req Request) llm.CompletionRequest {
	var sb strings.Builder

	refOnset, refOK := Onset(req.Reference, a.onset)
	recOnset, recOK := Onset(req.Recording, a.onset)
	if refOK && recOK {
		fmt.Fprintf(&sb, "The expected performance starts at %ss and the actual performance at %ss.\n\n",
			formatSeconds(refOnset), formatSeconds(recOnset))
	}
	if lag, ok := Align(req.Reference, req.Recording, DefaultAlignStep); ok && lag != 0 {
		fmt.Fprintf(&sb, "Aligning the curves suggests the actual performance is offset by %ss.\n\n", formatSeconds(lag))
	}

	writeCurve(&sb, "EXPECTED", req.ReferenceName, Downsample(req.Reference, a.points))
	sb.WriteByte('\n')
	writeCurve(&sb, "ACTUAL", req.RecordingName, Downsample(req.Recording, a.points))

	return llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
	}
}

func writeCurve(sb *strings.Builder, label, name string, pts []waveform.Sample) {
	sb.WriteString(label)
	if name != "" {
		fmt.Fprintf(sb, " (%s)", name)
	}
	sb.WriteString(" time_s,loudness\n")
	for _, p := range pts {
		fmt.Fprintf(sb, "%s,%s\n", formatSeconds(p.Time), strconv.FormatFloat(p.Dynamics, 'f', 2, 64))
	}
}

func formatSeconds(t float64) string {
	return strconv.FormatFloat(t, 'f', 1, 64)
}

// Downsample reduces w to at most n points by splitting its time range into n
// equal windows and averaging each non-empty window. Waveforms with n or
// fewer samples are returned unchanged.
func Downsample(w waveform.Waveform, n int) []waveform.Sample {
	if n <= 0 || w.Len() <= n {
		return w.Samples()
	}
	lo, hi, _ := w.Bounds()
	width := (hi - lo) / float64(n)

	out := make([]waveform.Sample, 0, n)
	i := 0
	for b := range n {
		end := lo + float64(b+1)*width
		var sumT, sumD float64
		count := 0
		for ; i < w.Len(); i++ {
			s := w.At(i)
			if b < n-1 && s.Time >= end {
				break
			}
			sumT += s.Time
			sumD += s.Dynamics
			count++
		}
		if count > 0 {
			out = append(out, waveform.Sample{Time: sumT / float64(count), Dynamics: sumD / float64(count)})
		}
	}
	return out
}

// Onset returns the time of the first sample at or above threshold. ok is
// false when no sample reaches it.
func Onset(w waveform.Waveform, threshold float64) (t float64, ok bool) {
	for i := range w.Len() {
		if s := w.At(i); s.Dynamics >= threshold {
			return s.Time, true
		}
	}
	return 0, false
}

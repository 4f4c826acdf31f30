// Package analysis holds the single authoritative state of a TuneSync
// session: the reference and recording waveforms, their playback trackers and
// the latest feedback.
//
// Every view (CLI, dashboard) works through one [Service]. Each logical
// action (load reference, load recording, request feedback) has its own
// request token. Starting an action cancels the previous request of the same
// action, and a response is applied only while its token is still current,
// so at most one request per action can change the state.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tunesync/tunesync/internal/advisor"
	"github.com/tunesync/tunesync/internal/backend"
	"github.com/tunesync/tunesync/internal/history"
	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/pkg/advice"
	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// historyTimeout bounds a single history write.
const historyTimeout = 5 * time.Second

var (
	// ErrSuperseded is returned by an action whose response arrived after a
	// newer request for the same action was started.
	ErrSuperseded = errors.New("analysis: superseded by a newer request")

	// ErrUnknownTrack is returned for a track name other than "reference" or
	// "recording".
	ErrUnknownTrack = errors.New("analysis: unknown track")

	// ErrNotReady is returned by [Service.RequestFeedback] until both tracks
	// hold a waveform.
	ErrNotReady = errors.New("analysis: reference and recording must both be loaded")

	// ErrNoAdvisor is returned by [Service.RequestFeedback] when no advisor
	// is configured.
	ErrNoAdvisor = errors.New("analysis: no advisor configured")

	// ErrNoWaveform is returned by playback operations on a track without a
	// loaded waveform.
	ErrNoWaveform = errors.New("analysis: track has no waveform")

	// ErrClosed is returned by operations on a closed [Service].
	ErrClosed = errors.New("analysis: service is closed")
)

// Backend is the part of the backend client the service uses.
type Backend interface {
	ProcessYouTube(ctx context.Context, url string) (*backend.YouTubeResult, error)
	Upload(ctx context.Context, filename string, r io.Reader) (*backend.UploadResult, error)
}

var _ Backend = (*backend.Client)(nil)

// namedAdvisor is implemented by advisors that report which member answered.
type namedAdvisor interface {
	AdviseNamed(ctx context.Context, req advisor.Request) (text, name string, err error)
}

// Config holds the dependencies of a [Service].
type Config struct {
	// Backend loads waveforms. Required.
	Backend Backend

	// Advisor produces feedback. Nil disables feedback.
	Advisor advisor.Advisor

	// History records loaded tracks and feedback. Nil disables history.
	History history.Store

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	PollInterval  time.Duration
	LocatorPolicy waveform.Policy
	ChartLayout   waveform.ChartLayout
}

// action indexes the per-action request bookkeeping.
type action int

const (
	actionReference action = iota
	actionRecording
	actionFeedback
	numActions
)

func trackAction(kind TrackKind) action {
	if kind == TrackRecording {
		return actionRecording
	}
	return actionReference
}

// Service is the analysis state holder. All methods are safe for concurrent
// use.
type Service struct {
	backend Backend
	advisor advisor.Advisor
	history history.Store
	metrics *observe.Metrics

	mu       sync.Mutex
	state    State
	cancels  [numActions]context.CancelFunc
	trackers map[TrackKind]*playback.Tracker
	locator  waveform.Locator
	layout   waveform.ChartLayout
	interval time.Duration
	closed   bool

	subMu  sync.Mutex
	subs   map[uint64]chan State
	nextID uint64
}

// New creates a [Service] with empty tracks.
func New(cfg Config) *Service {
	s := &Service{
		backend:  cfg.Backend,
		advisor:  cfg.Advisor,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		trackers: make(map[TrackKind]*playback.Tracker),
		locator:  waveform.Locator{Policy: cfg.LocatorPolicy},
		layout:   cfg.ChartLayout,
		interval: cfg.PollInterval,
		subs:     make(map[uint64]chan State),
	}
	if s.history == nil {
		s.history = history.Discard{}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.locator.Policy == "" {
		s.locator.Policy = waveform.PolicyClosest
	}
	if s.layout == (waveform.ChartLayout{}) {
		s.layout = waveform.DefaultChartLayout
	}
	if s.interval <= 0 {
		s.interval = playback.DefaultPollInterval
	}
	return s
}

// Snapshot returns the current state.
func (s *Service) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel receiving every state change and a function
// that unsubscribes. The channel holds only the most recent unread State.
func (s *Service) Subscribe() (<-chan State, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan State, 1)
	if s.isClosed() {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// LoadYouTube fetches the reference waveform for a YouTube video.
func (s *Service) LoadYouTube(ctx context.Context, url string) (Track, error) {
	return s.loadTrack(ctx, TrackReference, url, func(ctx context.Context) (waveform.Result, string, error) {
		res, err := s.backend.ProcessYouTube(ctx, url)
		if err != nil {
			return waveform.Result{}, "", err
		}
		return res.Waveform, res.AudioURL, nil
	})
}

// LoadRecording uploads a recording and fetches its waveform.
func (s *Service) LoadRecording(ctx context.Context, name string, r io.Reader) (Track, error) {
	if name == "" {
		name = backend.DefaultUploadName
	}
	return s.loadTrack(ctx, TrackRecording, name, func(ctx context.Context) (waveform.Result, string, error) {
		res, err := s.backend.Upload(ctx, name, r)
		if err != nil {
			return waveform.Result{}, "", err
		}
		return res.Waveform, res.AudioURL, nil
	})
}

// LoadLocal installs a waveform computed on this machine as the track of the
// given kind. Like a fetch, it supersedes any in-flight request for that
// track.
func (s *Service) LoadLocal(ctx context.Context, kind TrackKind, name string, res waveform.Result) (Track, error) {
	if _, err := ParseTrack(string(kind)); err != nil {
		return Track{}, err
	}
	return s.loadTrack(ctx, kind, name, func(context.Context) (waveform.Result, string, error) {
		return res, "", nil
	})
}

type fetchFunc func(ctx context.Context) (res waveform.Result, audioURL string, err error)

func (s *Service) loadTrack(ctx context.Context, kind TrackKind, source string, fetch fetchFunc) (Track, error) {
	ctx, cancel, token, err := s.begin(ctx, trackAction(kind), func(st *State) uint64 {
		t := st.track(kind)
		t.Token++
		t.Loading = true
		t.Err = nil
		return t.Token
	})
	if err != nil {
		return Track{}, err
	}
	defer cancel()
	log := observe.Logger(ctx).With("track", kind, "token", token)
	log.Debug("loading track", "source", source)

	res, audioURL, fetchErr := fetch(ctx)

	s.mu.Lock()
	t := s.state.track(kind)
	if s.closed {
		s.mu.Unlock()
		return Track{}, ErrClosed
	}
	if t.Token != token {
		s.mu.Unlock()
		log.Debug("dropping stale response", "err", fetchErr)
		return Track{}, ErrSuperseded
	}
	s.cancels[trackAction(kind)] = nil
	t.Loading = false
	t.UpdatedAt = time.Now()
	if fetchErr != nil {
		t.Err = fetchErr
		out := *t
		st := s.state
		s.mu.Unlock()

		log.Warn("track load failed", "source", source, "err", fetchErr)
		s.publish(st)
		return out, fetchErr
	}
	t.Waveform = res
	t.AudioURL = audioURL
	t.Source = source
	t.Err = nil
	out := *t
	s.resetFeedbackLocked()
	old := s.replaceTrackerLocked(kind, res)
	st := s.state
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Debug("closing previous tracker", "err", err)
		}
	}
	if res.Loaded() {
		s.metrics.RecordWaveformLoaded(ctx, string(kind), res.Waveform.Len())
		log.Info("track loaded", "source", source, "samples", res.Waveform.Len(), "duration", res.Waveform.Duration())
	} else {
		log.Warn("track has no usable waveform", "source", source, "reason", res.Reason)
	}
	s.publish(st)

	rec := history.NewRecord(historyKind(kind), source)
	rec.AudioURL = audioURL
	rec.Status = res.Status.String()
	rec.Samples = res.Waveform.Len()
	rec.Duration = res.Waveform.Duration()
	s.saveHistory(ctx, rec)
	return out, nil
}

// RequestFeedback asks the advisor to compare the loaded tracks.
func (s *Service) RequestFeedback(ctx context.Context) (FeedbackState, error) {
	if s.advisor == nil {
		return FeedbackState{}, ErrNoAdvisor
	}
	if !s.Snapshot().Ready() {
		return FeedbackState{}, ErrNotReady
	}

	var req advisor.Request
	ctx, cancel, token, err := s.begin(ctx, actionFeedback, func(st *State) uint64 {
		req = advisor.Request{
			Reference:     st.Reference.Waveform.Waveform,
			Recording:     st.Recording.Waveform.Waveform,
			ReferenceName: st.Reference.Source,
			RecordingName: st.Recording.Source,
		}
		st.Feedback.Token++
		st.Feedback.Loading = true
		st.Feedback.Err = nil
		return st.Feedback.Token
	})
	if err != nil {
		return FeedbackState{}, err
	}
	defer cancel()
	log := observe.Logger(ctx).With("token", token)

	var text, name string
	if na, ok := s.advisor.(namedAdvisor); ok {
		text, name, err = na.AdviseNamed(ctx, req)
	} else {
		text, err = s.advisor.Advise(ctx, req)
		name = "advisor"
	}
	recs := advice.Parse(text)
	advice.Sort(recs)

	s.mu.Lock()
	fb := &s.state.Feedback
	if s.closed {
		s.mu.Unlock()
		return FeedbackState{}, ErrClosed
	}
	if fb.Token != token {
		s.mu.Unlock()
		log.Debug("dropping stale feedback", "err", err)
		return FeedbackState{}, ErrSuperseded
	}
	s.cancels[actionFeedback] = nil
	fb.Loading = false
	fb.UpdatedAt = time.Now()
	if err != nil {
		fb.Err = err
		out := *fb
		st := s.state
		s.mu.Unlock()

		log.Warn("feedback failed", "err", err)
		s.publish(st)
		return out, err
	}
	fb.Text = text
	fb.Recommendations = recs
	fb.Advisor = name
	out := *fb
	st := s.state
	s.mu.Unlock()

	log.Info("feedback received", "advisor", name, "recommendations", len(recs))
	s.publish(st)

	rec := history.NewRecord(history.KindFeedback, req.ReferenceName+" vs "+req.RecordingName)
	rec.Feedback = text
	rec.Advisor = name
	s.saveHistory(ctx, rec)
	return out, nil
}

// History returns up to limit saved records, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]history.Record, error) {
	return s.history.List(ctx, limit)
}

// begin starts a new request for a. It cancels the previous request of the
// same action, lets mark update the state and return the new token, then
// publishes the loading state. The caller must call the returned cancel
// function when the request completes.
func (s *Service) begin(ctx context.Context, a action, mark func(*State) uint64) (context.Context, context.CancelFunc, uint64, error) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, nil, 0, ErrClosed
	}
	if prev := s.cancels[a]; prev != nil {
		prev()
	}
	s.cancels[a] = cancel
	token := mark(&s.state)
	st := s.state
	s.mu.Unlock()

	s.publish(st)
	return ctx, cancel, token, nil
}

// resetFeedbackLocked discards feedback about the previous pair of tracks and
// invalidates any feedback request in flight. Must be called with mu held.
func (s *Service) resetFeedbackLocked() {
	if cancel := s.cancels[actionFeedback]; cancel != nil {
		cancel()
		s.cancels[actionFeedback] = nil
	}
	s.state.Feedback = FeedbackState{Token: s.state.Feedback.Token + 1}
}

func (s *Service) saveHistory(ctx context.Context, rec history.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	err := s.history.Save(ctx, rec)
	s.metrics.RecordHistoryWrite(ctx, err)
	if err != nil {
		slog.Warn("history: save failed", "kind", rec.Kind, "err", err)
	}
}

// Close cancels every in-flight request, stops playback and closes all
// subscriber channels.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for i, cancel := range s.cancels {
		if cancel != nil {
			cancel()
			s.cancels[i] = nil
		}
	}
	trackers := s.trackers
	s.trackers = make(map[TrackKind]*playback.Tracker)
	s.mu.Unlock()

	var errs []error
	for kind, tr := range trackers {
		if err := tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("analysis: close %s tracker: %w", kind, err))
		}
	}

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
	return errors.Join(errs...)
}

// publish fans st out to subscribers, replacing any unread value.
func (s *Service) publish(st State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func historyKind(kind TrackKind) history.Kind {
	if kind == TrackRecording {
		return history.KindRecording
	}
	return history.KindReference
}

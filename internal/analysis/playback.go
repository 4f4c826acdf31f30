package analysis

import (
	"time"

	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// replaceTrackerLocked installs a fresh tracker for a newly loaded waveform
// and returns the previous one, which the caller must close after releasing
// mu. An unusable waveform leaves the track without a tracker.
func (s *Service) replaceTrackerLocked(kind TrackKind, res waveform.Result) *playback.Tracker {
	old := s.trackers[kind]
	delete(s.trackers, kind)
	if !res.Loaded() {
		return old
	}
	lo, hi, _ := res.Waveform.Bounds()
	s.trackers[kind] = playback.NewTracker(
		playback.NewClockSource(hi),
		playback.WithPollInterval(s.interval),
		playback.WithRange(lo, hi),
	)
	return old
}

func (s *Service) tracker(kind TrackKind) (*playback.Tracker, error) {
	if _, err := ParseTrack(string(kind)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	tr, ok := s.trackers[kind]
	if !ok {
		return nil, ErrNoWaveform
	}
	return tr, nil
}

// Play starts playback of a track. See [playback.Tracker.Play] for resume
// rules.
func (s *Service) Play(kind TrackKind) error {
	tr, err := s.tracker(kind)
	if err != nil {
		return err
	}
	return tr.Play()
}

// Pause pauses playback of a track, keeping its position.
func (s *Service) Pause(kind TrackKind) error {
	tr, err := s.tracker(kind)
	if err != nil {
		return err
	}
	return tr.Pause()
}

// Toggle pauses a playing track and plays a paused or stopped one.
func (s *Service) Toggle(kind TrackKind) error {
	tr, err := s.tracker(kind)
	if err != nil {
		return err
	}
	return tr.Toggle()
}

// Stop halts playback of a track and rewinds it.
func (s *Service) Stop(kind TrackKind) error {
	tr, err := s.tracker(kind)
	if err != nil {
		return err
	}
	return tr.Stop()
}

// PlaybackState returns the playhead of a track.
func (s *Service) PlaybackState(kind TrackKind) (playback.State, error) {
	tr, err := s.tracker(kind)
	if err != nil {
		return playback.State{}, err
	}
	return tr.State(), nil
}

// SubscribePlayback streams the playhead of a track. The channel is closed
// when the track is reloaded or the service closes; callers then subscribe
// again.
func (s *Service) SubscribePlayback(kind TrackKind) (<-chan playback.State, func(), error) {
	tr, err := s.tracker(kind)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := tr.Subscribe()
	return ch, cancel, nil
}

// Marker locates the sample of a track at time t and projects it onto the
// configured chart. ok is false when the track has no samples.
func (s *Service) Marker(kind TrackKind, t float64) (m waveform.Marker, ok bool) {
	s.mu.Lock()
	w := s.state.Track(kind).Waveform.Waveform
	loc, layout := s.locator, s.layout
	s.mu.Unlock()
	return waveform.LocateMarker(loc, w, t, layout)
}

// CurrentMarker is [Service.Marker] at the track's current playhead.
func (s *Service) CurrentMarker(kind TrackKind) (waveform.Marker, playback.State, bool) {
	st, err := s.PlaybackState(kind)
	if err != nil {
		return waveform.Marker{}, playback.State{}, false
	}
	m, ok := s.Marker(kind, st.CurrentTime)
	return m, st, ok
}

// SetLocatorPolicy changes how markers pick their sample.
func (s *Service) SetLocatorPolicy(p waveform.Policy) {
	if !p.IsValid() {
		return
	}
	s.mu.Lock()
	s.locator.Policy = p
	s.mu.Unlock()
}

// SetChartLayout changes the geometry markers are projected onto.
func (s *Service) SetChartLayout(l waveform.ChartLayout) {
	s.mu.Lock()
	s.layout = l
	s.mu.Unlock()
}

// SetPollInterval changes the playhead cadence of current and future
// trackers. Running trackers pick it up on their next Play.
func (s *Service) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = playback.ClampInterval(d)
	trackers := make([]*playback.Tracker, 0, len(s.trackers))
	for _, tr := range s.trackers {
		trackers = append(trackers, tr)
	}
	s.mu.Unlock()

	for _, tr := range trackers {
		tr.SetPollInterval(d)
	}
}

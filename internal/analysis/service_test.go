package analysis_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tunesync/tunesync/internal/advisor"
	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/backend"
	"github.com/tunesync/tunesync/internal/history"
	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

type fakeBackend struct {
	youtube func(ctx context.Context, url string) (*backend.YouTubeResult, error)
	upload  func(ctx context.Context, name string, r io.Reader) (*backend.UploadResult, error)
}

func (f *fakeBackend) ProcessYouTube(ctx context.Context, url string) (*backend.YouTubeResult, error) {
	return f.youtube(ctx, url)
}

func (f *fakeBackend) Upload(ctx context.Context, name string, r io.Reader) (*backend.UploadResult, error) {
	return f.upload(ctx, name, r)
}

type memStore struct {
	mu   sync.Mutex
	recs []history.Record
}

func (m *memStore) Save(_ context.Context, r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) List(context.Context, int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record(nil), m.recs...), nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error { return nil }

type funcAdvisor func(ctx context.Context, req advisor.Request) (string, error)

func (f funcAdvisor) Advise(ctx context.Context, req advisor.Request) (string, error) {
	return f(ctx, req)
}

func wave(times, dyn []float64) waveform.Result {
	return waveform.Normalize(&waveform.Raw{Times: times, Dynamics: dyn})
}

var (
	refWave = wave([]float64{0, 1, 2}, []float64{0.1, 0.5, 0.9})
	recWave = wave([]float64{0, 0.5, 1, 1.5}, []float64{0.2, 0.4, 0.6, 0.8})
)

func staticBackend() *fakeBackend {
	return &fakeBackend{
		youtube: func(context.Context, string) (*backend.YouTubeResult, error) {
			return &backend.YouTubeResult{Waveform: refWave, AudioURL: "http://backend/audio.mp3"}, nil
		},
		upload: func(_ context.Context, _ string, r io.Reader) (*backend.UploadResult, error) {
			_, _ = io.Copy(io.Discard, r)
			return &backend.UploadResult{Waveform: recWave}, nil
		},
	}
}

func newService(t *testing.T, cfg analysis.Config) *analysis.Service {
	t.Helper()
	if cfg.Backend == nil {
		cfg.Backend = staticBackend()
	}
	s := analysis.New(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func loadBoth(t *testing.T, s *analysis.Service) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.LoadYouTube(ctx, "https://youtu.be/abc"); err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}
	if _, err := s.LoadRecording(ctx, "take.wav", strings.NewReader("RIFF")); err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
}

func TestLoadYouTube(t *testing.T) {
	store := &memStore{}
	s := newService(t, analysis.Config{History: store})

	tr, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}
	if !tr.Waveform.Loaded() || tr.Waveform.Waveform.Len() != 3 {
		t.Fatalf("waveform = %+v", tr.Waveform)
	}
	if tr.Loading || tr.Err != nil || tr.AudioURL != "http://backend/audio.mp3" || tr.Source != "https://youtu.be/abc" {
		t.Errorf("track = %+v", tr)
	}

	snap := s.Snapshot()
	if snap.Reference.Token != tr.Token || snap.Recording.Waveform.Status != waveform.StatusNotLoaded {
		t.Errorf("snapshot = %+v", snap)
	}

	recs, _ := store.List(context.Background(), 0)
	if len(recs) != 1 || recs[0].Kind != history.KindReference || recs[0].Samples != 3 || recs[0].Status != "loaded" {
		t.Errorf("history = %+v", recs)
	}
}

func TestLoad_StaleResponseIsDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fb := &fakeBackend{
		youtube: func(_ context.Context, url string) (*backend.YouTubeResult, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				close(started)
				<-release // ignore cancellation and answer late
				return &backend.YouTubeResult{Waveform: recWave, AudioURL: "old"}, nil
			}
			return &backend.YouTubeResult{Waveform: refWave, AudioURL: "new"}, nil
		},
	}
	s := newService(t, analysis.Config{Backend: fb})

	errc := make(chan error, 1)
	go func() {
		_, err := s.LoadYouTube(context.Background(), "https://youtu.be/old")
		errc <- err
	}()
	<-started

	if _, err := s.LoadYouTube(context.Background(), "https://youtu.be/new"); err != nil {
		t.Fatalf("second LoadYouTube: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, analysis.ErrSuperseded) {
		t.Fatalf("first LoadYouTube err = %v, want ErrSuperseded", err)
	}
	ref := s.Snapshot().Reference
	if ref.AudioURL != "new" || ref.Waveform.Waveform.Len() != 3 || ref.Loading {
		t.Errorf("reference = %+v, want the second response", ref)
	}
}

func TestLoad_NewRequestCancelsPrevious(t *testing.T) {
	started := make(chan struct{}, 2)
	fb := &fakeBackend{
		upload: func(ctx context.Context, name string, _ io.Reader) (*backend.UploadResult, error) {
			if name == "slow.wav" {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &backend.UploadResult{Waveform: recWave}, nil
		},
	}
	s := newService(t, analysis.Config{Backend: fb})

	errc := make(chan error, 1)
	go func() {
		_, err := s.LoadRecording(context.Background(), "slow.wav", strings.NewReader(""))
		errc <- err
	}()
	<-started

	if _, err := s.LoadRecording(context.Background(), "fast.wav", strings.NewReader("")); err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, analysis.ErrSuperseded) {
			t.Errorf("err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded request was not cancelled")
	}
	if got := s.Snapshot().Recording.Source; got != "fast.wav" {
		t.Errorf("source = %q", got)
	}
}

func TestLoad_FailureKeepsPreviousWaveform(t *testing.T) {
	fb := staticBackend()
	s := newService(t, analysis.Config{Backend: fb})
	if _, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc"); err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}

	boom := &backend.APIError{Op: backend.OpProcessYouTube, StatusCode: 500, Message: "download failed"}
	fb.youtube = func(context.Context, string) (*backend.YouTubeResult, error) { return nil, boom }

	tr, err := s.LoadYouTube(context.Background(), "https://youtu.be/broken")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(tr.Err, boom) || tr.Loading {
		t.Errorf("track = %+v", tr)
	}
	if !tr.Waveform.Loaded() || tr.Source != "https://youtu.be/abc" {
		t.Errorf("previous waveform lost: %+v", tr)
	}
}

func TestLoad_EmptyWaveformHasNoPlayback(t *testing.T) {
	fb := staticBackend()
	fb.youtube = func(context.Context, string) (*backend.YouTubeResult, error) {
		return &backend.YouTubeResult{Waveform: waveform.Normalize(&waveform.Raw{Times: []float64{0, 1}})}, nil
	}
	s := newService(t, analysis.Config{Backend: fb})

	tr, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc")
	if err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}
	if tr.Waveform.Status != waveform.StatusEmpty || !errors.Is(tr.Waveform.Reason, waveform.ErrMissingDynamic) {
		t.Errorf("waveform = %+v", tr.Waveform)
	}
	if err := s.Play(analysis.TrackReference); !errors.Is(err, analysis.ErrNoWaveform) {
		t.Errorf("Play err = %v, want ErrNoWaveform", err)
	}
	if _, ok := s.Marker(analysis.TrackReference, 0); ok {
		t.Error("Marker ok on empty waveform")
	}
}

func TestLoadLocal(t *testing.T) {
	s := newService(t, analysis.Config{})
	tr, err := s.LoadLocal(context.Background(), analysis.TrackRecording, "mic", recWave)
	if err != nil {
		t.Fatalf("LoadLocal: %v", err)
	}
	if tr.Source != "mic" || tr.Waveform.Waveform.Len() != 4 {
		t.Errorf("track = %+v", tr)
	}
	if _, err := s.LoadLocal(context.Background(), "chorus", recWave); !errors.Is(err, analysis.ErrUnknownTrack) {
		t.Errorf("unknown track err = %v", err)
	}
}

func TestRequestFeedback(t *testing.T) {
	store := &memStore{}
	var got advisor.Request
	adv := funcAdvisor(func(_ context.Context, req advisor.Request) (string, error) {
		got = req
		return "Here you go:\n" +
			"2. timestamp: 9 - discrepancy: late - suggestion: count in\n" +
			"1. timestamp: 1.5 - discrepancy: too loud - suggestion: play softer\n", nil
	})
	s := newService(t, analysis.Config{Advisor: adv, History: store})

	if _, err := s.RequestFeedback(context.Background()); !errors.Is(err, analysis.ErrNotReady) {
		t.Fatalf("err before load = %v, want ErrNotReady", err)
	}
	loadBoth(t, s)

	fb, err := s.RequestFeedback(context.Background())
	if err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if len(fb.Recommendations) != 2 || fb.Recommendations[0].Timestamp != 1.5 {
		t.Fatalf("recommendations = %+v", fb.Recommendations)
	}
	if fb.Advisor != "advisor" || fb.Loading {
		t.Errorf("feedback = %+v", fb)
	}
	if got.ReferenceName != "https://youtu.be/abc" || got.RecordingName != "take.wav" || got.Recording.Len() != 4 {
		t.Errorf("advisor request = %+v", got)
	}

	recs, _ := store.List(context.Background(), 0)
	if n := len(recs); n != 3 || recs[2].Kind != history.KindFeedback || recs[2].Advisor != "advisor" {
		t.Errorf("history = %+v", recs)
	}
}

func TestRequestFeedback_ChainReportsAdvisor(t *testing.T) {
	failing := funcAdvisor(func(context.Context, advisor.Request) (string, error) {
		return "", errors.New("backend down")
	})
	working := funcAdvisor(func(context.Context, advisor.Request) (string, error) {
		return "timestamp: 3 - discrepancy: flat - suggestion: listen", nil
	})
	chain := advisor.NewChain(nil, resilience.FallbackConfig{},
		advisor.Entry{Name: "backend", Advisor: failing},
		advisor.Entry{Name: "openai", Advisor: working},
	)
	s := newService(t, analysis.Config{Advisor: chain})
	loadBoth(t, s)

	fb, err := s.RequestFeedback(context.Background())
	if err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if fb.Advisor != "openai" || len(fb.Recommendations) != 1 {
		t.Errorf("feedback = %+v", fb)
	}
}

func TestRequestFeedback_Errors(t *testing.T) {
	s := newService(t, analysis.Config{})
	if _, err := s.RequestFeedback(context.Background()); !errors.Is(err, analysis.ErrNoAdvisor) {
		t.Errorf("err = %v, want ErrNoAdvisor", err)
	}

	boom := errors.New("model unavailable")
	s = newService(t, analysis.Config{Advisor: funcAdvisor(func(context.Context, advisor.Request) (string, error) {
		return "", boom
	})})
	loadBoth(t, s)
	fb, err := s.RequestFeedback(context.Background())
	if !errors.Is(err, boom) || !errors.Is(fb.Err, boom) {
		t.Errorf("err = %v, state = %+v", err, fb)
	}
}

func TestTrackChangeClearsFeedback(t *testing.T) {
	adv := funcAdvisor(func(context.Context, advisor.Request) (string, error) {
		return "timestamp: 1 - discrepancy: a - suggestion: b", nil
	})
	s := newService(t, analysis.Config{Advisor: adv})
	loadBoth(t, s)
	if _, err := s.RequestFeedback(context.Background()); err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if _, err := s.LoadRecording(context.Background(), "take2.wav", strings.NewReader("")); err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
	if fb := s.Snapshot().Feedback; fb.Text != "" || len(fb.Recommendations) != 0 {
		t.Errorf("feedback survived a track change: %+v", fb)
	}
}

func TestSubscribe(t *testing.T) {
	s := newService(t, analysis.Config{})
	updates, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc"); err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}
	select {
	case st := <-updates:
		if st.Reference.Loading || !st.Reference.Waveform.Loaded() {
			t.Errorf("latest state = %+v, want loaded", st.Reference)
		}
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Error("channel open after unsubscribe")
	}
}

func TestMarker(t *testing.T) {
	s := newService(t, analysis.Config{})
	if _, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc"); err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}

	m, ok := s.Marker(analysis.TrackReference, 1.4)
	if !ok || m.Sample.Time != 1 || m.Index != 1 {
		t.Errorf("closest marker = %+v", m)
	}
	s.SetLocatorPolicy(waveform.PolicyAtOrAfter)
	m, _ = s.Marker(analysis.TrackReference, 1.4)
	if m.Sample.Time != 2 || m.Marking != "f" {
		t.Errorf("at_or_after marker = %+v", m)
	}

	s.SetChartLayout(waveform.ChartLayout{Width: 100, Height: 100})
	m, _ = s.Marker(analysis.TrackReference, 99)
	if m.Position.X != 100 {
		t.Errorf("x = %v, want right edge", m.Position.X)
	}
}

func TestPlayback(t *testing.T) {
	s := newService(t, analysis.Config{PollInterval: 10 * time.Millisecond})
	loadBoth(t, s)

	if err := s.Play("chorus"); !errors.Is(err, analysis.ErrUnknownTrack) {
		t.Errorf("Play(chorus) err = %v", err)
	}

	updates, cancel, err := s.SubscribePlayback(analysis.TrackRecording)
	if err != nil {
		t.Fatalf("SubscribePlayback: %v", err)
	}
	defer cancel()

	if err := s.Play(analysis.TrackRecording); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case st := <-updates:
		if !st.IsPlaying {
			t.Errorf("state = %+v, want playing", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no playback state published")
	}
	if err := s.Pause(analysis.TrackRecording); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st, _ := s.PlaybackState(analysis.TrackRecording); st.IsPlaying {
		t.Error("still playing after Pause")
	}
	if err := s.Stop(analysis.TrackRecording); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, st, ok := s.CurrentMarker(analysis.TrackRecording); !ok || st != (playback.State{}) {
		t.Errorf("after Stop: state %+v ok %v", st, ok)
	}

	// Reloading the track replaces its tracker and closes old streams.
	if _, err := s.LoadRecording(context.Background(), "take2.wav", strings.NewReader("")); err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
	for range updates {
	}
}

func TestMetrics_WaveformLoaded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := newService(t, analysis.Config{Metrics: m})
	loadBoth(t, s)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "tunesync.waveform.samples" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Histogram[int64]).DataPoints {
				track, _ := dp.Attributes.Value("track")
				counts[track.AsString()] += dp.Count
			}
		}
	}
	if counts["reference"] != 1 || counts["recording"] != 1 {
		t.Errorf("waveform loads = %v", counts)
	}
}

func TestClose(t *testing.T) {
	s := analysis.New(analysis.Config{Backend: staticBackend()})
	updates, _ := s.Subscribe()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-updates; ok {
		t.Error("subscriber channel open after Close")
	}
	if _, err := s.LoadYouTube(context.Background(), "https://youtu.be/abc"); !errors.Is(err, analysis.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

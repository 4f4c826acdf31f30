package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/app"
	"github.com/tunesync/tunesync/internal/config"
	"github.com/tunesync/tunesync/internal/history"
	"github.com/tunesync/tunesync/pkg/provider/llm"
	llmmock "github.com/tunesync/tunesync/pkg/provider/llm/mock"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// fakeBackend serves the analysis backend endpoints. compareStatus controls the
// /compare-audio answer.
func fakeBackend(t *testing.T, compareStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process_youtube", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"waveform_data":{"times":[0,1,2],"dynamics":[0.2,0.6,0.4]},"audio_file_url":"/audio/ref.mp3"}`)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"times":[0,1,2],"dynamics":[0.1,0.5,0.3]}`)
	})
	mux.HandleFunc("GET /compare-audio", func(w http.ResponseWriter, _ *http.Request) {
		if compareStatus != http.StatusOK {
			http.Error(w, `{"error":"comparison unavailable"}`, compareStatus)
			return
		}
		_, _ = io.WriteString(w, `{"result":"timestamp: 1.0 - discrepancy: rushed - suggestion: slow down"}`)
	})
	mux.HandleFunc("POST /compare-audio", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Reference, Recording string }
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "Compared.\ntimestamp: 2.0 - discrepancy: "+body.Reference+" vs "+body.Recording+" - suggestion: line up\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Backend.BaseURL = baseURL
	cfg.Backend.Timeout = 5 * time.Second
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_AdvisorChain(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusOK)

	tests := []struct {
		name           string
		disableBackend bool
		llms           []app.NamedLLM
		want           []string
	}{
		{"backend only", false, nil, []string{"backend"}},
		{"backend then llm", false, []app.NamedLLM{{Name: "openai", Provider: &llmmock.Provider{}}}, []string{"backend", "openai"}},
		{"llm only", true, []app.NamedLLM{{Name: "ollama", Provider: &llmmock.Provider{}}}, []string{"ollama"}},
		{"none", true, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(srv.URL)
			cfg.Advisor.DisableBackend = tt.disableBackend
			a := newApp(t, cfg, &app.Providers{LLMs: tt.llms}, app.WithHistory(history.Discard{}))
			got := a.AdvisorNames()
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("AdvisorNames() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidBackendURL(t *testing.T) {
	t.Parallel()
	cfg := testConfig("not a url")
	if _, err := app.New(context.Background(), cfg, nil, app.WithHistory(history.Discard{})); err == nil {
		t.Fatal("New() with invalid backend url should fail")
	}
}

func TestService_EndToEnd(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.History.Path = t.TempDir() + "/history.jsonl"
	a := newApp(t, cfg, nil)
	ctx := context.Background()

	ref, err := a.Service().LoadYouTube(ctx, "https://youtu.be/x")
	if err != nil {
		t.Fatalf("LoadYouTube: %v", err)
	}
	if ref.AudioURL != srv.URL+"/audio/ref.mp3" {
		t.Errorf("AudioURL = %q", ref.AudioURL)
	}
	if _, err := a.Service().LoadRecording(ctx, "take.wav", strings.NewReader("RIFF")); err != nil {
		t.Fatalf("LoadRecording: %v", err)
	}
	fb, err := a.Service().RequestFeedback(ctx)
	if err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if fb.Advisor != "backend" || len(fb.Recommendations) != 1 {
		t.Errorf("feedback = %+v", fb)
	}

	recs, err := a.Service().History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("history has %d records, want 3", len(recs))
	}
}

func TestService_BackendPostMode(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusServiceUnavailable)
	cfg := testConfig(srv.URL)
	cfg.Advisor.BackendMode = config.BackendModePost
	a := newApp(t, cfg, nil, app.WithHistory(history.Discard{}))
	ctx := context.Background()

	if _, err := a.Service().LoadYouTube(ctx, "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Service().LoadRecording(ctx, "take.wav", strings.NewReader("RIFF")); err != nil {
		t.Fatal(err)
	}
	fb, err := a.Service().RequestFeedback(ctx)
	if err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if fb.Advisor != "backend" || len(fb.Recommendations) != 1 {
		t.Fatalf("feedback = %+v", fb)
	}
	rec := fb.Recommendations[0]
	if rec.Timestamp != 2 || rec.Discrepancy != "https://youtu.be/x vs take.wav" {
		t.Errorf("recommendation = %+v", rec)
	}
}

func TestService_FallsBackToLLM(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusServiceUnavailable)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: "timestamp: 0.5 - discrepancy: too loud - suggestion: play softer",
	}}
	a := newApp(t, testConfig(srv.URL), &app.Providers{LLMs: []app.NamedLLM{{Name: "openai", Provider: p}}},
		app.WithHistory(history.Discard{}))
	ctx := context.Background()

	if _, err := a.Service().LoadYouTube(ctx, "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Service().LoadRecording(ctx, "", strings.NewReader("RIFF")); err != nil {
		t.Fatal(err)
	}
	fb, err := a.Service().RequestFeedback(ctx)
	if err != nil {
		t.Fatalf("RequestFeedback: %v", err)
	}
	if fb.Advisor != "openai" {
		t.Errorf("Advisor = %q, want openai", fb.Advisor)
	}
	if p.Calls() != 1 {
		t.Errorf("LLM calls = %d, want 1", p.Calls())
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusOK)
	cfg := testConfig(srv.URL)
	level := new(slog.LevelVar)
	a := newApp(t, cfg, nil, app.WithHistory(history.Discard{}), app.WithLevelVar(level))

	if _, err := a.Service().LoadYouTube(context.Background(), "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Playback.LocatorPolicy = waveform.PolicyAtOrAfter
	next.Backend.Timeout = time.Minute

	d := a.ApplyConfig(cfg, &next)
	if !d.LogLevelChanged || !d.LocatorPolicyChanged || !d.RestartRequired {
		t.Errorf("diff = %+v", d)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	// at_or_after picks the first sample at or after the playhead.
	m, ok := a.Service().Marker(analysis.TrackReference, 0.4)
	if !ok || m.Sample.Time != 1 {
		t.Errorf("marker after policy change = %+v, %v", m, ok)
	}
}

func TestDashboard_WebSocketOrigins(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusOK)
	cfg := testConfig(srv.URL)
	cfg.Server.WSOrigins = []string{"studio.example"}
	a := newApp(t, cfg, nil, app.WithHistory(history.Discard{}))
	if _, err := a.Service().LoadYouTube(context.Background(), "https://youtu.be/x"); err != nil {
		t.Fatal(err)
	}
	dash := httptest.NewServer(a.Handler())
	t.Cleanup(dash.Close)
	url := "ws" + strings.TrimPrefix(dash.URL, "http") + "/ws/playback/reference"

	dial := func(origin string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": {origin}},
		})
		if err == nil {
			conn.CloseNow()
		}
		return err
	}
	if err := dial("http://studio.example"); err != nil {
		t.Errorf("allowed origin rejected: %v", err)
	}
	if err := dial("http://elsewhere.example"); err == nil {
		t.Error("unlisted origin accepted")
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	srv := fakeBackend(t, http.StatusOK)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a := newApp(t, testConfig(srv.URL), nil, app.WithHistory(history.Discard{}), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	base := "http://" + ln.Addr().String()
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			_ = json.NewDecoder(resp.Body).Decode(&ready)
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dashboard never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ready.Checks["backend"] != "ok" || ready.Checks["history"] != "ok" {
		t.Errorf("readyz = %+v", ready)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tunesync/tunesync/internal/backend"
	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
	"github.com/tunesync/tunesync/pkg/waveform"
)

func newClient(t *testing.T, srv *httptest.Server, opts ...backend.Option) *backend.Client {
	t.Helper()
	c, err := backend.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"", "127.0.0.1:5000", "ftp://host", "http://"} {
		if _, err := backend.New(u); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestProcessYouTube_WrappedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process_youtube" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["youtube_url"] != "https://youtu.be/abc" {
			t.Errorf("youtube_url = %q", body["youtube_url"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"waveform_data":{"times":[0,1,2],"dynamics":[0.1,0.5,0.9]},"audio_file_url":"/audio/abc.mp3"}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv).ProcessYouTube(context.Background(), "  https://youtu.be/abc ")
	if err != nil {
		t.Fatalf("ProcessYouTube: %v", err)
	}
	if !res.Waveform.Loaded() || res.Waveform.Waveform.Len() != 3 {
		t.Fatalf("waveform = %+v", res.Waveform)
	}
	if got := res.Waveform.Waveform.At(1); got != (waveform.Sample{Time: 1, Dynamics: 0.5}) {
		t.Errorf("sample 1 = %+v", got)
	}
	if want := srv.URL + "/audio/abc.mp3"; res.AudioURL != want {
		t.Errorf("AudioURL = %q, want %q", res.AudioURL, want)
	}
}

func TestProcessYouTube_BarePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"times":[0,0.5],"dynamics":[0.2,0.4]}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv).ProcessYouTube(context.Background(), "https://youtu.be/x")
	if err != nil {
		t.Fatalf("ProcessYouTube: %v", err)
	}
	if res.Waveform.Waveform.Len() != 2 {
		t.Errorf("samples = %d, want 2", res.Waveform.Waveform.Len())
	}
	if res.AudioURL != "" {
		t.Errorf("AudioURL = %q, want empty", res.AudioURL)
	}
}

func TestProcessYouTube_MalformedPayloadIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"length mismatch", `{"waveform_data":{"times":[0,1],"dynamics":[0.1]}}`, waveform.ErrLengthMismatch},
		{"missing dynamics", `{"waveform_data":{"times":[0,1]}}`, waveform.ErrMissingDynamic},
		{"no waveform", `{"audio_file_url":"x.mp3"}`, waveform.ErrMissingPayload},
		{"not json", `<html>oops</html>`, waveform.ErrMissingPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			res, err := newClient(t, srv).ProcessYouTube(context.Background(), "https://youtu.be/x")
			if err != nil {
				t.Fatalf("malformed payload must not be an error, got %v", err)
			}
			if res.Waveform.Status != waveform.StatusEmpty {
				t.Fatalf("status = %v, want empty", res.Waveform.Status)
			}
			if !errors.Is(res.Waveform.Reason, tt.want) {
				t.Errorf("reason = %v, want %v", res.Waveform.Reason, tt.want)
			}
		})
	}
}

func TestProcessYouTube_EmptyURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer srv.Close()

	_, err := newClient(t, srv).ProcessYouTube(context.Background(), "   ")
	if !errors.Is(err, backend.ErrEmptyURL) {
		t.Fatalf("err = %v, want ErrEmptyURL", err)
	}
	if hits.Load() != 0 {
		t.Error("backend must not be called for an empty url")
	}
}

func TestProcessYouTube_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"Error downloading audio: 403"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).ProcessYouTube(context.Background(), "https://youtu.be/x")
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 500 || apiErr.Op != backend.OpProcessYouTube {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Message != "Error downloading audio: 403" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if !apiErr.Temporary() {
		t.Error("5xx should be temporary")
	}
}

func TestUpload_SendsMultipartFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "RIFFfake" {
			t.Errorf("file content = %q", data)
		}
		if hdr.Filename != "take1.wav" {
			t.Errorf("filename = %q", hdr.Filename)
		}
		_, _ = io.WriteString(w, `{"times":[0,1],"dynamics":[0.3,0.6]}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv).Upload(context.Background(), "take1.wav", strings.NewReader("RIFFfake"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Waveform.Waveform.Len() != 2 {
		t.Errorf("samples = %d", res.Waveform.Waveform.Len())
	}
}

func TestUpload_DefaultFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if hdr.Filename != backend.DefaultUploadName {
			t.Errorf("filename = %q, want %q", hdr.Filename, backend.DefaultUploadName)
		}
		_, _ = io.WriteString(w, `{"waveform_data":{"times":[],"dynamics":[]}}`)
	}))
	defer srv.Close()

	res, err := newClient(t, srv).Upload(context.Background(), "", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !errors.Is(res.Waveform.Reason, waveform.ErrNoSamples) {
		t.Errorf("reason = %v, want ErrNoSamples", res.Waveform.Reason)
	}
}

func TestUpload_BadRequestKeepsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"No selected file"}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).Upload(context.Background(), "a.wav", strings.NewReader("x"))
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "No selected file" || apiErr.Temporary() {
		t.Fatalf("err = %v", err)
	}
	if backend.IsFailure(err) {
		t.Error("4xx must not count as a backend failure")
	}
}

func TestAPIError_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 511) + strings.Repeat("é", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).Upload(context.Background(), "a.wav", strings.NewReader("x"))
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if !utf8.ValidString(apiErr.Message) {
		t.Errorf("message is not valid UTF-8: %q", apiErr.Message[len(apiErr.Message)-8:])
	}
	if want := strings.Repeat("a", 511) + "..."; apiErr.Message != want {
		t.Errorf("message has %d bytes, want %d", len(apiErr.Message), len(want))
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"result", 200, `{"result":"timestamp: 1.5 - discrepancy: a - suggestion: b"}`, "timestamp: 1.5 - discrepancy: a - suggestion: b", false},
		{"error field", 200, `{"error":"need two files"}`, "", true},
		{"neither", 200, `{}`, "", true},
		{"server error", 500, `boom`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/compare-audio" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			got, err := newClient(t, srv).Compare(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompareText(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"plain", "text/plain", "timestamp: 2 - discrepancy: x - suggestion: y\n", "timestamp: 2 - discrepancy: x - suggestion: y"},
		{"json", "application/json", `{"result":"ok"}`, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s", r.Method)
				}
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["reference"] != "ref.mp3" || body["recording"] != "rec.wav" {
					t.Errorf("body = %v", body)
				}
				w.Header().Set("Content-Type", tt.contentType)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			got, err := newClient(t, srv).CompareText(context.Background(), "ref.mp3", "rec.wav")
			if err != nil {
				t.Fatalf("CompareText: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newClient(t, srv, backend.WithTimeout(20*time.Millisecond)).Compare(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		IsFailure:    backend.IsFailure,
	})
	c := newClient(t, srv, backend.WithBreaker(cb))

	for range 2 {
		if _, err := c.Compare(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := c.Compare(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2", hits.Load())
	}
}

func TestClient_BreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"No YouTube URL provided"}`)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, IsFailure: backend.IsFailure})
	c := newClient(t, srv, backend.WithBreaker(cb))
	for range 3 {
		_, _ = c.ProcessYouTube(context.Background(), "https://youtu.be/x")
	}
	if cb.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", cb.State())
	}
}

func TestClient_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"result":"fine"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, backend.WithMetrics(m))
	if _, err := c.Compare(context.Background()); err != nil {
		t.Fatalf("Compare: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "tunesync.backend.requests" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value("op")
				status, _ := dp.Attributes.Value("status")
				if op.AsString() == backend.OpCompare && status.AsString() == "ok" && dp.Value == 1 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("no ok data point recorded for compare")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newClient(t, srv)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping with 404: %v", err)
	}
	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping on closed server: expected error")
	}
}

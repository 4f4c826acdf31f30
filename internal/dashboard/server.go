// Package dashboard serves the local HTTP API that a browser view drives.
//
// Every route operates on one shared [analysis.Service]:
//
//	POST /api/reference                  {"youtube_url": "..."}
//	POST /api/recording                  multipart field "file"
//	GET  /api/state
//	POST /api/feedback
//	POST /api/playback/{track}/{action}  play, pause, toggle or stop
//	GET  /api/playback/{track}/marker    ?t=seconds, default: current playhead
//	GET  /api/history                    ?limit=n
//	GET  /ws/playback/{track}            playhead stream (WebSocket)
//
// /healthz, /readyz and /metrics are mounted when configured. All routes run
// behind [observe.Middleware].
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/backend"
	"github.com/tunesync/tunesync/internal/health"
	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
)

const (
	// DefaultMaxUploadBytes caps the size of an uploaded recording.
	DefaultMaxUploadBytes = 100 << 20

	// DefaultHistoryLimit is used when /api/history has no limit parameter.
	DefaultHistoryLimit = 50
)

// Config holds the dependencies of a [Server].
type Config struct {
	// Service is the shared analysis state. Required.
	Service *analysis.Service

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health is mounted at /healthz and /readyz when set.
	Health *health.Handler

	// MetricsHandler is mounted at /metrics when set, usually promhttp.Handler().
	MetricsHandler http.Handler

	// MaxUploadBytes defaults to [DefaultMaxUploadBytes].
	MaxUploadBytes int64

	// OriginPatterns are the extra host patterns allowed to open WebSockets.
	// Same-origin requests are always allowed.
	OriginPatterns []string
}

// Server is the dashboard HTTP handler.
type Server struct {
	svc       *analysis.Service
	metrics   *observe.Metrics
	maxUpload int64
	origins   []string
	handler   http.Handler
}

// New builds a [Server] and its routes.
func New(cfg Config) *Server {
	s := &Server{
		svc:       cfg.Service,
		metrics:   cfg.Metrics,
		maxUpload: cfg.MaxUploadBytes,
		origins:   cfg.OriginPatterns,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/reference", s.handleReference)
	mux.HandleFunc("POST /api/recording", s.handleRecording)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/playback/{track}/{action}", s.handlePlayback)
	mux.HandleFunc("GET /api/playback/{track}/marker", s.handleMarker)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws/playback/{track}", s.handlePlaybackStream)
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YouTubeURL string `json:"youtube_url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	t, err := s.svc.LoadYouTube(r.Context(), body.YouTubeURL)
	s.writeTrack(w, r, t, err)
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("read form file: %w", err))
		return
	}
	defer f.Close()

	t, err := s.svc.LoadRecording(r.Context(), hdr.Filename, f)
	s.writeTrack(w, r, t, err)
}

// writeTrack answers a load request. A failed fetch is reported with the
// error status but still carries the track, which keeps its previous
// waveform.
func (s *Server) writeTrack(w http.ResponseWriter, r *http.Request, t analysis.Track, err error) {
	if err != nil {
		if t.Token == 0 {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, statusFor(err), newTrackView(t))
		return
	}
	writeJSON(w, http.StatusOK, newTrackView(t))
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStateView(s.svc.Snapshot()))
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := s.svc.RequestFeedback(r.Context())
	if err != nil {
		if fb.Token == 0 {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, statusFor(err), newFeedbackView(fb))
		return
	}
	writeJSON(w, http.StatusOK, newFeedbackView(fb))
}

func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	kind, err := analysis.ParseTrack(r.PathValue("track"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var op func(analysis.TrackKind) error
	switch r.PathValue("action") {
	case "play":
		op = s.svc.Play
	case "pause":
		op = s.svc.Pause
	case "toggle":
		op = s.svc.Toggle
	case "stop":
		op = s.svc.Stop
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown playback action %q", r.PathValue("action")))
		return
	}
	if err := op(kind); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.PlaybackState(kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.frame(kind, st.CurrentTime, st.IsPlaying))
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	kind, err := analysis.ParseTrack(r.PathValue("track"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if q := r.URL.Query().Get("t"); q != "" {
		t, err := strconv.ParseFloat(q, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid t %q", q))
			return
		}
		m, ok := s.svc.Marker(kind, t)
		if !ok {
			s.fail(w, r, analysis.ErrNoWaveform)
			return
		}
		writeJSON(w, http.StatusOK, playbackFrame{Track: string(kind), Marker: &m})
		return
	}
	st, err := s.svc.PlaybackState(kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.frame(kind, st.CurrentTime, st.IsPlaying))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", q))
			return
		}
		limit = n
	}
	recs, err := s.svc.History(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// frame builds a playback frame for the given playhead.
func (s *Server) frame(kind analysis.TrackKind, t float64, playing bool) playbackFrame {
	f := playbackFrame{Track: string(kind)}
	f.CurrentTime, f.IsPlaying = t, playing
	if m, ok := s.svc.Marker(kind, t); ok {
		f.Marker = &m
	}
	return f
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("dashboard: request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, err)
}

// statusFor maps service and backend errors to HTTP status codes.
func statusFor(err error) int {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, analysis.ErrUnknownTrack):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrNoWaveform),
		errors.Is(err, analysis.ErrNotReady),
		errors.Is(err, analysis.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, analysis.ErrNoAdvisor):
		return http.StatusNotImplemented
	case errors.Is(err, analysis.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrEmptyURL):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		if !apiErr.Temporary() && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("dashboard: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorView{Error: err.Error()})
}

// Package backend is the HTTP client for the TuneSync analysis backend.
//
// The backend turns a YouTube link or an uploaded recording into a loudness
// waveform and compares the two most recent tracks. [Client] wraps each
// endpoint, normalises waveform payloads through [waveform.Normalize] and
// reports every call to OpenTelemetry. Requests are never retried; an
// optional circuit breaker short-circuits a backend that keeps failing.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
	"github.com/tunesync/tunesync/pkg/waveform"
)

const (
	// DefaultTimeout bounds a single request. YouTube processing downloads
	// and analyses the whole track before answering.
	DefaultTimeout = 60 * time.Second

	// DefaultUploadName is used when Upload is called without a file name.
	DefaultUploadName = "recording.wav"

	// maxResponseBytes caps the size of a response body.
	maxResponseBytes = 64 << 20
)

// Operation names used for spans, metrics and [APIError.Op].
const (
	OpProcessYouTube = "process_youtube"
	OpUpload         = "upload"
	OpCompare        = "compare"
	OpCompareText    = "compare_text"
)

// Option is a functional option for [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The default client
// propagates trace context through otelhttp.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMetrics sets the instruments calls are recorded on.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithBreaker routes every call through cb. Build cb with [IsFailure] as its
// classifier so that rejected requests do not open it.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// Client talks to the analysis backend. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
}

// New creates a [Client] for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("backend: base url %q must be an absolute http(s) url", baseURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// BaseURL returns the backend root the client was built with.
func (c *Client) BaseURL() string { return c.base.String() }

// YouTubeResult is the outcome of [Client.ProcessYouTube].
type YouTubeResult struct {
	Waveform waveform.Result

	// AudioURL is an absolute URL for the processed audio, or empty when the
	// backend did not provide one.
	AudioURL string
}

// UploadResult is the outcome of [Client.Upload].
type UploadResult struct {
	Waveform waveform.Result

	// AudioURL is set only when the backend echoes a playable URL.
	AudioURL string
}

// waveformPayload accepts both response shapes the backend produces: the
// wrapped {waveform_data, audio_file_url} object and the bare
// {times, dynamics} object.
type waveformPayload struct {
	WaveformData *waveform.Raw `json:"waveform_data"`
	AudioFileURL string        `json:"audio_file_url"`
	Times        []float64     `json:"times"`
	Dynamics     []float64     `json:"dynamics"`
}

func (p *waveformPayload) raw() *waveform.Raw {
	if p.WaveformData != nil {
		return p.WaveformData
	}
	if p.Times != nil || p.Dynamics != nil {
		return &waveform.Raw{Times: p.Times, Dynamics: p.Dynamics}
	}
	return nil
}

// ProcessYouTube asks the backend to download and analyse the audio of a
// YouTube video. A malformed payload is not an error: it yields a result with
// [waveform.StatusEmpty].
func (c *Client) ProcessYouTube(ctx context.Context, youtubeURL string) (*YouTubeResult, error) {
	youtubeURL = strings.TrimSpace(youtubeURL)
	if youtubeURL == "" {
		return nil, ErrEmptyURL
	}
	body, err := json.Marshal(map[string]string{"youtube_url": youtubeURL})
	if err != nil {
		return nil, fmt.Errorf("backend: %s: encode request: %w", OpProcessYouTube, err)
	}

	data, err := c.call(ctx, OpProcessYouTube, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/process_youtube"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	p := c.decodeWaveform(ctx, OpProcessYouTube, data)
	return &YouTubeResult{
		Waveform: waveform.Normalize(p.raw()),
		AudioURL: c.resolve(p.AudioFileURL),
	}, nil
}

// Upload sends an audio file as the multipart form field "file". An empty
// filename is replaced with [DefaultUploadName].
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*UploadResult, error) {
	if filename == "" {
		filename = DefaultUploadName
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: create form file: %w", OpUpload, err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, fmt.Errorf("backend: %s: read audio: %w", OpUpload, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("backend: %s: close multipart writer: %w", OpUpload, err)
	}

	data, err := c.call(ctx, OpUpload, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload"), bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	p := c.decodeWaveform(ctx, OpUpload, data)
	return &UploadResult{
		Waveform: waveform.Normalize(p.raw()),
		AudioURL: c.resolve(p.AudioFileURL),
	}, nil
}

// Compare asks the backend to compare the two most recently processed tracks
// and returns its free-text feedback.
func (c *Client) Compare(ctx context.Context) (string, error) {
	data, err := c.call(ctx, OpCompare, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/compare-audio"), nil)
	})
	if err != nil {
		return "", err
	}
	return decodeFeedback(OpCompare, data)
}

// CompareText posts the identifiers of a reference and a recording to the
// comparison endpoint and returns the response text. The backend may answer
// with plain text or with the same JSON object as [Client.Compare].
func (c *Client) CompareText(ctx context.Context, reference, recording string) (string, error) {
	body, err := json.Marshal(map[string]string{"reference": reference, "recording": recording})
	if err != nil {
		return "", fmt.Errorf("backend: %s: encode request: %w", OpCompareText, err)
	}
	data, err := c.call(ctx, OpCompareText, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/compare-audio"), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/plain, application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return decodeFeedback(OpCompareText, trimmed)
	}
	return string(trimmed), nil
}

// Ping reports whether the backend answers HTTP at all. Any response counts,
// including 404; only transport failures are errors. Ping bypasses the
// circuit breaker.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint("/"), nil)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: ping: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

// call performs one request built by newReq and returns the response body of
// a 2xx answer. newReq is invoked at most once.
func (c *Client) call(ctx context.Context, op string, newReq func(context.Context) (*http.Request, error)) (body []byte, err error) {
	ctx, span := observe.StartSpan(ctx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.op", op)),
	)
	start := time.Now()
	defer func() {
		observe.EndSpan(span, err)
		c.metrics.RecordBackendRequest(ctx, op, err, time.Since(start))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	do := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return fmt.Errorf("backend: %s: build request: %w", op, err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("backend: %s: %w", op, err)
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("backend: %s: read response: %w", op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newAPIError(op, resp.StatusCode, data)
		}
		body = data
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(do)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			err = fmt.Errorf("backend: %s: %w", op, err)
		}
	} else {
		err = do()
	}
	return body, err
}

// decodeWaveform parses a waveform response. Bodies that are not JSON are
// logged and treated as an absent payload.
func (c *Client) decodeWaveform(ctx context.Context, op string, data []byte) *waveformPayload {
	var p waveformPayload
	if err := json.Unmarshal(data, &p); err != nil {
		observe.Logger(ctx).Warn("backend: undecodable waveform payload", "op", op, "err", err, "bytes", len(data))
		return &waveformPayload{}
	}
	return &p
}

// decodeFeedback extracts the "result" field of a comparison response. An
// "error" field becomes an [APIError] even on a 2xx status.
func decodeFeedback(op string, data []byte) (string, error) {
	var payload struct {
		Result *string `json:"result"`
		Error  string  `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("backend: %s: decode response: %w", op, err)
	}
	if payload.Error != "" {
		return "", &APIError{Op: op, StatusCode: http.StatusOK, Message: payload.Error}
	}
	if payload.Result == nil {
		return "", fmt.Errorf("backend: %s: response has neither result nor error", op)
	}
	return *payload.Result, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// resolve makes a possibly relative audio URL absolute against the backend
// root. Empty input stays empty.
func (c *Client) resolve(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.base.ResolveReference(u).String()
}

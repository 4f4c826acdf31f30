package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultBaseURL        = "http://127.0.0.1:5000"
	DefaultListenAddr     = "127.0.0.1:8090"
	DefaultBackendTimeout = 60 * time.Second
	DefaultSampleRate     = 44100
	DefaultMaxRecording   = 5 * time.Minute
)

// ValidLLMProviders lists the LLM provider names known to the built-in
// registry. Used by [Validate] to warn about unrecognised names.
var ValidLLMProviders = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBaseURL
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}
	if cfg.Playback.PollInterval == 0 {
		cfg.Playback.PollInterval = playback.DefaultPollInterval
	}
	if cfg.Playback.LocatorPolicy == "" {
		cfg.Playback.LocatorPolicy = waveform.PolicyClosest
	}
	if cfg.Chart == (waveform.ChartLayout{}) {
		cfg.Chart = waveform.DefaultChartLayout
	}
	if cfg.Advisor.BackendMode == "" {
		cfg.Advisor.BackendMode = BackendModeGet
	}
	if cfg.Recorder.SampleRate == 0 {
		cfg.Recorder.SampleRate = DefaultSampleRate
	}
	if cfg.Recorder.MaxDuration == 0 {
		cfg.Recorder.MaxDuration = DefaultMaxRecording
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	for i, o := range cfg.Server.WSOrigins {
		if o == "" {
			errs = append(errs, fmt.Errorf("server.ws_origins[%d] is empty", i))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backend
	if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q must be an absolute http(s) URL", cfg.Backend.BaseURL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if b := cfg.Backend.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("backend.breaker values must not be negative"))
	}

	// Playback
	if d := cfg.Playback.PollInterval; d != 0 && (d < playback.MinPollInterval || d > playback.MaxPollInterval) {
		errs = append(errs, fmt.Errorf("playback.poll_interval %s is out of range [%s, %s]", d, playback.MinPollInterval, playback.MaxPollInterval))
	}
	if p := cfg.Playback.LocatorPolicy; p != "" && !p.IsValid() {
		errs = append(errs, fmt.Errorf("playback.locator_policy %q is invalid; valid values: closest, at_or_after", p))
	}

	// Chart
	c := cfg.Chart
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("chart width and height must be positive, got %gx%g", c.Width, c.Height))
	} else if c.PlotWidth() <= 0 || c.PlotHeight() <= 0 {
		errs = append(errs, errors.New("chart margins leave no plotted area"))
	}
	if c.YMax < c.YMin {
		errs = append(errs, fmt.Errorf("chart.y_max %g is below chart.y_min %g", c.YMax, c.YMin))
	}

	// Advisor
	validateProviderName(cfg.Advisor.LLM.Name)
	for i, fb := range cfg.Advisor.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("advisor.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fb.Name)
	}
	if m := cfg.Advisor.BackendMode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("advisor.backend_mode %q is invalid; valid values: get, post", m))
	}
	if th := cfg.Advisor.OnsetThreshold; th < 0 || th > 1 || math.IsNaN(th) {
		errs = append(errs, fmt.Errorf("advisor.onset_threshold %g must be within [0, 1]", th))
	}
	if cfg.Advisor.DisableBackend && cfg.Advisor.LLM.Name == "" && len(cfg.Advisor.Fallbacks) == 0 {
		slog.Warn("advisor.disable_backend is set but no LLM is configured; feedback will be unavailable")
	}

	// History
	if cfg.History.Path != "" && cfg.History.PostgresDSN != "" {
		slog.Warn("history.path and history.postgres_dsn are both set; using postgres")
	}

	// Recorder
	if cfg.Recorder.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recorder.sample_rate %d must not be negative", cfg.Recorder.SampleRate))
	}
	if cfg.Recorder.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("recorder.max_duration %s must not be negative", cfg.Recorder.MaxDuration))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a known
// LLM provider.
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown LLM provider name; may be a typo or a third-party provider",
		"name", name,
		"known", ValidLLMProviders,
	)
}

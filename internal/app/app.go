// Package app wires the TuneSync subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the dashboard until the context is cancelled, and
// Shutdown tears everything down in order. One-shot CLI commands use New and
// Service without ever calling Run.
//
// For testing, inject doubles via functional options (WithHistory,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunesync/tunesync/internal/advisor"
	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/backend"
	"github.com/tunesync/tunesync/internal/config"
	"github.com/tunesync/tunesync/internal/dashboard"
	"github.com/tunesync/tunesync/internal/health"
	"github.com/tunesync/tunesync/internal/history"
	"github.com/tunesync/tunesync/internal/observe"
	"github.com/tunesync/tunesync/internal/resilience"
	"github.com/tunesync/tunesync/pkg/provider/llm"
)

const (
	// shutdownTimeout bounds the graceful HTTP shutdown once Run's context
	// is cancelled.
	shutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// NamedLLM is a language model together with the name it was configured
// under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the LLMs built by main.go via the config registry, in the
// order they should be tried. Empty means no LLM advisor.
type Providers struct {
	LLMs []NamedLLM
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	breaker        *resilience.CircuitBreaker
	backend        *backend.Client
	history        history.Store
	advisor        advisor.Advisor
	advisorNames   []string
	service        *analysis.Service
	health         *health.Handler
	dashboard      *dashboard.Server

	listener net.Listener
	level    *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects a history store instead of opening one from config.
// The app does not close an injected store.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics sets the instruments shared by all subsystems.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics, usually promhttp.Handler().
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: backend client and breaker,
// history store, advisor chain, analysis service and dashboard routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	a.initAdvisor()

	a.service = analysis.New(analysis.Config{
		Backend:       a.backend,
		Advisor:       a.advisor,
		History:       a.history,
		Metrics:       a.metrics,
		PollInterval:  cfg.Playback.PollInterval,
		LocatorPolicy: cfg.Playback.LocatorPolicy,
		ChartLayout:   cfg.Chart,
	})
	// The service goes first so in-flight requests stop before the stores
	// they write to are closed.
	a.closers = append([]func() error{a.service.Close}, a.closers...)

	a.initDashboard()
	return a, nil
}

// initBackend creates the backend client behind its circuit breaker.
func (a *App) initBackend() error {
	b := a.cfg.Backend.Breaker
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend",
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
		IsFailure:    backend.IsFailure,
	})
	client, err := backend.New(a.cfg.Backend.BaseURL,
		backend.WithTimeout(a.cfg.Backend.Timeout),
		backend.WithMetrics(a.metrics),
		backend.WithBreaker(a.breaker),
	)
	if err != nil {
		return err
	}
	a.backend = client
	return nil
}

// initHistory opens the configured store unless one was injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	store, err := history.Open(ctx, a.cfg.History.Path, a.cfg.History.PostgresDSN)
	if err != nil {
		return err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initAdvisor builds the advisor chain: the backend comparison first unless
// disabled, then every configured LLM. With nothing configured the service
// reports feedback as unavailable.
func (a *App) initAdvisor() {
	var entries []advisor.Entry
	if !a.cfg.Advisor.DisableBackend {
		var opts []advisor.BackendOption
		if a.cfg.Advisor.BackendMode == config.BackendModePost {
			opts = append(opts, advisor.WithNamedCompare())
		}
		entries = append(entries, advisor.Entry{Name: "backend", Advisor: advisor.NewBackend(a.backend, opts...)})
	}
	for _, p := range a.providers.LLMs {
		llmAdvisor := advisor.NewLLM(p.Provider, advisor.WithOnsetThreshold(a.cfg.Advisor.OnsetThreshold))
		entries = append(entries, advisor.Entry{Name: p.Name, Advisor: llmAdvisor})
	}
	if len(entries) == 0 {
		slog.Warn("no advisor configured; feedback is disabled")
		return
	}
	chain := advisor.NewChain(a.metrics, resilience.FallbackConfig{}, entries[0], entries[1:]...)
	a.advisor = chain
	a.advisorNames = chain.Names()
}

// initDashboard builds the health checks and HTTP routes.
func (a *App) initDashboard() {
	a.health = health.New(
		health.Checker{Name: "backend", Check: a.backend.Ping},
		health.Checker{Name: "history", Check: a.history.Ping},
		health.Checker{Name: "backend_breaker", Optional: true, Check: func(context.Context) error {
			if st := a.breaker.State(); st != resilience.StateClosed {
				return fmt.Errorf("circuit %s", st)
			}
			return nil
		}},
		health.Checker{Name: "advisor", Optional: true, Check: func(context.Context) error {
			if a.advisor == nil {
				return analysis.ErrNoAdvisor
			}
			return nil
		}},
	)
	a.dashboard = dashboard.New(dashboard.Config{
		Service:        a.service,
		Metrics:        a.metrics,
		Health:         a.health,
		MetricsHandler: a.metricsHandler,
		OriginPatterns: a.cfg.Server.WSOrigins,
	})
}

// Service returns the shared analysis service.
func (a *App) Service() *analysis.Service { return a.service }

// Backend returns the backend client.
func (a *App) Backend() *backend.Client { return a.backend }

// Handler returns the dashboard HTTP handler.
func (a *App) Handler() http.Handler { return a.dashboard }

// AdvisorNames returns the advisors in the order they are tried.
func (a *App) AdvisorNames() []string { return a.advisorNames }

// Run serves the dashboard and blocks until ctx is cancelled, then shuts the
// HTTP server down gracefully. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	srv := &http.Server{
		Handler:           a.dashboard,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("dashboard listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ApplyConfig hot-applies the settings that changed between old and new.
// Settings read once at startup are only logged.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PollIntervalChanged {
		a.service.SetPollInterval(d.NewPollInterval)
		slog.Info("poll interval changed", "interval", d.NewPollInterval)
	}
	if d.LocatorPolicyChanged {
		a.service.SetLocatorPolicy(new.Playback.LocatorPolicy)
		slog.Info("locator policy changed", "policy", new.Playback.LocatorPolicy)
	}
	if d.ChartChanged {
		a.service.SetChartLayout(new.Chart)
		slog.Info("chart layout changed")
	}
	if d.RestartRequired {
		slog.Warn("config changes to backend, advisor, history, recorder or listen settings need a restart")
	}
	a.cfg = new
	return d
}

// Shutdown tears down all subsystems in init order, service first. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Debug("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

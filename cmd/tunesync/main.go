// Command tunesync compares a musician's recording with a reference
// performance and prints or serves timestamped feedback.
//
// Usage:
//
//	tunesync [-config file] <command> [flags] [args]
//
// Commands:
//
//	serve                      run the local dashboard (default)
//	youtube <url>              load a reference from YouTube
//	upload [-local] <file>     load a recording file
//	record [-local] [-out f]   record from the microphone and load it
//	compare <url> <file>       load both tracks and print feedback
//	play <url>                 follow the reference playhead in the terminal
//	history [-n count]         list recent analyses
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunesync/tunesync/internal/app"
	"github.com/tunesync/tunesync/internal/config"
	"github.com/tunesync/tunesync/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tunesync", flag.ContinueOnError)
	configPath := fs.String("config", "tunesync.yaml", "path to the YAML configuration file")
	fs.Usage = usage(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, found, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunesync: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))
	if !found {
		slog.Debug("config file not found, using defaults", "config", *configPath)
	}

	cmd, rest := "serve", []string(nil)
	if fs.NArg() > 0 {
		cmd, rest = fs.Arg(0), fs.Args()[1:]
	}
	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "tunesync: unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &env{cfg: cfg, configPath: *configPath, configFound: found, level: level}
	if err := handler(ctx, env, rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		return 1
	}
	return 0
}

// loadConfig reads path, falling back to the defaults when it does not
// exist. found reports whether the file was read.
func loadConfig(path string) (cfg *config.Config, found bool, err error) {
	cfg, err = config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// env carries what every command needs.
type env struct {
	cfg         *config.Config
	configPath  string
	configFound bool
	level       *slog.LevelVar
}

// newApp builds the application for a command. Metrics are registered with
// Prometheus only when serving.
func (e *env) newApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(e.cfg, reg)
	if err != nil {
		return nil, err
	}
	opts = append([]app.Option{app.WithLevelVar(e.level)}, opts...)
	return app.New(ctx, e.cfg, providers, opts...)
}

func serve(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	application, err := e.newApp(ctx, app.WithMetricsHandler(promhttp.Handler()))
	if err != nil {
		return err
	}

	if e.configFound {
		w, err := config.NewWatcher(e.configPath, func(r config.Reload) {
			application.ApplyConfig(r.Old, r.New)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			go func() { _ = w.Run(ctx) }()
		}
	}

	printStartupSummary(e.cfg, application.AdvisorNames())

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage: tunesync [-config file] <command> [flags] [args]")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Commands:")
		for _, c := range commandHelp {
			fmt.Fprintf(out, "  %-26s %s\n", c[0], c[1])
		}
		fmt.Fprintln(out)
		fs.PrintDefaults()
	}
}

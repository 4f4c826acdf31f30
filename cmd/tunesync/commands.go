package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/app"
	"github.com/tunesync/tunesync/internal/recorder"
)

// errUsage reports a command line mistake after the usage has been printed.
var errUsage = errors.New("usage")

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"serve":   serve,
	"youtube": loadYouTube,
	"upload":  upload,
	"record":  record,
	"compare": compare,
	"play":    play,
	"history": listHistory,
}

var commandHelp = [][2]string{
	{"serve", "run the local dashboard (default)"},
	{"youtube <url>", "load a reference from YouTube"},
	{"upload [-local] <file>", "load a recording file"},
	{"record [-local] [-out file]", "record from the microphone and load it"},
	{"compare <url> <file>", "load both tracks and print feedback"},
	{"play <url>", "follow the reference playhead"},
	{"history [-n count]", "list recent analyses"},
}

// withApp runs fn against a fresh application and shuts it down afterwards.
func withApp(ctx context.Context, e *env, fn func(*app.App) error) error {
	a, err := e.newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(sctx)
	}()
	return fn(a)
}

func parseArgs(fs *flag.FlagSet, args []string, n int, usage string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != n {
		fmt.Fprintf(os.Stderr, "usage: tunesync %s\n", usage)
		return nil, errUsage
	}
	return fs.Args(), nil
}

func loadYouTube(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("youtube", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 1, "youtube <url>")
	if err != nil {
		return err
	}
	return withApp(ctx, e, func(a *app.App) error {
		t, err := a.Service().LoadYouTube(ctx, pos[0])
		printTrack(os.Stdout, "reference", t)
		return err
	})
}

func upload(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	local := fs.Bool("local", false, "compute the loudness curve locally instead of uploading")
	pos, err := parseArgs(fs, args, 1, "upload [-local] <file>")
	if err != nil {
		return err
	}
	return withApp(ctx, e, func(a *app.App) error {
		t, err := loadFile(ctx, a.Service(), pos[0], *local)
		printTrack(os.Stdout, "recording", t)
		return err
	})
}

// loadFile loads path as the recording, either through the backend or by
// decoding the WAV file and computing its envelope locally.
func loadFile(ctx context.Context, svc *analysis.Service, path string, local bool) (analysis.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return analysis.Track{}, err
	}
	defer f.Close()
	name := filepath.Base(path)
	if !local {
		return svc.LoadRecording(ctx, name, f)
	}
	samples, rate, err := recorder.DecodeWAV(f)
	if err != nil {
		return analysis.Track{}, err
	}
	return svc.LoadLocal(ctx, analysis.TrackRecording, name, recorder.Envelope(samples, rate))
}

func record(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	local := fs.Bool("local", false, "compute the loudness curve locally instead of uploading")
	out := fs.String("out", "", "also write the recording to this WAV file")
	maxDur := fs.Duration("max", e.cfg.Recorder.MaxDuration, "stop recording after this long")
	if _, err := parseArgs(fs, args, 0, "record [-local] [-out file] [-max duration]"); err != nil {
		return err
	}

	rec := recorder.New(recorder.WithSampleRate(e.cfg.Recorder.SampleRate))
	fmt.Fprintln(os.Stderr, accent("Recording... press Ctrl+C to stop."))

	// Ctrl+C ends the recording.
	samples, err := rec.Record(ctx, *maxDur)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Captured %.1fs of audio.\n", float64(len(samples))/float64(rec.SampleRate()))

	var buf bytes.Buffer
	if err := recorder.EncodeWAV(&buf, samples, rec.SampleRate()); err != nil {
		return err
	}
	if *out != "" {
		if err := os.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
			return err
		}
	}

	// The signal context may already be cancelled by the Ctrl+C that ended
	// the recording.
	loadCtx := context.WithoutCancel(ctx)
	return withApp(loadCtx, e, func(a *app.App) error {
		var t analysis.Track
		var err error
		if *local {
			t, err = a.Service().LoadLocal(loadCtx, analysis.TrackRecording, "microphone", recorder.Envelope(samples, rec.SampleRate()))
		} else {
			t, err = a.Service().LoadRecording(loadCtx, "", &buf)
		}
		printTrack(os.Stdout, "recording", t)
		return err
	})
}

func compare(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	local := fs.Bool("local", false, "compute the recording's loudness curve locally")
	pos, err := parseArgs(fs, args, 2, "compare [-local] <youtube-url> <file>")
	if err != nil {
		return err
	}
	return withApp(ctx, e, func(a *app.App) error {
		svc := a.Service()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := svc.LoadYouTube(gctx, pos[0])
			return err
		})
		g.Go(func() error {
			_, err := loadFile(gctx, svc, pos[1], *local)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		st := svc.Snapshot()
		printTrack(os.Stdout, "reference", st.Reference)
		printTrack(os.Stdout, "recording", st.Recording)

		fb, err := svc.RequestFeedback(ctx)
		if err != nil {
			return err
		}
		printFeedback(os.Stdout, fb)
		return nil
	})
}

func play(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	pos, err := parseArgs(fs, args, 1, "play <youtube-url>")
	if err != nil {
		return err
	}
	return withApp(ctx, e, func(a *app.App) error {
		svc := a.Service()
		t, err := svc.LoadYouTube(ctx, pos[0])
		if err != nil {
			return err
		}
		printTrack(os.Stdout, "reference", t)

		updates, unsubscribe, err := svc.SubscribePlayback(analysis.TrackReference)
		if err != nil {
			return err
		}
		defer unsubscribe()
		if err := svc.Play(analysis.TrackReference); err != nil {
			return err
		}
		started := false
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stdout)
				return nil
			case st, ok := <-updates:
				if !ok {
					return nil
				}
				m, _ := svc.Marker(analysis.TrackReference, st.CurrentTime)
				printPlayhead(os.Stdout, st, m, t.Waveform.Waveform.Duration())
				if st.IsPlaying {
					started = true
				} else if started {
					fmt.Fprintln(os.Stdout)
					return nil
				}
			}
		}
	})
}

func listHistory(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of records to show; 0 shows all")
	if _, err := parseArgs(fs, args, 0, "history [-n count]"); err != nil {
		return err
	}
	if e.cfg.History.Path == "" && e.cfg.History.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "History is disabled; set history.path or history.postgres_dsn.")
		return nil
	}
	return withApp(ctx, e, func(a *app.App) error {
		recs, err := a.Service().History(ctx, *n)
		if err != nil {
			return err
		}
		printHistory(os.Stdout, recs)
		return nil
	})
}

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/tunesync/tunesync/internal/analysis"
	"github.com/tunesync/tunesync/internal/config"
	"github.com/tunesync/tunesync/internal/history"
	"github.com/tunesync/tunesync/pkg/playback"
	"github.com/tunesync/tunesync/pkg/waveform"
)

var (
	accent  = color.New(color.FgCyan, color.Bold).SprintFunc()
	good    = color.New(color.FgGreen).SprintFunc()
	warn    = color.New(color.FgYellow).SprintFunc()
	bad     = color.New(color.FgRed).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	stamp   = color.New(color.FgMagenta, color.Bold).SprintfFunc()
	barFull = color.New(color.FgCyan).SprintFunc()
)

const barWidth = 40

func printTrack(w io.Writer, label string, t analysis.Track) {
	res := t.Waveform
	switch {
	case t.Err != nil:
		fmt.Fprintf(w, "%-10s %s %v\n", accent(label), bad("failed"), t.Err)
	case res.Loaded():
		fmt.Fprintf(w, "%-10s %s %d samples, %.1fs", accent(label), good("loaded"), res.Waveform.Len(), res.Waveform.Duration())
		if t.Source != "" {
			fmt.Fprintf(w, " %s", faint("("+t.Source+")"))
		}
		fmt.Fprintln(w)
		if t.AudioURL != "" {
			fmt.Fprintf(w, "%-10s %s\n", "", faint(t.AudioURL))
		}
	case res.Status == waveform.StatusEmpty:
		fmt.Fprintf(w, "%-10s %s %v\n", accent(label), warn("no waveform"), res.Reason)
	default:
		fmt.Fprintf(w, "%-10s %s\n", accent(label), faint("not loaded"))
	}
}

func printFeedback(w io.Writer, fb analysis.FeedbackState) {
	fmt.Fprintf(w, "\n%s %s\n", accent("Feedback"), faint("from "+fb.Advisor))
	if len(fb.Recommendations) == 0 {
		fmt.Fprintln(w, strings.TrimSpace(fb.Text))
		return
	}
	for _, r := range fb.Recommendations {
		fmt.Fprintf(w, "  %s  %s\n", stamp("%6.1fs", r.Timestamp), r.Discrepancy)
		fmt.Fprintf(w, "           %s %s\n", good("->"), r.Suggestion)
	}
}

// printPlayhead redraws a single status line for the playhead.
func printPlayhead(w io.Writer, st playback.State, m waveform.Marker, duration float64) {
	filled := 0
	if duration > 0 {
		filled = min(int(st.CurrentTime/duration*barWidth), barWidth)
	}
	bar := barFull(strings.Repeat("#", filled)) + strings.Repeat(".", barWidth-filled)
	icon := "||"
	if st.IsPlaying {
		icon = ">"
	}
	fmt.Fprintf(w, "\r%-2s [%s] %6.1fs  loudness %.2f %-2s ", icon, bar, st.CurrentTime, m.Sample.Dynamics, m.Marking)
}

func printHistory(w io.Writer, recs []history.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, faint("no history yet"))
		return
	}
	for _, r := range recs {
		when := r.CreatedAt.Local().Format("2006-01-02 15:04")
		switch r.Kind {
		case history.KindFeedback:
			fmt.Fprintf(w, "%s  %-9s %s\n", faint(when), accent(r.Kind), faint("via "+r.Advisor))
			for _, line := range strings.Split(strings.TrimSpace(r.Feedback), "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		default:
			fmt.Fprintf(w, "%s  %-9s %s %d samples %.1fs  %s\n",
				faint(when), accent(r.Kind), r.Status, r.Samples, r.Duration, r.Source)
		}
	}
}

func printStartupSummary(cfg *config.Config, advisors []string) {
	rows := [][2]string{
		{"Dashboard", cfg.Server.ListenAddr},
		{"Backend", cfg.Backend.BaseURL},
		{"Advisors", orNone(strings.Join(advisors, " -> "))},
		{"History", orNone(historyTarget(cfg.History))},
		{"Locator", string(cfg.Playback.LocatorPolicy)},
		{"Poll", cfg.Playback.PollInterval.String()},
	}
	fmt.Println(accent("TuneSync") + faint(" "+version))
	for _, r := range rows {
		fmt.Printf("  %-10s %s\n", r[0], r[1])
	}
}

func historyTarget(h config.HistoryConfig) string {
	if h.PostgresDSN != "" {
		return "postgres"
	}
	return h.Path
}

func orNone(s string) string {
	if s == "" {
		return faint("(none)")
	}
	return s
}

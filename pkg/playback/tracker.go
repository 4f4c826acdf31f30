// Package playback keeps a playhead position in step with an audio source.
//
// A [Tracker] polls a [Source] at a fixed cadence while it is playing and
// publishes [State] snapshots to subscribers. It owns exactly one polling
// goroutine at a time; pausing, stopping, reaching the natural end of the
// audio and closing the tracker all tear that goroutine down.
//
// Typical use:
//
//	src := playback.NewClockSource(duration)
//	tr := playback.NewTracker(src, playback.WithPollInterval(50*time.Millisecond))
//	defer tr.Close()
//	updates, cancel := tr.Subscribe()
//	defer cancel()
//	_ = tr.Play()
//	for st := range updates { … }
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is the position sampling cadence used when none is
	// configured.
	DefaultPollInterval = 100 * time.Millisecond

	// MinPollInterval and MaxPollInterval bound configured intervals.
	MinPollInterval = 10 * time.Millisecond
	MaxPollInterval = time.Second
)

// ErrClosed is returned by operations on a closed [Tracker].
var ErrClosed = errors.New("playback: tracker is closed")

// State is a snapshot of the playhead.
type State struct {
	// CurrentTime is the elapsed playback position in seconds, clamped to the
	// tracker's range.
	CurrentTime float64 `json:"current_time"`

	// IsPlaying reports whether the source is currently playing.
	IsPlaying bool `json:"is_playing"`
}

// Source is an audio transport whose position can be sampled.
//
// Ended must return the same channel on every call; the source sends on it
// (without blocking) each time playback reaches the end of the audio.
type Source interface {
	Position() float64
	Play() error
	Pause() error
	Seek(t float64) error
	Ended() <-chan struct{}
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithPollInterval sets the sampling cadence. Values are clamped to
// [MinPollInterval, MaxPollInterval]; zero keeps the default.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = ClampInterval(d)
		}
	}
}

// WithRange clamps published positions to [lo, hi]. It is usually the time
// range of the waveform being displayed.
func WithRange(lo, hi float64) Option {
	return func(t *Tracker) {
		t.lo, t.hi = lo, hi
	}
}

// ClampInterval limits d to [MinPollInterval, MaxPollInterval].
func ClampInterval(d time.Duration) time.Duration {
	return min(max(d, MinPollInterval), MaxPollInterval)
}

// Tracker follows the position of a [Source]. It is safe for concurrent use.
type Tracker struct {
	src Source

	// opMu serialises Play, Pause, Stop and Close.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	resume   bool // true after Pause: the next Play continues from state.CurrentTime
	interval time.Duration
	lo, hi   float64
	gen      uint64 // bumped whenever the active poller is replaced or detached
	stop     chan struct{}
	done     chan struct{}
	closed   bool

	subMu  sync.Mutex
	subs   map[uint64]chan State
	nextID uint64
}

// NewTracker creates a stopped tracker for src.
func NewTracker(src Source, opts ...Option) *Tracker {
	t := &Tracker{
		src:      src,
		interval: DefaultPollInterval,
		subs:     make(map[uint64]chan State),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the latest snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetPollInterval changes the cadence. A running poller picks it up on the
// next Play.
func (t *Tracker) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.interval = ClampInterval(d)
	t.mu.Unlock()
}

// SetRange changes the clamp range applied to published positions.
func (t *Tracker) SetRange(lo, hi float64) {
	t.mu.Lock()
	t.lo, t.hi = lo, hi
	t.state.CurrentTime = t.clampLocked(t.state.CurrentTime)
	t.mu.Unlock()
}

// Subscribe returns a channel receiving every published State and a function
// that unsubscribes. The channel holds only the most recent unread State; a
// slow reader skips intermediate positions.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	ch := make(chan State, 1)
	if t.isClosed() {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			defer t.subMu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Play starts playback and polling. Playing from the stopped or ended state
// starts at zero; playing after [Tracker.Pause] resumes at the paused
// position. Calling Play while playing is a no-op.
func (t *Tracker) Play() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state.IsPlaying {
		t.mu.Unlock()
		return nil
	}
	resume := t.resume
	t.mu.Unlock()

	if !resume {
		if err := t.src.Seek(0); err != nil {
			return err
		}
	}
	if err := t.src.Play(); err != nil {
		return err
	}

	t.mu.Lock()
	if !resume {
		t.state.CurrentTime = t.clampLocked(0)
	}
	t.state.IsPlaying = true
	t.resume = false
	t.gen++
	gen := t.gen
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.poll(gen, t.interval, t.stop, t.done)
	st := t.state
	t.mu.Unlock()

	slog.Debug("playback started", "position", st.CurrentTime, "resume", resume)
	t.publish(st)
	return nil
}

// Pause stops polling and keeps the last known position.
func (t *Tracker) Pause() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.detachPoller() {
		return nil
	}
	err := t.src.Pause()

	t.mu.Lock()
	t.state = State{CurrentTime: t.clampLocked(t.src.Position())}
	t.resume = true
	st := t.state
	t.mu.Unlock()

	t.publish(st)
	return err
}

// Toggle pauses when playing and plays otherwise.
func (t *Tracker) Toggle() error {
	if t.State().IsPlaying {
		return t.Pause()
	}
	return t.Play()
}

// Stop halts playback and rewinds to zero.
func (t *Tracker) Stop() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.stopLocked()
}

func (t *Tracker) stopLocked() error {
	var errs []error
	if t.detachPoller() {
		errs = append(errs, t.src.Pause())
	}
	errs = append(errs, t.src.Seek(0))

	t.mu.Lock()
	t.state = State{CurrentTime: t.clampLocked(0)}
	t.resume = false
	st := t.state
	t.mu.Unlock()

	t.publish(st)
	return errors.Join(errs...)
}

// Close stops playback, tears down the poller and closes every subscriber
// channel. It is safe to call more than once.
func (t *Tracker) Close() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.isClosed() {
		return nil
	}
	err := t.stopLocked()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.subMu.Lock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.subMu.Unlock()
	return err
}

// detachPoller marks the tracker as not playing, signals the active poller to
// exit and waits for it. It reports whether a poller was running.
// Must be called with opMu held and mu not held.
func (t *Tracker) detachPoller() bool {
	t.mu.Lock()
	if !t.state.IsPlaying || t.stop == nil {
		t.mu.Unlock()
		return false
	}
	t.gen++
	t.state.IsPlaying = false
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	close(stop)
	<-done
	return true
}

// poll samples the source until stopped, detached or the audio ends.
func (t *Tracker) poll(gen uint64, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ended := t.src.Ended()

	for {
		select {
		case <-stop:
			return

		case <-ended:
			t.mu.Lock()
			if t.gen != gen {
				t.mu.Unlock()
				return
			}
			t.gen++
			t.state = State{CurrentTime: t.clampLocked(0)}
			t.resume = false
			t.stop, t.done = nil, nil
			st := t.state
			t.mu.Unlock()

			slog.Debug("playback ended")
			t.publish(st)
			return

		case <-ticker.C:
			pos := t.src.Position()
			t.mu.Lock()
			if t.gen != gen {
				t.mu.Unlock()
				return
			}
			t.state.CurrentTime = t.clampLocked(pos)
			st := t.state
			t.mu.Unlock()
			t.publish(st)
		}
	}
}

// publish fans st out to subscribers, replacing any unread value.
func (t *Tracker) publish(st State) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// clampLocked limits pos to the configured range. Must be called with mu held.
func (t *Tracker) clampLocked(pos float64) float64 {
	if pos < 0 || pos != pos {
		pos = 0
	}
	if t.hi > t.lo {
		return min(max(pos, t.lo), t.hi)
	}
	return pos
}

func (t *Tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

package playback

import (
	"sync"
	"time"
)

// Compile-time interface check.
var _ Source = (*ClockSource)(nil)

// ClockSource is a [Source] that advances with the wall clock over audio of a
// known duration. It stands in for an audio element when the sound itself is
// played elsewhere (a browser tab, an external player) or not at all.
type ClockSource struct {
	mu        sync.Mutex
	duration  float64
	now       func() time.Time
	offset    float64 // position at startedAt (or the paused position)
	startedAt time.Time
	playing   bool
	run       uint64
	timer     *time.Timer
	ended     chan struct{}
}

// NewClockSource returns a paused source at position zero. duration is in
// seconds.
func NewClockSource(duration float64) *ClockSource {
	return &ClockSource{
		duration: max(duration, 0),
		now:      time.Now,
		ended:    make(chan struct{}, 1),
	}
}

// Duration returns the audio length in seconds.
func (c *ClockSource) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Position implements [Source].
func (c *ClockSource) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

func (c *ClockSource) positionLocked() float64 {
	if !c.playing {
		return c.offset
	}
	return min(c.offset+c.now().Sub(c.startedAt).Seconds(), c.duration)
}

// Play implements [Source]. Playing at the end of the audio restarts from
// zero.
func (c *ClockSource) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return nil
	}
	if c.offset >= c.duration {
		c.offset = 0
	}
	// Drop an end signal nobody consumed.
	select {
	case <-c.ended:
	default:
	}
	c.playing = true
	c.startedAt = c.now()
	c.scheduleLocked()
	return nil
}

// Pause implements [Source].
func (c *ClockSource) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return nil
	}
	c.offset = c.positionLocked()
	c.playing = false
	c.cancelLocked()
	return nil
}

// Seek implements [Source]. t is clamped to [0, duration].
func (c *ClockSource) Seek(t float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = min(max(t, 0), c.duration)
	if c.playing {
		c.startedAt = c.now()
		c.scheduleLocked()
	}
	return nil
}

// Ended implements [Source].
func (c *ClockSource) Ended() <-chan struct{} { return c.ended }

// scheduleLocked arms the end-of-audio timer for the current run.
func (c *ClockSource) scheduleLocked() {
	c.cancelLocked()
	c.run++
	run := c.run
	remaining := time.Duration((c.duration - c.offset) * float64(time.Second))
	c.timer = time.AfterFunc(remaining, func() { c.finish(run) })
}

func (c *ClockSource) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *ClockSource) finish(run uint64) {
	c.mu.Lock()
	if !c.playing || c.run != run {
		c.mu.Unlock()
		return
	}
	c.playing = false
	c.offset = c.duration
	c.timer = nil
	c.mu.Unlock()

	select {
	case c.ended <- struct{}{}:
	default:
	}
}

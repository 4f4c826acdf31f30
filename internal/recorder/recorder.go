// Package recorder captures a performance from the default microphone and
// converts it to the WAV file uploaded to the analysis backend.
//
// It also computes a loudness envelope locally ([Envelope]) so a recording
// can be previewed without a round trip to the backend.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordonklaus/portaudio"
)

const (
	// DefaultSampleRate is the capture rate in Hz.
	DefaultSampleRate = 44100

	// DefaultFramesPerBuffer is the number of frames read per stream Read.
	DefaultFramesPerBuffer = 4096
)

// ErrNoInputDevice is returned when no default input device is available or
// access to it is denied.
var ErrNoInputDevice = errors.New("recorder: no usable input device")

// stream is the subset of a PortAudio stream used for capture.
type stream interface {
	Start() error
	Read() error
	Stop() error
	Close() error
}

// openFunc opens a mono input stream at rate that fills buf on every Read.
type openFunc func(rate int, buf []float32) (stream, error)

// Option is a functional option for [Recorder].
type Option func(*Recorder)

// WithSampleRate sets the capture rate. Zero keeps the default.
func WithSampleRate(hz int) Option {
	return func(r *Recorder) {
		if hz > 0 {
			r.sampleRate = hz
		}
	}
}

// WithFramesPerBuffer sets the stream buffer size. Zero keeps the default.
func WithFramesPerBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.framesPerBuffer = n
		}
	}
}

// Recorder captures mono audio. A Recorder runs one capture at a time.
type Recorder struct {
	sampleRate      int
	framesPerBuffer int
	open            openFunc
}

// New returns a [Recorder] using the default PortAudio input device.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		sampleRate:      DefaultSampleRate,
		framesPerBuffer: DefaultFramesPerBuffer,
		open:            openPortAudio,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SampleRate returns the capture rate in Hz.
func (r *Recorder) SampleRate() int { return r.sampleRate }

// Record captures audio until ctx is cancelled or maxDuration elapses,
// whichever comes first. A zero maxDuration records until cancellation.
// Cancellation is the normal way to stop and is not an error: the samples
// captured so far are returned.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration) ([]float32, error) {
	buf := make([]float32, r.framesPerBuffer)
	s, err := r.open(r.sampleRate, buf)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.Close(); err != nil {
			slog.Warn("recorder: close stream", "err", err)
		}
	}()

	if err := s.Start(); err != nil {
		return nil, fmt.Errorf("recorder: start stream: %w", err)
	}
	defer func() { _ = s.Stop() }()

	limit := -1
	if maxDuration > 0 {
		limit = int(maxDuration.Seconds() * float64(r.sampleRate))
	}

	var samples []float32
	for limit < 0 || len(samples) < limit {
		if ctx.Err() != nil {
			break
		}
		if err := s.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("recorder: input overflowed")
			} else {
				return samples, fmt.Errorf("recorder: read: %w", err)
			}
		}
		n := len(buf)
		if limit >= 0 {
			n = min(n, limit-len(samples))
		}
		samples = append(samples, buf[:n]...)
	}
	slog.Debug("recorder: captured", "samples", len(samples), "seconds", float64(len(samples))/float64(r.sampleRate))
	return samples, nil
}

// paStream owns a PortAudio stream together with the library initialisation.
type paStream struct {
	*portaudio.Stream
}

func (s paStream) Close() error {
	err := s.Stream.Close()
	return errors.Join(err, portaudio.Terminate())
}

func openPortAudio(rate int, buf []float32) (stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("recorder: initialise portaudio: %w", err)
	}
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	s, err := portaudio.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open stream: %v", ErrNoInputDevice, err)
	}
	return paStream{Stream: s}, nil
}

// Package llm defines the Provider interface for language model backends that
// write performance feedback when the analysis backend cannot.
//
// A provider turns a short conversation into text. The advisor asks for
// recommendation lines in the format understood by the advice package, so
// providers never need to know about waveforms themselves.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed when the stream ends or when the supplied
// context is cancelled.
package llm

import "context"

// FinishError is the FinishReason carried by the final chunk of a stream that
// failed after it started. The chunk's Text holds the error message.
const FinishError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is usually from
	// the "user" role.
	Messages []Message

	// SystemPrompt is injected before Messages as a "system" message.
	SystemPrompt string

	// Temperature controls randomness in [0, 2]. Zero selects the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a fragment emitted by a streaming completion.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk: "stop", "length" or
	// [FinishError]. Empty on all other chunks.
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req and returns a channel of chunks that is closed
	// when generation finishes or ctx is cancelled. Failures after the stream
	// started arrive as a chunk with FinishReason [FinishError]. The returned
	// channel is never nil when err is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities describes the configured model. The result is constant for
	// the lifetime of the provider.
	Capabilities() ModelCapabilities
}

// Pipe runs produce in a goroutine and returns the channel it feeds. emit
// reports false once ctx is done, after which produce should return. A
// non-nil error from produce becomes a final [FinishError] chunk.
func Pipe(ctx context.Context, produce func(emit func(Chunk) bool) error) <-chan Chunk {
	ch := make(chan Chunk, 32)
	emit := func(c Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		if err := produce(emit); err != nil && ctx.Err() == nil {
			emit(Chunk{FinishReason: FinishError, Text: err.Error()})
		}
	}()
	return ch
}

// Collect drains a stream into a single response. A chunk carrying
// [FinishError] turns into an error; text received before it is discarded.
func Collect(ctx context.Context, ch <-chan Chunk) (string, error) {
	var text []byte
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return string(text), nil
			}
			if c.FinishReason == FinishError {
				return "", &StreamError{Message: c.Text}
			}
			text = append(text, c.Text...)
		}
	}
}

// StreamError reports a failure that happened mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "llm: stream failed: " + e.Message }

// Package mock provides a scripted llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/tunesync/tunesync/pkg/provider/llm"
)

// Provider replays canned answers. Complete returns CompleteResponse and
// CompleteErr; StreamCompletion replays StreamChunks unless StreamErr is set.
// Every request is recorded.
type Provider struct {
	CompleteResponse  *llm.CompletionResponse
	CompleteErr       error
	StreamChunks      []llm.Chunk
	StreamErr         error
	ModelCapabilities llm.ModelCapabilities

	mu       sync.Mutex
	requests []llm.CompletionRequest
	streamed int
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) record(req llm.CompletionRequest, stream bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if stream {
		p.streamed++
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.record(req, false)
	return p.CompleteResponse, p.CompleteErr
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.record(req, true)
	if p.StreamErr != nil {
		return nil, p.StreamErr
	}
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	return llm.Pipe(ctx, func(emit func(llm.Chunk) bool) error {
		for _, c := range chunks {
			if !emit(c) {
				break
			}
		}
		return nil
	}), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Calls returns how many requests were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Streamed returns how many of the requests used StreamCompletion.
func (p *Provider) Streamed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamed
}

// LastRequest returns the most recent request, if any.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.requests[len(p.requests)-1], true
}

// Package anyllm adapts github.com/mozilla-ai/any-llm-go to llm.Provider, so
// one code path reaches OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral,
// Groq and llama.cpp servers.
//
//	p, err := anyllm.New("ollama", "llama3.2")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/tunesync/tunesync/pkg/provider/llm"
)

type factory func(...anyllmlib.Option) (anyllmlib.Provider, error)

// wrap turns a concrete constructor into a factory.
func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) factory {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return fn(opts...) }
}

var factories = map[string]factory{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
}

// Supported returns the backend names accepted by [New], sorted.
func Supported() []string {
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Provider forwards completions to an any-llm backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a provider for the named backend. Without
// anyllmlib.WithAPIKey the backend falls back to its usual environment
// variable; local backends need no key.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	mk, ok := factories[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: backend %q not supported (have %s)", backend, strings.Join(Supported(), ", "))
	}
	b, err := mk(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response has no choices")
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	chunks, errs := p.backend.CompletionStream(ctx, params)
	return llm.Pipe(ctx, func(emit func(llm.Chunk) bool) error {
		for cur := range chunks {
			if len(cur.Choices) == 0 {
				continue
			}
			c := cur.Choices[0]
			if !emit(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return nil
			}
		}
		return <-errs
	}), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.LookupCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	if len(req.Messages) == 0 {
		return anyllmlib.CompletionParams{}, errors.New("anyllm: request has no messages")
	}
	params := anyllmlib.CompletionParams{Model: p.model}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params, nil
}

func convertMessage(m llm.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: m.Role, Content: m.Content}
}

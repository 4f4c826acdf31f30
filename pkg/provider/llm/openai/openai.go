// Package openai adapts the official OpenAI SDK, or any endpoint speaking the
// same chat completions protocol, to llm.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/tunesync/tunesync/pkg/provider/llm"
)

// Option adjusts the SDK client.
type Option = option.RequestOption

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return option.WithBaseURL(url) }

// WithOrganization sends the organization header.
func WithOrganization(org string) Option { return option.WithOrganization(org) }

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option { return option.WithRequestTimeout(d) }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option { return option.WithHTTPClient(hc) }

// Provider talks to a chat completions endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a provider for model. apiKey must be set even for local
// compatible servers; they usually accept any value.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: API key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	opts = append([]Option{option.WithAPIKey(apiKey)}, opts...)
	return &Provider{client: oai.NewClient(opts...), model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage:   llm.Usage{PromptTokens: int(u.PromptTokens), CompletionTokens: int(u.CompletionTokens), TotalTokens: int(u.TotalTokens)},
	}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: %w", err)
	}
	return llm.Pipe(ctx, func(emit func(llm.Chunk) bool) error {
		defer stream.Close()
		for stream.Next() {
			cur := stream.Current()
			if len(cur.Choices) == 0 {
				continue
			}
			c := cur.Choices[0]
			if !emit(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return nil
			}
		}
		return stream.Err()
	}), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.LookupCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}
	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: role %q not supported", m.Role)
}

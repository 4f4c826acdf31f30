package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/tunesync/tunesync/internal/app"
	"github.com/tunesync/tunesync/internal/config"
	"github.com/tunesync/tunesync/pkg/provider/llm"
	"github.com/tunesync/tunesync/pkg/provider/llm/anyllm"
	"github.com/tunesync/tunesync/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in LLM factories into reg.
// "openai" uses the official SDK; the rest go through any-llm.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		key := entry.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(key, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral and groq share the same pattern:
	// optional APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	slog.Debug("registered llm providers", "names", strings.Join(reg.LLMNames(), ","))
}

// buildProviders instantiates the advisor LLM and its fallbacks using the
// registry. Unregistered names are skipped with a warning; a factory error
// is fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	entries := cfg.Advisor.Fallbacks
	if cfg.Advisor.LLM.Name != "" {
		entries = append([]config.ProviderEntry{cfg.Advisor.LLM}, entries...)
	}
	for _, entry := range entries {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("llm provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLMs = append(ps.LLMs, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Debug("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}
	return ps, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

package llm

import "strings"

// Roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	Content string
}

// ModelCapabilities describes limits of a model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the most tokens one completion may generate.
	MaxOutputTokens int

	SupportsStreaming bool
}

// DefaultCapabilities is returned for models missing from the known table.
var DefaultCapabilities = ModelCapabilities{
	ContextWindow:     128_000,
	MaxOutputTokens:   4_096,
	SupportsStreaming: true,
}

// knownModels is matched in order against the lowercased model name, so
// more specific prefixes come first.
var knownModels = []struct {
	prefix string
	caps   ModelCapabilities
}{
	{"gpt-4o-mini", ModelCapabilities{128_000, 16_384, true}},
	{"gpt-4o", ModelCapabilities{128_000, 16_384, true}},
	{"gpt-4.1", ModelCapabilities{1_047_576, 32_768, true}},
	{"gpt-4-turbo", ModelCapabilities{128_000, 4_096, true}},
	{"gpt-4", ModelCapabilities{8_192, 4_096, true}},
	{"gpt-3.5-turbo", ModelCapabilities{16_385, 4_096, true}},
	{"o1-mini", ModelCapabilities{128_000, 65_536, true}},
	{"o1", ModelCapabilities{200_000, 100_000, true}},
	{"o3-mini", ModelCapabilities{200_000, 100_000, true}},
	{"o3", ModelCapabilities{200_000, 100_000, true}},
	{"claude", ModelCapabilities{200_000, 8_192, true}},
	{"gemini-1.5-pro", ModelCapabilities{2_097_152, 8_192, true}},
	{"gemini-1.5-flash", ModelCapabilities{1_048_576, 8_192, true}},
	{"gemini-2", ModelCapabilities{1_048_576, 8_192, true}},
	{"gemini", ModelCapabilities{128_000, 8_192, true}},
	{"llama", ModelCapabilities{8_192, 2_048, true}},
	{"mistral", ModelCapabilities{32_000, 4_096, true}},
}

// LookupCapabilities returns the capabilities of a known model family, or
// [DefaultCapabilities]. Matching is case-insensitive and also accepts a
// "vendor/" prefix such as "anthropic/claude-3-5-haiku".
func LookupCapabilities(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	if i := strings.LastIndexByte(lower, '/'); i >= 0 {
		lower = lower[i+1:]
	}
	for _, m := range knownModels {
		if strings.HasPrefix(lower, m.prefix) {
			return m.caps
		}
	}
	return DefaultCapabilities
}

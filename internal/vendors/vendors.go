// Package vendors catalogs the LLM wire formats the gateway's transformer
// plugins translate between, plus the per-vendor connection conventions
// (base URL, auth header shape, chat path) the setup wizard uses when it
// generates upstream entries for a route config.
package vendors

import (
	"net/http"
	"strings"
)

// Format identifies one vendor wire format.
type Format string

const (
	OpenAI    Format = "openai"
	Anthropic Format = "anthropic"
	Gemini    Format = "gemini"
)

// Profile describes how to talk to one vendor: where requests go and how
// credentials are attached.
type Profile struct {
	Format      Format
	DisplayName string
	BaseURL     string
	ChatPath    string // path of the chat/messages endpoint under BaseURL

	// AuthHeader/AuthPrefix describe credential placement:
	// "Authorization"+"Bearer " for OpenAI-style, "x-api-key" for Anthropic.
	AuthHeader string
	AuthPrefix string

	// ExtraHeaders are fixed headers the vendor requires on every request.
	ExtraHeaders map[string]string
}

// Headers builds the outbound credential headers for apiKey.
func (p Profile) Headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if apiKey != "" {
		h.Set(p.AuthHeader, p.AuthPrefix+apiKey)
	}
	for k, v := range p.ExtraHeaders {
		h.Set(k, v)
	}
	return h
}

// Catalog is the built-in vendor list, keyed by profile name. OpenAI-format
// entries cover the OpenAI-compatible ecosystem (same wire shape, different
// base URL); the wizard only needs the format plus a target URL.
var Catalog = map[string]Profile{
	"openai": {
		Format:      OpenAI,
		DisplayName: "OpenAI",
		BaseURL:     "https://api.openai.com",
		ChatPath:    "/v1/chat/completions",
		AuthHeader:  "Authorization",
		AuthPrefix:  "Bearer ",
	},
	"anthropic": {
		Format:      Anthropic,
		DisplayName: "Anthropic",
		BaseURL:     "https://api.anthropic.com",
		ChatPath:    "/v1/messages",
		AuthHeader:  "x-api-key",
		ExtraHeaders: map[string]string{
			"anthropic-version": "2023-06-01",
		},
	},
	"gemini": {
		Format:      Gemini,
		DisplayName: "Google Gemini",
		BaseURL:     "https://generativelanguage.googleapis.com",
		ChatPath:    "/v1beta/models",
		AuthHeader:  "x-goog-api-key",
	},
	"openrouter": {
		Format:      OpenAI,
		DisplayName: "OpenRouter",
		BaseURL:     "https://openrouter.ai/api",
		ChatPath:    "/v1/chat/completions",
		AuthHeader:  "Authorization",
		AuthPrefix:  "Bearer ",
	},
	"deepseek": {
		Format:      OpenAI,
		DisplayName: "DeepSeek",
		BaseURL:     "https://api.deepseek.com",
		ChatPath:    "/v1/chat/completions",
		AuthHeader:  "Authorization",
		AuthPrefix:  "Bearer ",
	},
	"ollama": {
		Format:      OpenAI,
		DisplayName: "Ollama (local)",
		BaseURL:     "http://localhost:11434",
		ChatPath:    "/v1/chat/completions",
		AuthHeader:  "Authorization",
		AuthPrefix:  "Bearer ",
	},
}

// Names returns the catalog's profile names, for fuzzy pickers.
func Names() []string {
	out := make([]string, 0, len(Catalog))
	for name := range Catalog {
		out = append(out, name)
	}
	return out
}

// contextWindows maps model-name fragments to context window sizes, used to
// scale usage reporting so clients sizing their context against one vendor's
// window see consistent percentages against another's. Fragment match keeps
// the table small across dated model variants.
var contextWindows = []struct {
	fragment string
	tokens   int
}{
	{"claude", 200000},
	{"gemini-1.0", 32000},
	{"gemini-2.5-pro", 2000000},
	{"gemini-1.5-pro", 2000000},
	{"gemini", 1000000},
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4-32k", 32768},
	{"gpt-4", 8192},
	{"gpt-3.5", 16385},
	{"o1-preview", 128000},
	{"o1-mini", 128000},
	{"o1", 200000},
	{"o3", 200000},
	{"deepseek", 128000},
	{"llama3.1", 131072},
	{"llama3", 8192},
	{"mistral", 32768},
}

// DefaultContextWindow is assumed for unknown models.
const DefaultContextWindow = 128000

// ContextWindow returns the context window size for model, falling back to
// DefaultContextWindow when the model is unknown.
func ContextWindow(model string) int {
	m := strings.ToLower(model)
	if idx := strings.Index(m, "/"); idx != -1 {
		m = m[idx+1:]
	}
	for _, cw := range contextWindows {
		if strings.Contains(m, cw.fragment) {
			return cw.tokens
		}
	}
	return DefaultContextWindow
}

// ScaleTokens rescales actualTokens from fromModel's window onto toModel's,
// preserving the used-fraction so context-percentage driven client behavior
// (compaction, warnings) still triggers at the right point. Only scales
// down; a larger or equal target window leaves counts unchanged.
func ScaleTokens(actualTokens int, fromModel, toModel string) int {
	from := ContextWindow(fromModel)
	to := ContextWindow(toModel)
	if from <= 0 || to <= 0 || from <= to {
		return actualTokens
	}
	return int(float64(actualTokens) * float64(to) / float64(from))
}

package vendors

import "testing"

func TestHeaders(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		key     string
		header  string
		want    string
	}{
		{"openai bearer", "openai", "sk-test", "Authorization", "Bearer sk-test"},
		{"anthropic api key", "anthropic", "sk-ant", "x-api-key", "sk-ant"},
		{"anthropic version pin", "anthropic", "sk-ant", "anthropic-version", "2023-06-01"},
		{"gemini goog key", "gemini", "AIza", "x-goog-api-key", "AIza"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := Catalog[tt.profile]
			if !ok {
				t.Fatalf("profile %q missing from catalog", tt.profile)
			}
			h := p.Headers(tt.key)
			if got := h.Get(tt.header); got != tt.want {
				t.Errorf("Headers(%q)[%q] = %q, want %q", tt.key, tt.header, got, tt.want)
			}
		})
	}
}

func TestHeadersOmitsCredentialWhenEmpty(t *testing.T) {
	h := Catalog["openai"].Headers("")
	if got := h.Get("Authorization"); got != "" {
		t.Errorf("empty key should omit Authorization, got %q", got)
	}
}

func TestContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"claude-3-5-sonnet-20241022", 200000},
		{"gpt-4o-2024-11-20", 128000},
		{"gpt-4", 8192},
		{"gemini-2.5-pro", 2000000},
		{"openai/o1", 200000},
		{"totally-unknown-model", DefaultContextWindow},
	}
	for _, tt := range tests {
		if got := ContextWindow(tt.model); got != tt.want {
			t.Errorf("ContextWindow(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestScaleTokens(t *testing.T) {
	// 500k of a 2M window is 25%; against a 200k window that is 50k.
	if got := ScaleTokens(500000, "gemini-2.5-pro", "claude-3-5-sonnet"); got != 50000 {
		t.Errorf("ScaleTokens = %d, want 50000", got)
	}
	// Never inflate when the source window is smaller.
	if got := ScaleTokens(4000, "gpt-4", "claude-3-opus"); got != 4000 {
		t.Errorf("ScaleTokens should not inflate, got %d", got)
	}
}

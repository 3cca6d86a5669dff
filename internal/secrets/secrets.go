// Package secrets keeps credentials out of the gateway's logs and debug
// traces: upstream API keys, client bearer tokens, and sensitive JSON
// fields are masked before any payload is written to disk.
package secrets

import (
	"encoding/json"
	"regexp"
	"strings"
)

var keyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9-]{20,}`),     // OpenAI/Anthropic style keys
	regexp.MustCompile(`AIza[a-zA-Z0-9_-]{30,}`),   // Google API keys
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), // bearer tokens
}

var sensitiveFields = map[string]bool{
	"api_key":        true,
	"apikey":         true,
	"api-key":        true,
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
	"secret":         true,
	"password":       true,
	"token":          true,
	"tokens":         true,
}

// Mask shortens a credential to its first and last four characters.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// MaskAllSecrets replaces every recognizable credential in s.
func MaskAllSecrets(s string) string {
	for _, re := range keyPatterns {
		s = re.ReplaceAllStringFunc(s, maskMatch)
	}
	return s
}

func maskMatch(match string) string {
	if rest, ok := strings.CutPrefix(match, "Bearer "); ok {
		return "Bearer " + Mask(rest)
	}
	return Mask(match)
}

// MaskJSONSecrets masks sensitive fields inside a JSON document, falling
// back to pattern masking when the bytes aren't valid JSON.
func MaskJSONSecrets(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return []byte(MaskAllSecrets(string(data)))
	}
	masked := maskValue(v, false)
	out, err := json.Marshal(masked)
	if err != nil {
		return []byte(MaskAllSecrets(string(data)))
	}
	return out
}

// maskValue walks v; sensitive means the parent key was sensitive, so every
// string underneath is masked (header multimaps, token lists).
func maskValue(v any, sensitive bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = maskValue(inner, sensitive || sensitiveFields[strings.ToLower(k)])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = maskValue(inner, sensitive)
		}
		return out
	case string:
		if sensitive {
			return maskMatch(t)
		}
		return MaskAllSecrets(t)
	default:
		return v
	}
}

// SanitizeHeaders returns a copy of headers with credential values masked,
// for debug traces and error reports.
func SanitizeHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for k, vals := range headers {
		copied := make([]string, len(vals))
		if sensitiveFields[strings.ToLower(k)] {
			for i, v := range vals {
				copied[i] = maskMatch(v)
			}
		} else {
			copy(copied, vals)
		}
		out[k] = copied
	}
	return out
}

// IsPotentialSecret guesses whether s looks like a credential: a known key
// prefix, or a long token mixing cases and digits.
func IsPotentialSecret(s string) bool {
	for _, re := range keyPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	if len(s) < 20 || strings.ContainsAny(s, " \t\n") {
		return false
	}
	var lower, upper, digit bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	return lower && upper && digit
}

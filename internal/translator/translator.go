// Package translator is the gateway's transformer plugin catalog: wire-level
// translation between the Anthropic Messages, OpenAI Chat Completions, and
// Google Gemini generateContent formats, for requests, non-streaming
// responses, and SSE streams. Each direction is packaged as a plugin so
// route configs can splice a translation into the request pipeline by name.
package translator

import (
	"encoding/json"
)

// decodeAs re-shapes a decoded JSON value (map[string]any) into a typed wire
// struct via a marshal round trip. The gateway hands plugins parsed bodies,
// not raw bytes, so every transform starts here.
func decodeAs(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// eventMap converts a typed event struct back into the map shape the SSE
// serializer consumes (it reads the "type" field for the event: line).
func eventMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// openAIFinishToAnthropicStop maps a Chat Completions finish_reason onto the
// Messages stop_reason vocabulary.
func openAIFinishToAnthropicStop(reason string) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// anthropicStopToOpenAIFinish is the inverse mapping.
func anthropicStopToOpenAIFinish(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// geminiFinishToAnthropicStop maps Gemini finishReason values.
func geminiFinishToAnthropicStop(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func geminiFinishToOpenAI(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}


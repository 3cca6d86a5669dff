package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// Serializer re-emits parsed/transformed values as SSE frames.
type Serializer struct {
	w io.Writer
}

func NewSerializer(w io.Writer) *Serializer {
	return &Serializer{w: w}
}

// Write emits one frame for v. If v is Done{}, it emits the literal
// `data: [DONE]` sentinel. If v (or, for a map, its "type" field) names an
// event type, an `event:` line is emitted first.
func (s *Serializer) Write(v any) error {
	if _, ok := v.(Done); ok {
		_, err := fmt.Fprint(s.w, "data: [DONE]\n\n")
		return err
	}

	if m, ok := v.(map[string]any); ok {
		if t, ok := m["type"].(string); ok && t != "" {
			if _, err := fmt.Fprintf(s.w, "event: %s\n", t); err != nil {
				return err
			}
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(s.w, "data: %s\n\n", data)
	return err
}

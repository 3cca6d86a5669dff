package translator

// JSON-schema sanitizers for tool parameter schemas. Each vendor's
// function-calling validator accepts a different subset of JSON Schema;
// fields outside that subset make the whole request fail, so they are
// stripped rather than forwarded.

// sanitizeSchemaForOpenAI removes metadata keys the Chat Completions
// validator rejects ($schema, additionalProperties is tolerated but strict
// formats on strings are not).
func sanitizeSchemaForOpenAI(schema any) any {
	return walkSchema(schema, func(m map[string]any) {
		delete(m, "$schema")
		if f, ok := m["format"].(string); ok {
			// Only date-time and enum-like formats are honored; others cause
			// validation errors on some backends.
			if f != "date-time" && f != "enum" {
				delete(m, "format")
			}
		}
	})
}

// sanitizeSchemaForGemini enforces Gemini's stricter Schema proto subset: no
// $schema/additionalProperties/default, and string formats other than enum
// and date-time are rejected outright.
func sanitizeSchemaForGemini(schema any) any {
	return walkSchema(schema, func(m map[string]any) {
		delete(m, "$schema")
		delete(m, "additionalProperties")
		delete(m, "default")
		delete(m, "exclusiveMinimum")
		delete(m, "exclusiveMaximum")
		if f, ok := m["format"].(string); ok {
			if f != "enum" && f != "date-time" {
				delete(m, "format")
			}
		}
	})
}

// walkSchema deep-copies schema, applying clean to every nested object. The
// copy keeps the caller's original intact — the same tool list may be
// translated for several upstreams of one route.
func walkSchema(schema any, clean func(map[string]any)) any {
	switch s := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(s))
		for k, v := range s {
			out[k] = walkSchema(v, clean)
		}
		clean(out)
		return out
	case []any:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = walkSchema(v, clean)
		}
		return out
	default:
		return schema
	}
}

// Package expr implements the gateway's sandboxed expression evaluator and
// the dynamic-value walker that applies `{{expr}}` templates against a
// request context.
package expr

// Context is the read-only value exposed to evaluated expressions. Rule
// code must never mutate it.
type Context struct {
	Headers map[string]any `json:"headers"`
	Body    any            `json:"body"`
	URL     URLContext     `json:"url"`
	Method  string         `json:"method"`
	Env     map[string]string `json:"env"`
	Stream  *StreamContext `json:"stream,omitempty"`
}

// URLContext is the subset of request URL fields visible to expressions.
type URLContext struct {
	Pathname string `json:"pathname"`
	Search   string `json:"search"`
	Host     string `json:"host"`
	Protocol string `json:"protocol"`
}

// StreamContext is populated only while evaluating expressions during SSE
// chunk processing.
type StreamContext struct {
	Phase      string `json:"phase"`
	ChunkIndex int    `json:"chunkIndex"`
}

// toMap converts a Context into the plain map goja host functions and
// field-access expressions operate on.
func (c Context) toMap() map[string]any {
	env := make(map[string]any, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	m := map[string]any{
		"headers": c.Headers,
		"body":    c.Body,
		"method":  c.Method,
		"env":     env,
		"url": map[string]any{
			"pathname": c.URL.Pathname,
			"search":   c.URL.Search,
			"host":     c.URL.Host,
			"protocol": c.URL.Protocol,
		},
	}
	if c.Stream != nil {
		m["stream"] = map[string]any{
			"phase":      c.Stream.Phase,
			"chunkIndex": c.Stream.ChunkIndex,
		}
	}
	return m
}

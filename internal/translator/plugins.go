package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clasp-gateway/clasp/internal/plugin"
	"github.com/clasp-gateway/clasp/internal/vendors"
	"github.com/clasp-gateway/clasp/pkg/models"
)

// StreamState is one stream's conversion state machine. A fresh value is
// created per stream and carried in the executor's per-plugin state bag, so
// plugin instances themselves stay stateless and safe to share across
// concurrent requests.
type StreamState interface {
	Feed(chunk any) ([]any, error)
	Flush() ([]any, error)
}

// Direction is one catalog entry: how to translate requests, non-streaming
// responses, and streams for a client-format -> upstream-format pair.
type Direction struct {
	Name     string
	Upstream vendors.Format

	transformRequest  func(body any, targetModel string) (any, error)
	transformResponse func(body any, messageID, model string) (any, error)
	newStream         func(messageID, targetModel string) StreamState
}

// Directions returns the built-in transformer catalog. Names read
// client-format-to-upstream-format.
func Directions() []Direction {
	return []Direction{
		{
			Name:     "translator.anthropic-to-openai",
			Upstream: vendors.OpenAI,
			transformRequest: func(body any, model string) (any, error) {
				var req models.AnthropicRequest
				if err := decodeAs(body, &req); err != nil {
					return nil, err
				}
				return AnthropicToOpenAIRequest(&req, model)
			},
			transformResponse: func(body any, messageID, _ string) (any, error) {
				var resp models.OpenAIResponse
				if err := decodeAs(body, &resp); err != nil {
					return nil, err
				}
				return OpenAIToAnthropicResponse(&resp), nil
			},
			newStream: func(messageID, model string) StreamState {
				return newOpenAIToAnthropicStream(messageID, model)
			},
		},
		{
			Name:     "translator.openai-to-anthropic",
			Upstream: vendors.Anthropic,
			transformRequest: func(body any, model string) (any, error) {
				var req models.OpenAIRequest
				if err := decodeAs(body, &req); err != nil {
					return nil, err
				}
				return OpenAIToAnthropicRequest(&req, model)
			},
			transformResponse: func(body any, _, _ string) (any, error) {
				var resp models.AnthropicResponse
				if err := decodeAs(body, &resp); err != nil {
					return nil, err
				}
				return AnthropicToOpenAIResponse(&resp), nil
			},
			newStream: func(messageID, _ string) StreamState {
				return newAnthropicToOpenAIStream(messageID)
			},
		},
		{
			Name:     "translator.anthropic-to-gemini",
			Upstream: vendors.Gemini,
			transformRequest: func(body any, _ string) (any, error) {
				var req models.AnthropicRequest
				if err := decodeAs(body, &req); err != nil {
					return nil, err
				}
				return AnthropicToGeminiRequest(&req)
			},
			transformResponse: func(body any, messageID, model string) (any, error) {
				var resp models.GeminiResponse
				if err := decodeAs(body, &resp); err != nil {
					return nil, err
				}
				return GeminiToAnthropicResponse(&resp, messageID, model), nil
			},
			newStream: func(messageID, model string) StreamState {
				return newGeminiToAnthropicStream(messageID, model)
			},
		},
		{
			Name:     "translator.openai-to-gemini",
			Upstream: vendors.Gemini,
			transformRequest: func(body any, _ string) (any, error) {
				var req models.OpenAIRequest
				if err := decodeAs(body, &req); err != nil {
					return nil, err
				}
				return OpenAIToGeminiRequest(&req)
			},
			transformResponse: func(body any, responseID, model string) (any, error) {
				var resp models.GeminiResponse
				if err := decodeAs(body, &resp); err != nil {
					return nil, err
				}
				return GeminiToOpenAIResponse(&resp, responseID, model), nil
			},
			newStream: func(chunkID, model string) StreamState {
				return newGeminiToOpenAIStream(chunkID, model)
			},
		},
	}
}

// Register registers the catalog on registry under each direction's name.
// Route configs reference the names in their "plugins" lists, optionally
// with a "targetModel" option (or "targetModelEnv" naming an environment
// variable, which must be set — a missing variable fails the load loudly).
func Register(registry *plugin.Registry) {
	for _, d := range Directions() {
		d := d
		registry.Register(d.Name, func(options map[string]any) (plugin.Plugin, error) {
			return newCatalogPlugin(d, options)
		}, nil)
	}
}

type catalogPlugin struct {
	dir         Direction
	targetModel string
}

func newCatalogPlugin(dir Direction, options map[string]any) (*catalogPlugin, error) {
	p := &catalogPlugin{dir: dir}
	if m, ok := options["targetModel"].(string); ok {
		p.targetModel = m
	}
	if envName, ok := options["targetModelEnv"].(string); ok && envName != "" {
		v, err := RequireEnv(envName)
		if err != nil {
			return nil, err
		}
		p.targetModel = v
	}
	return p, nil
}

func (p *catalogPlugin) Name() string { return p.dir.Name }

// OnBeforeRequest translates the request body and repoints the URL path at
// the upstream format's endpoint.
func (p *catalogPlugin) OnBeforeRequest(ctx context.Context, pctx *plugin.Context) error {
	streaming := bodyWantsStream(pctx.Body)

	out, err := p.dir.transformRequest(pctx.Body, p.targetModel)
	if err != nil {
		return fmt.Errorf("%s: transform request: %w", p.dir.Name, err)
	}
	pctx.Body = out

	if pctx.URL != nil {
		pctx.URL.SetPathname(p.upstreamPath(pctx.URL.Pathname(), streaming))
		if p.dir.Upstream == vendors.Gemini && streaming {
			pctx.URL.SetSearch("alt=sse")
		}
	}
	return nil
}

// upstreamPath maps the inbound endpoint path onto the upstream format's.
// For a known upstream format the fixed vendor endpoint is returned whatever
// the current path is; current is returned only for an unknown format.
func (p *catalogPlugin) upstreamPath(current string, streaming bool) string {
	switch p.dir.Upstream {
	case vendors.Anthropic:
		return "/v1/messages"
	case vendors.OpenAI:
		return "/v1/chat/completions"
	case vendors.Gemini:
		model := p.targetModel
		if model == "" {
			model = "gemini-2.5-flash"
		}
		verb := "generateContent"
		if streaming {
			verb = "streamGenerateContent"
		}
		return fmt.Sprintf("/v1beta/models/%s:%s", model, verb)
	}
	return current
}

func bodyWantsStream(body any) bool {
	m, ok := body.(map[string]any)
	if !ok {
		return false
	}
	b, _ := m["stream"].(bool)
	return b
}

// OnResponse translates a non-streaming upstream response body back into the
// client's format. Error payloads (status >= 400) pass through untouched so
// the client sees the upstream's own error shape.
func (p *catalogPlugin) OnResponse(ctx context.Context, pctx *plugin.Context, resp *plugin.Response) (*plugin.Response, error) {
	if resp == nil || resp.Body == nil || resp.Status >= 400 {
		return nil, nil
	}
	out, err := p.dir.transformResponse(resp.Body, newMessageID(), p.targetModel)
	if err != nil {
		return nil, fmt.Errorf("%s: transform response: %w", p.dir.Name, err)
	}
	return &plugin.Response{Status: resp.Status, Headers: resp.Headers, Body: out}, nil
}

// ProcessStreamChunk lazily creates this stream's conversion state in the
// executor-managed state bag and feeds the chunk through it.
func (p *catalogPlugin) ProcessStreamChunk(chunk any, sctx *plugin.StreamContext) ([]any, error) {
	return p.streamState(sctx).Feed(chunk)
}

// FlushStream drains the conversion state at end of stream.
func (p *catalogPlugin) FlushStream(sctx *plugin.StreamContext) ([]any, error) {
	return p.streamState(sctx).Flush()
}

func (p *catalogPlugin) streamState(sctx *plugin.StreamContext) StreamState {
	if st, ok := sctx.State["conversion"].(StreamState); ok {
		return st
	}
	st := p.dir.newStream(newMessageID(), p.targetModel)
	sctx.State["conversion"] = st
	return st
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

package translator

import (
	"time"

	"github.com/clasp-gateway/clasp/internal/sse"
	"github.com/clasp-gateway/clasp/pkg/models"
)

// anthropicToOpenAIStream converts an upstream Anthropic Messages event
// stream into chat.completion.chunk frames. Anthropic's typed event
// sequence collapses onto the flat OpenAI delta shape: text deltas become
// delta.content, input_json deltas become delta.tool_calls argument
// fragments, message_delta becomes the finish_reason chunk.
type anthropicToOpenAIStream struct {
	chunkID string
	model   string
	created int64

	roleSent bool

	// blockTools maps an Anthropic content block index to the OpenAI
	// tool_calls index assigned when the block started.
	blockTools map[int]int
	nextTool   int

	inputTokens  int
	outputTokens int
	finishSent   bool
	doneSent     bool
}

func newAnthropicToOpenAIStream(chunkID string) *anthropicToOpenAIStream {
	return &anthropicToOpenAIStream{
		chunkID:    chunkID,
		created:    time.Now().Unix(),
		blockTools: make(map[int]int),
	}
}

// anthropicStreamEvent is the union of the Anthropic event payload fields
// the converter reads; one decode handles every event type.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string                 `json:"id"`
		Model string                 `json:"model"`
		Usage *models.AnthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *models.ContentBlockStartData `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *models.MessageDeltaUsage `json:"usage"`
}

// Feed consumes one decoded Anthropic event and returns the OpenAI chunks it
// maps to. Unknown event types and pings are swallowed.
func (st *anthropicToOpenAIStream) Feed(chunk any) ([]any, error) {
	if _, ok := chunk.(sse.Done); ok {
		return []any{}, nil
	}
	var ev anthropicStreamEvent
	if err := decodeAs(chunk, &ev); err != nil {
		return nil, nil
	}

	switch ev.Type {
	case models.EventMessageStart:
		if ev.Message != nil {
			if ev.Message.ID != "" {
				st.chunkID = ev.Message.ID
			}
			st.model = ev.Message.Model
			if ev.Message.Usage != nil {
				st.inputTokens = ev.Message.Usage.InputTokens
			}
		}
		st.roleSent = true
		return []any{st.chunk(models.StreamDelta{Role: "assistant"}, "")}, nil

	case models.EventContentBlockStart:
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			toolIdx := st.nextTool
			st.nextTool++
			st.blockTools[ev.Index] = toolIdx
			return []any{st.chunk(models.StreamDelta{
				ToolCalls: []models.OpenAIToolCall{{
					Index: toolIdx,
					ID:    ev.ContentBlock.ID,
					Type:  "function",
					Function: models.OpenAIFunctionCall{
						Name:      ev.ContentBlock.Name,
						Arguments: "",
					},
				}},
			}, "")}, nil
		}
		return []any{}, nil

	case models.EventContentBlockDelta:
		if ev.Delta == nil {
			return []any{}, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []any{st.chunk(models.StreamDelta{Content: ev.Delta.Text}, "")}, nil
		case "thinking_delta":
			return []any{st.chunk(models.StreamDelta{Reasoning: ev.Delta.Thinking}, "")}, nil
		case "input_json_delta":
			toolIdx, ok := st.blockTools[ev.Index]
			if !ok {
				return []any{}, nil
			}
			return []any{st.chunk(models.StreamDelta{
				ToolCalls: []models.OpenAIToolCall{{
					Index:    toolIdx,
					Function: models.OpenAIFunctionCall{Arguments: ev.Delta.PartialJSON},
				}},
			}, "")}, nil
		}
		return []any{}, nil

	case models.EventMessageDelta:
		if ev.Usage != nil {
			st.outputTokens = ev.Usage.OutputTokens
		}
		reason := "stop"
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			reason = anthropicStopToOpenAIFinish(ev.Delta.StopReason)
		}
		st.finishSent = true
		final := st.chunk(models.StreamDelta{}, reason)
		final.Usage = &models.Usage{
			PromptTokens:     st.inputTokens,
			CompletionTokens: st.outputTokens,
			TotalTokens:      st.inputTokens + st.outputTokens,
		}
		return []any{final}, nil

	case models.EventMessageStop:
		st.doneSent = true
		return []any{sse.Done{}}, nil

	case models.EventPing, models.EventContentBlockStop:
		return []any{}, nil
	}
	return []any{}, nil
}

// Flush covers upstreams that close the connection without a message_stop:
// the finish chunk (if still owed) and the [DONE] sentinel.
func (st *anthropicToOpenAIStream) Flush() ([]any, error) {
	if !st.roleSent {
		return nil, nil
	}
	var out []any
	if !st.finishSent {
		st.finishSent = true
		out = append(out, st.chunk(models.StreamDelta{}, "stop"))
	}
	if !st.doneSent {
		st.doneSent = true
		out = append(out, sse.Done{})
	}
	return out, nil
}

func (st *anthropicToOpenAIStream) chunk(delta models.StreamDelta, finishReason string) *models.OpenAIStreamChunk {
	return &models.OpenAIStreamChunk{
		ID:      st.chunkID,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []models.StreamChoice{{
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

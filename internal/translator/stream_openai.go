package translator

import (
	"github.com/clasp-gateway/clasp/internal/sse"
	"github.com/clasp-gateway/clasp/pkg/models"
)

// openAIToAnthropicStream converts an upstream Chat Completions chunk stream
// into the Anthropic Messages event sequence: message_start, per-block
// start/delta/stop, message_delta with the mapped stop reason, message_stop.
// One value exists per stream (held in the executor's state bag), so no
// locking is needed. Block indices are assigned in order of opening, which
// is what Messages clients expect.
type openAIToAnthropicStream struct {
	messageID string
	model     string

	started   bool
	nextIndex int

	textStarted     bool
	textIndex       int
	thinkingStarted bool
	thinkingIndex   int

	toolCalls map[int]*streamToolCall
	usage     *models.Usage

	finishSent bool
}

type streamToolCall struct {
	id         string
	name       string
	blockIndex int
	started    bool
	closed     bool
}

func newOpenAIToAnthropicStream(messageID, model string) *openAIToAnthropicStream {
	return &openAIToAnthropicStream{
		messageID: messageID,
		model:     model,
		toolCalls: make(map[int]*streamToolCall),
	}
}

// Feed consumes one decoded upstream chunk and returns the Anthropic events
// it expands to.
func (st *openAIToAnthropicStream) Feed(chunk any) ([]any, error) {
	if _, ok := chunk.(sse.Done); ok {
		// The upstream [DONE] sentinel; termination is emitted from Flush.
		return []any{}, nil
	}
	var in models.OpenAIStreamChunk
	if err := decodeAs(chunk, &in); err != nil {
		// Not a chat.completion.chunk; forward untouched.
		return nil, nil
	}

	var out []any
	if in.Usage != nil {
		st.usage = in.Usage
	}
	if in.Model != "" && st.model == "" {
		st.model = in.Model
	}

	if !st.started {
		st.started = true
		out = append(out, st.messageStart()...)
	}

	for _, choice := range in.Choices {
		out = append(out, st.feedDelta(&choice.Delta)...)
		if choice.FinishReason != "" && !st.finishSent {
			st.finishSent = true
			out = append(out, st.finish(choice.FinishReason)...)
		}
	}

	// Usage-only trailer chunks (no choices) carry nothing for the client;
	// their token counts were already folded into st.usage above.
	return out, nil
}

func (st *openAIToAnthropicStream) feedDelta(d *models.StreamDelta) []any {
	var out []any

	reasoning := d.Reasoning
	if reasoning == "" {
		reasoning = d.ReasoningContent
	}
	if reasoning != "" {
		if !st.thinkingStarted {
			st.thinkingStarted = true
			st.thinkingIndex = st.nextIndex
			st.nextIndex++
			out = append(out, eventMap(models.ContentBlockStartEvent{
				Type:         models.EventContentBlockStart,
				Index:        st.thinkingIndex,
				ContentBlock: models.ContentBlockStartData{Type: "thinking"},
			}))
		}
		out = append(out, eventMap(models.ContentBlockDeltaEvent{
			Type:  models.EventContentBlockDelta,
			Index: st.thinkingIndex,
			Delta: models.DeltaData{Type: "thinking_delta", Thinking: reasoning},
		}))
	}

	if d.Content != "" {
		if !st.textStarted {
			st.textStarted = true
			st.textIndex = st.nextIndex
			st.nextIndex++
			out = append(out, eventMap(models.ContentBlockStartEvent{
				Type:         models.EventContentBlockStart,
				Index:        st.textIndex,
				ContentBlock: models.ContentBlockStartData{Type: "text"},
			}))
		}
		out = append(out, eventMap(models.ContentBlockDeltaEvent{
			Type:  models.EventContentBlockDelta,
			Index: st.textIndex,
			Delta: models.DeltaData{Type: "text_delta", Text: d.Content},
		}))
	}

	for i := range d.ToolCalls {
		out = append(out, st.feedToolCall(&d.ToolCalls[i])...)
	}
	return out
}

func (st *openAIToAnthropicStream) feedToolCall(tc *models.OpenAIToolCall) []any {
	var out []any

	call, ok := st.toolCalls[tc.Index]
	if !ok {
		call = &streamToolCall{}
		st.toolCalls[tc.Index] = call
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}

	if !call.started && call.id != "" && call.name != "" {
		// Close the text block before the first tool block opens.
		if st.textStarted {
			out = append(out, eventMap(models.ContentBlockStopEvent{
				Type: models.EventContentBlockStop, Index: st.textIndex,
			}))
			st.textStarted = false
		}
		call.started = true
		call.blockIndex = st.nextIndex
		st.nextIndex++
		out = append(out, eventMap(models.ContentBlockStartEvent{
			Type:  models.EventContentBlockStart,
			Index: call.blockIndex,
			ContentBlock: models.ContentBlockStartData{
				Type: "tool_use", ID: call.id, Name: call.name,
			},
		}))
	}

	if call.started && tc.Function.Arguments != "" {
		out = append(out, eventMap(models.ContentBlockDeltaEvent{
			Type:  models.EventContentBlockDelta,
			Index: call.blockIndex,
			Delta: models.DeltaData{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
		}))
	}
	return out
}

func (st *openAIToAnthropicStream) messageStart() []any {
	start := models.MessageStartEvent{
		Type: models.EventMessageStart,
		Message: models.AnthropicResponse{
			ID:      st.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []models.AnthropicContentBlock{},
			Model:   st.model,
			Usage:   &models.AnthropicUsage{},
		},
	}
	return []any{
		eventMap(start),
		eventMap(models.PingEvent{Type: models.EventPing}),
	}
}

func (st *openAIToAnthropicStream) finish(reason string) []any {
	var out []any

	if st.thinkingStarted {
		out = append(out, eventMap(models.ContentBlockStopEvent{
			Type: models.EventContentBlockStop, Index: st.thinkingIndex,
		}))
		st.thinkingStarted = false
	}
	if st.textStarted {
		out = append(out, eventMap(models.ContentBlockStopEvent{
			Type: models.EventContentBlockStop, Index: st.textIndex,
		}))
		st.textStarted = false
	}
	for _, call := range st.toolCalls {
		if call.started && !call.closed {
			call.closed = true
			out = append(out, eventMap(models.ContentBlockStopEvent{
				Type: models.EventContentBlockStop, Index: call.blockIndex,
			}))
		}
	}

	delta := models.MessageDeltaEvent{
		Type:  models.EventMessageDelta,
		Delta: models.MessageDeltaData{StopReason: openAIFinishToAnthropicStop(reason)},
	}
	if st.usage != nil {
		delta.Usage = &models.MessageDeltaUsage{OutputTokens: st.usage.CompletionTokens}
	}
	out = append(out, eventMap(delta))
	return out
}

// Flush terminates the Anthropic event stream. message_stop is emitted here
// rather than on the upstream's finish_reason chunk because usage-bearing
// trailer chunks may still follow it.
func (st *openAIToAnthropicStream) Flush() ([]any, error) {
	if !st.started {
		return nil, nil
	}
	var out []any
	if !st.finishSent {
		st.finishSent = true
		out = append(out, st.finish("stop")...)
	}
	out = append(out, eventMap(models.MessageStopEvent{Type: models.EventMessageStop}))
	out = append(out, sse.Done{})
	return out, nil
}

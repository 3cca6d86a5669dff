package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clasp-gateway/clasp/internal/sse"
	"github.com/clasp-gateway/clasp/pkg/models"
)

// AnthropicToGeminiRequest rewrites an Anthropic Messages request into the
// Gemini generateContent shape.
func AnthropicToGeminiRequest(req *models.AnthropicRequest) (*models.GeminiRequest, error) {
	out := &models.GeminiRequest{
		GenerationConfig: &models.GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		},
	}

	if sys := anthropicSystemText(req.System); sys != "" {
		out.SystemInstruction = &models.GeminiContent{
			Parts: []models.GeminiPart{{Text: sys}},
		}
	}

	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		out.GenerationConfig.ThinkingConfig = &models.GeminiThinkingConfig{
			ThinkingBudget:  req.Thinking.BudgetTokens,
			IncludeThoughts: true,
		}
	}

	// tool_use ids don't survive the trip to Gemini (functionCall carries
	// only a name), so remember id->name to resolve tool results.
	toolNames := map[string]string{}

	for _, msg := range req.Messages {
		blocks, err := parseAnthropicContent(msg.Content)
		if err != nil {
			return nil, err
		}
		content, err := anthropicBlocksToGemini(msg.Role, blocks, toolNames)
		if err != nil {
			return nil, err
		}
		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	if len(req.Tools) > 0 {
		tool := models.GeminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, models.GeminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  sanitizeSchemaForGemini(t.InputSchema),
			})
		}
		out.Tools = []models.GeminiTool{tool}
	}
	if req.ToolChoice != nil {
		out.ToolConfig = anthropicToolChoiceToGemini(req.ToolChoice)
	}

	return out, nil
}

func anthropicBlocksToGemini(role string, blocks []models.AnthropicContentBlock, toolNames map[string]string) (models.GeminiContent, error) {
	geminiRole := "user"
	if role == "assistant" {
		geminiRole = "model"
	}
	content := models.GeminiContent{Role: geminiRole}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			content.Parts = append(content.Parts, models.GeminiPart{Text: b.Text})
		case "thinking":
			content.Parts = append(content.Parts, models.GeminiPart{Text: b.Thinking, Thought: true})
		case "image":
			if b.Source != nil {
				content.Parts = append(content.Parts, models.GeminiPart{
					InlineData: &models.GeminiBlob{MimeType: b.Source.MediaType, Data: b.Source.Data},
				})
			}
		case "tool_use":
			toolNames[b.ID] = b.Name
			content.Parts = append(content.Parts, models.GeminiPart{
				FunctionCall: &models.GeminiFunctionCall{Name: b.Name, Args: b.Input},
			})
		case "tool_result":
			name := toolNames[b.ToolUseID]
			if name == "" {
				return content, fmt.Errorf("tool_result %q references an unknown tool_use id", b.ToolUseID)
			}
			content.Parts = append(content.Parts, models.GeminiPart{
				FunctionResponse: &models.GeminiFunctionResult{
					Name:     name,
					Response: map[string]any{"result": toolResultText(b)},
				},
			})
		}
	}
	return content, nil
}

func anthropicToolChoiceToGemini(choice any) *models.GeminiToolConfig {
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := decodeAs(choice, &tc); err != nil {
		return nil
	}
	cfg := &models.GeminiFunctionCallingConfig{}
	switch tc.Type {
	case "any":
		cfg.Mode = "ANY"
	case "tool":
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{tc.Name}
	default:
		cfg.Mode = "AUTO"
	}
	return &models.GeminiToolConfig{FunctionCallingConfig: cfg}
}

// GeminiToAnthropicResponse converts a generateContent response into the
// Messages response shape. messageID supplies the synthesized response id
// (Gemini responses carry none).
func GeminiToAnthropicResponse(resp *models.GeminiResponse, messageID, model string) *models.AnthropicResponse {
	out := &models.AnthropicResponse{
		ID:         messageID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		StopReason: "end_turn",
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		toolSeen := false
		for i, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				toolSeen = true
				out.Content = append(out.Content, models.AnthropicContentBlock{
					Type:  "tool_use",
					ID:    fmt.Sprintf("%s_tool_%d", messageID, i),
					Name:  p.FunctionCall.Name,
					Input: p.FunctionCall.Args,
				})
			case p.Thought:
				out.Content = append(out.Content, models.AnthropicContentBlock{Type: "thinking", Thinking: p.Text})
			case p.Text != "":
				out.Content = append(out.Content, models.AnthropicContentBlock{Type: "text", Text: p.Text})
			}
		}
		out.StopReason = geminiFinishToAnthropicStop(cand.FinishReason)
		if toolSeen {
			out.StopReason = "tool_use"
		}
	}
	if resp.UsageMetadata != nil {
		out.Usage = &models.AnthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

// OpenAIToGeminiRequest rewrites a Chat Completions request into the Gemini
// shape by way of the Messages intermediate: both conversions are already
// exact, and the intermediate keeps the tool id bookkeeping in one place.
func OpenAIToGeminiRequest(req *models.OpenAIRequest) (*models.GeminiRequest, error) {
	mid, err := OpenAIToAnthropicRequest(req, "")
	if err != nil {
		return nil, err
	}
	if req.ReasoningEffort != "" {
		if budget := effortToBudget(req.ReasoningEffort, "GEMINI"); budget > 0 {
			mid.Thinking = &models.AnthropicThinking{Type: "enabled", BudgetTokens: budget}
		}
	}
	return AnthropicToGeminiRequest(mid)
}

// GeminiToOpenAIResponse converts a generateContent response into the
// chat.completion shape.
func GeminiToOpenAIResponse(resp *models.GeminiResponse, responseID, model string) *models.OpenAIResponse {
	msg := models.OpenAIMessage{Role: "assistant"}
	finish := "stop"
	var text []string

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for i, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				msg.ToolCalls = append(msg.ToolCalls, models.OpenAIToolCall{
					ID:       fmt.Sprintf("%s_tool_%d", responseID, i),
					Type:     "function",
					Index:    i,
					Function: models.OpenAIFunctionCall{Name: p.FunctionCall.Name, Arguments: string(args)},
				})
			case p.Thought:
				// Thought summaries have no chat.completion slot; dropped.
			case p.Text != "":
				text = append(text, p.Text)
			}
		}
		finish = geminiFinishToOpenAI(cand.FinishReason)
		if len(msg.ToolCalls) > 0 {
			finish = "tool_calls"
		}
	}
	if len(text) > 0 {
		msg.Content = strings.Join(text, "")
	}

	out := &models.OpenAIResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.OpenAIChoice{{Message: msg, FinishReason: finish}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = &models.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

// geminiToAnthropicStream converts a streamGenerateContent chunk stream into
// Anthropic Messages events. Gemini streams plain JSON objects (no typed
// events), so block boundaries are inferred: consecutive text parts extend
// one text block; each functionCall part opens and closes its own block.
type geminiToAnthropicStream struct {
	messageID string
	model     string

	started     bool
	nextIndex   int
	textStarted bool
	textIndex   int

	inputTokens  int
	outputTokens int
	sawToolUse   bool
	finishReason string
}

func newGeminiToAnthropicStream(messageID, model string) *geminiToAnthropicStream {
	return &geminiToAnthropicStream{messageID: messageID, model: model}
}

func (st *geminiToAnthropicStream) Feed(chunk any) ([]any, error) {
	if _, ok := chunk.(sse.Done); ok {
		return []any{}, nil
	}
	var in models.GeminiStreamChunk
	if err := decodeAs(chunk, &in); err != nil {
		return nil, nil
	}

	var out []any
	if !st.started {
		st.started = true
		out = append(out, eventMap(models.MessageStartEvent{
			Type: models.EventMessageStart,
			Message: models.AnthropicResponse{
				ID:      st.messageID,
				Type:    "message",
				Role:    "assistant",
				Content: []models.AnthropicContentBlock{},
				Model:   st.model,
				Usage:   &models.AnthropicUsage{},
			},
		}))
	}

	if in.UsageMetadata != nil {
		st.inputTokens = in.UsageMetadata.PromptTokenCount
		st.outputTokens = in.UsageMetadata.CandidatesTokenCount
	}

	for _, cand := range in.Candidates {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				out = append(out, st.emitToolCall(p.FunctionCall)...)
			case p.Text != "":
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
					Delta: models.DeltaData{Type: "text_delta", Text: p.Text},
				}))
			}
		}
		if cand.FinishReason != "" {
			st.finishReason = cand.FinishReason
		}
	}
	return out, nil
}

func (st *geminiToAnthropicStream) emitToolCall(fc *models.GeminiFunctionCall) []any {
	var out []any
	if st.textStarted {
		out = append(out, eventMap(models.ContentBlockStopEvent{
			Type: models.EventContentBlockStop, Index: st.textIndex,
		}))
		st.textStarted = false
	}
	idx := st.nextIndex
	st.nextIndex++
	st.sawToolUse = true
	args, _ := json.Marshal(fc.Args)

	out = append(out,
		eventMap(models.ContentBlockStartEvent{
			Type:  models.EventContentBlockStart,
			Index: idx,
			ContentBlock: models.ContentBlockStartData{
				Type: "tool_use",
				ID:   fmt.Sprintf("%s_tool_%d", st.messageID, idx),
				Name: fc.Name,
			},
		}),
		eventMap(models.ContentBlockDeltaEvent{
			Type:  models.EventContentBlockDelta,
			Index: idx,
			Delta: models.DeltaData{Type: "input_json_delta", PartialJSON: string(args)},
		}),
		eventMap(models.ContentBlockStopEvent{
			Type: models.EventContentBlockStop, Index: idx,
		}),
	)
	return out
}

func (st *geminiToAnthropicStream) Flush() ([]any, error) {
	if !st.started {
		return nil, nil
	}
	var out []any
	if st.textStarted {
		out = append(out, eventMap(models.ContentBlockStopEvent{
			Type: models.EventContentBlockStop, Index: st.textIndex,
		}))
		st.textStarted = false
	}
	stop := geminiFinishToAnthropicStop(st.finishReason)
	if st.sawToolUse {
		stop = "tool_use"
	}
	out = append(out,
		eventMap(models.MessageDeltaEvent{
			Type:  models.EventMessageDelta,
			Delta: models.MessageDeltaData{StopReason: stop},
			Usage: &models.MessageDeltaUsage{OutputTokens: st.outputTokens},
		}),
		eventMap(models.MessageStopEvent{Type: models.EventMessageStop}),
		sse.Done{},
	)
	return out, nil
}

// geminiToOpenAIStream converts a streamGenerateContent chunk stream into
// chat.completion.chunk frames.
type geminiToOpenAIStream struct {
	chunkID string
	model   string
	created int64

	roleSent   bool
	nextTool   int
	sawTool    bool
	usage      *models.GeminiUsageMetadata
	finish     string
	finishSent bool
}

func newGeminiToOpenAIStream(chunkID, model string) *geminiToOpenAIStream {
	return &geminiToOpenAIStream{chunkID: chunkID, model: model, created: time.Now().Unix()}
}

func (st *geminiToOpenAIStream) Feed(chunk any) ([]any, error) {
	if _, ok := chunk.(sse.Done); ok {
		return []any{}, nil
	}
	var in models.GeminiStreamChunk
	if err := decodeAs(chunk, &in); err != nil {
		return nil, nil
	}

	var out []any
	if !st.roleSent {
		st.roleSent = true
		out = append(out, st.chunk(models.StreamDelta{Role: "assistant"}, ""))
	}
	if in.UsageMetadata != nil {
		st.usage = in.UsageMetadata
	}

	for _, cand := range in.Candidates {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, _ := json.Marshal(p.FunctionCall.Args)
				idx := st.nextTool
				st.nextTool++
				st.sawTool = true
				out = append(out, st.chunk(models.StreamDelta{
					ToolCalls: []models.OpenAIToolCall{{
						Index:    idx,
						ID:       fmt.Sprintf("%s_tool_%d", st.chunkID, idx),
						Type:     "function",
						Function: models.OpenAIFunctionCall{Name: p.FunctionCall.Name, Arguments: string(args)},
					}},
				}, ""))
			case p.Thought:
				out = append(out, st.chunk(models.StreamDelta{Reasoning: p.Text}, ""))
			case p.Text != "":
				out = append(out, st.chunk(models.StreamDelta{Content: p.Text}, ""))
			}
		}
		if cand.FinishReason != "" {
			st.finish = cand.FinishReason
		}
	}
	return out, nil
}

func (st *geminiToOpenAIStream) Flush() ([]any, error) {
	if !st.roleSent {
		return nil, nil
	}
	var out []any
	if !st.finishSent {
		st.finishSent = true
		reason := geminiFinishToOpenAI(st.finish)
		if st.sawTool {
			reason = "tool_calls"
		}
		final := st.chunk(models.StreamDelta{}, reason)
		if st.usage != nil {
			final.Usage = &models.Usage{
				PromptTokens:     st.usage.PromptTokenCount,
				CompletionTokens: st.usage.CandidatesTokenCount,
				TotalTokens:      st.usage.TotalTokenCount,
			}
		}
		out = append(out, final)
	}
	out = append(out, sse.Done{})
	return out, nil
}

func (st *geminiToOpenAIStream) chunk(delta models.StreamDelta, finishReason string) *models.OpenAIStreamChunk {
	return &models.OpenAIStreamChunk{
		ID:      st.chunkID,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []models.StreamChoice{{Delta: delta, FinishReason: finishReason}},
	}
}

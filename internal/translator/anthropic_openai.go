package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clasp-gateway/clasp/pkg/models"
)

// AnthropicToOpenAIRequest rewrites an Anthropic Messages request into the
// Chat Completions shape for targetModel. An empty targetModel keeps the
// request's own model id.
func AnthropicToOpenAIRequest(req *models.AnthropicRequest, targetModel string) (*models.OpenAIRequest, error) {
	model := targetModel
	if model == "" {
		model = req.Model
	}

	out := &models.OpenAIRequest{
		Model:       model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
	}

	msgs, err := anthropicMessagesToOpenAI(req)
	if err != nil {
		return nil, fmt.Errorf("transform messages: %w", err)
	}
	out.Messages = msgs

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, models.OpenAITool{
			Type: "function",
			Function: models.OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeSchemaForOpenAI(tool.InputSchema),
			},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = anthropicToolChoiceToOpenAI(req.ToolChoice)
	}

	if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
		out.ReasoningEffort = budgetToEffort(req.Thinking.BudgetTokens, "ANTHROPIC_TO_OPENAI")
	}
	if isReasoningModel(model) {
		// o-series rejects explicit sampling parameters and caps output.
		out.Temperature = nil
		out.TopP = nil
		if cap := reasoningMaxTokensCap(); out.MaxTokens > cap {
			out.MaxTokens = cap
		}
	}

	if req.Stream {
		out.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	return out, nil
}

// anthropicMessagesToOpenAI flattens system + messages into the Chat
// Completions message list. Anthropic folds tool results into user turns;
// Chat Completions wants them as separate "tool" role messages.
func anthropicMessagesToOpenAI(req *models.AnthropicRequest) ([]models.OpenAIMessage, error) {
	var out []models.OpenAIMessage

	if sys := anthropicSystemText(req.System); sys != "" {
		out = append(out, models.OpenAIMessage{Role: "system", Content: sys})
	}

	for _, msg := range req.Messages {
		blocks, err := parseAnthropicContent(msg.Content)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case "user":
			userParts, toolMsgs := splitUserBlocks(blocks)
			if userParts != nil {
				out = append(out, models.OpenAIMessage{Role: "user", Content: userParts})
			}
			out = append(out, toolMsgs...)
		case "assistant":
			out = append(out, assistantBlocksToOpenAI(blocks))
		default:
			out = append(out, models.OpenAIMessage{Role: msg.Role, Content: textOfBlocks(blocks)})
		}
	}
	return out, nil
}

// anthropicSystemText accepts the system field's two shapes (string or
// content block list) and returns the concatenated text.
func anthropicSystemText(system any) string {
	switch s := system.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		var blocks []models.AnthropicContentBlock
		if err := decodeAs(system, &blocks); err != nil {
			return ""
		}
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
}

func parseAnthropicContent(content any) ([]models.AnthropicContentBlock, error) {
	if s, ok := content.(string); ok {
		return []models.AnthropicContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []models.AnthropicContentBlock
	if err := decodeAs(content, &blocks); err != nil {
		return nil, fmt.Errorf("unsupported message content shape: %w", err)
	}
	return blocks, nil
}

// splitUserBlocks separates a user turn's direct content (text/images, as a
// Chat Completions content value) from its embedded tool results (emitted as
// trailing "tool" messages). Returns nil content when the turn held only
// tool results.
func splitUserBlocks(blocks []models.AnthropicContentBlock) (any, []models.OpenAIMessage) {
	var parts []models.OpenAIContentPart
	var toolMsgs []models.OpenAIMessage

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, models.OpenAIContentPart{Type: "text", Text: b.Text})
		case "image":
			if b.Source != nil {
				parts = append(parts, models.OpenAIContentPart{
					Type:     "image_url",
					ImageURL: &models.ImageURL{URL: fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)},
				})
			}
		case "tool_result":
			text := toolResultText(b)
			if b.IsError {
				text = "[Error] " + text
			}
			toolMsgs = append(toolMsgs, models.OpenAIMessage{
				Role:       "tool",
				Content:    text,
				ToolCallID: b.ToolUseID,
			})
		}
	}

	switch {
	case len(parts) == 0:
		return nil, toolMsgs
	case len(parts) == 1 && parts[0].Type == "text":
		return parts[0].Text, toolMsgs
	default:
		generic := make([]any, len(parts))
		for i, p := range parts {
			generic[i] = p
		}
		return generic, toolMsgs
	}
}

// toolResultText flattens a tool_result's content (string or nested text
// blocks) into one string.
func toolResultText(b models.AnthropicContentBlock) string {
	switch c := b.Content.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		var nested []models.AnthropicContentBlock
		if err := decodeAs(c, &nested); err == nil {
			var parts []string
			for _, n := range nested {
				if n.Type == "text" {
					parts = append(parts, n.Text)
				}
			}
			return strings.Join(parts, "\n")
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func assistantBlocksToOpenAI(blocks []models.AnthropicContentBlock) models.OpenAIMessage {
	msg := models.OpenAIMessage{Role: "assistant"}
	var text []string
	for i, b := range blocks {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, models.OpenAIToolCall{
				ID:       b.ID,
				Type:     "function",
				Index:    i,
				Function: models.OpenAIFunctionCall{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	if len(text) > 0 {
		msg.Content = strings.Join(text, "")
	}
	return msg
}

func textOfBlocks(blocks []models.AnthropicContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "")
}

func anthropicToolChoiceToOpenAI(choice any) any {
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := decodeAs(choice, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return nil
	}
}

// OpenAIToAnthropicRequest rewrites a Chat Completions request into the
// Anthropic Messages shape. Messages requires max_tokens, so a missing value
// takes the ANTHROPIC_MAX_TOKENS default.
func OpenAIToAnthropicRequest(req *models.OpenAIRequest, targetModel string) (*models.AnthropicRequest, error) {
	model := targetModel
	if model == "" {
		model = req.Model
	}

	out := &models.AnthropicRequest{
		Model:         model,
		Stream:        req.Stream,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokensDefault()
	}

	if req.ReasoningEffort != "" {
		if budget := effortToBudget(req.ReasoningEffort, "ANTHROPIC"); budget > 0 {
			out.Thinking = &models.AnthropicThinking{Type: "enabled", BudgetTokens: budget}
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out.System = contentToText(m.Content)
		case "tool":
			out.Messages = append(out.Messages, models.AnthropicMessage{
				Role: "user",
				Content: []models.AnthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   contentToText(m.Content),
				}},
			})
		case "assistant":
			out.Messages = append(out.Messages, openAIAssistantToAnthropic(m))
		default:
			out.Messages = append(out.Messages, models.AnthropicMessage{
				Role:    "user",
				Content: openAIUserContentToAnthropic(m.Content),
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, models.AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = openAIToolChoiceToAnthropic(req.ToolChoice)
	}
	return out, nil
}

func contentToText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		var parts []models.OpenAIContentPart
		if err := decodeAs(c, &parts); err != nil {
			return ""
		}
		var text []string
		for _, p := range parts {
			if p.Type == "text" {
				text = append(text, p.Text)
			}
		}
		return strings.Join(text, "")
	}
}

func openAIUserContentToAnthropic(content any) any {
	if s, ok := content.(string); ok {
		return s
	}
	var parts []models.OpenAIContentPart
	if err := decodeAs(content, &parts); err != nil {
		return contentToText(content)
	}
	var blocks []models.AnthropicContentBlock
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, models.AnthropicContentBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				if src := dataURLToImageSource(p.ImageURL.URL); src != nil {
					blocks = append(blocks, models.AnthropicContentBlock{Type: "image", Source: src})
				}
			}
		}
	}
	if blocks == nil {
		return ""
	}
	return blocks
}

// dataURLToImageSource decodes "data:<media>;base64,<data>" URLs; remote
// image URLs have no Messages equivalent and are dropped.
func dataURLToImageSource(u string) *models.AnthropicImageSource {
	if !strings.HasPrefix(u, "data:") {
		return nil
	}
	rest := strings.TrimPrefix(u, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return nil
	}
	return &models.AnthropicImageSource{
		Type:      "base64",
		MediaType: rest[:sep],
		Data:      rest[sep+len(";base64,"):],
	}
}

func openAIAssistantToAnthropic(m models.OpenAIMessage) models.AnthropicMessage {
	var blocks []models.AnthropicContentBlock
	if text := contentToText(m.Content); text != "" {
		blocks = append(blocks, models.AnthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range m.ToolCalls {
		var input any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		blocks = append(blocks, models.AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return models.AnthropicMessage{Role: "assistant", Content: blocks}
}

func openAIToolChoiceToAnthropic(choice any) any {
	if s, ok := choice.(string); ok {
		switch s {
		case "required":
			return map[string]any{"type": "any"}
		case "none":
			return nil
		default:
			return map[string]any{"type": "auto"}
		}
	}
	var tc struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := decodeAs(choice, &tc); err != nil || tc.Function.Name == "" {
		return map[string]any{"type": "auto"}
	}
	return map[string]any{"type": "tool", "name": tc.Function.Name}
}

// AnthropicToOpenAIResponse converts a non-streaming Messages response into
// the chat.completion shape.
func AnthropicToOpenAIResponse(resp *models.AnthropicResponse) *models.OpenAIResponse {
	msg := models.OpenAIMessage{Role: "assistant"}
	var text []string
	for i, b := range resp.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text)
		case "tool_use":
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, models.OpenAIToolCall{
				ID:       b.ID,
				Type:     "function",
				Index:    i,
				Function: models.OpenAIFunctionCall{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	if len(text) > 0 {
		msg.Content = strings.Join(text, "")
	}

	out := &models.OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []models.OpenAIChoice{{
			Message:      msg,
			FinishReason: anthropicStopToOpenAIFinish(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &models.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}

// OpenAIToAnthropicResponse converts a chat.completion into the Messages
// response shape.
func OpenAIToAnthropicResponse(resp *models.OpenAIResponse) *models.AnthropicResponse {
	out := &models.AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if text := contentToText(choice.Message.Content); text != "" {
			out.Content = append(out.Content, models.AnthropicContentBlock{Type: "text", Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			var input any
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			}
			out.Content = append(out.Content, models.AnthropicContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		out.StopReason = openAIFinishToAnthropicStop(choice.FinishReason)
	}
	if resp.Usage != nil {
		out.Usage = &models.AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// Package models defines the vendor wire formats the gateway's transformer
// plugins translate between: Anthropic Messages, OpenAI Chat Completions,
// and Google Gemini generateContent.
package models

// AnthropicRequest is an Anthropic Messages API request body.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	System        interface{}        `json:"system,omitempty"` // string or []AnthropicContentBlock
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    interface{}        `json:"tool_choice,omitempty"`
	Thinking      *AnthropicThinking `json:"thinking,omitempty"`
	Metadata      *AnthropicMetadata `json:"metadata,omitempty"`
}

// AnthropicThinking enables extended thinking with a token budget.
type AnthropicThinking struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// AnthropicMessage is one conversation turn.
type AnthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []AnthropicContentBlock
}

// AnthropicContentBlock is a block inside a message or response: text,
// image, thinking, tool_use, or tool_result.
type AnthropicContentBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *AnthropicImageSource `json:"source,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string      `json:"id,omitempty"`
	Name  string      `json:"name,omitempty"`
	Input interface{} `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"` // string or nested blocks
	IsError   bool        `json:"is_error,omitempty"`
}

// AnthropicImageSource is base64-embedded image data.
type AnthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicTool declares one callable tool.
type AnthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

// AnthropicMetadata carries opaque request metadata.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicResponse is a non-streaming Messages response.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []AnthropicContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage         `json:"usage,omitempty"`
}

// AnthropicUsage is the Messages token accounting block.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic SSE event type names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// MessageStartEvent opens an Anthropic SSE stream.
type MessageStartEvent struct {
	Type    string            `json:"type"`
	Message AnthropicResponse `json:"message"`
}

// ContentBlockStartEvent opens one content block.
type ContentBlockStartEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock ContentBlockStartData `json:"content_block"`
}

// ContentBlockStartData is the block descriptor inside a start event.
type ContentBlockStartData struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ContentBlockDeltaEvent carries one incremental piece of a block.
type ContentBlockDeltaEvent struct {
	Type  string    `json:"type"`
	Index int       `json:"index"`
	Delta DeltaData `json:"delta"`
}

// DeltaData is the payload of a content_block_delta: exactly one of Text,
// Thinking, or PartialJSON is set depending on Type.
type DeltaData struct {
	Type        string `json:"type"` // text_delta | thinking_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStopEvent closes one content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the stop reason and final usage.
type MessageDeltaEvent struct {
	Type  string             `json:"type"`
	Delta MessageDeltaData   `json:"delta"`
	Usage *MessageDeltaUsage `json:"usage,omitempty"`
}

type MessageDeltaData struct {
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageStopEvent terminates the stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// PingEvent is the keepalive Anthropic emits after message_start.
type PingEvent struct {
	Type string `json:"type"`
}

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChatMessage is one entry of the OpenAI messages array. Content is either
// a plain string or a list of typed blocks; use Text() to flatten it.
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// Text extracts the textual content of a message. String content is
// returned as-is; block arrays contribute every block whose type is "text".
func (m *ChatMessage) Text() string {
	switch content := m.Content.(type) {
	case string:
		return content
	case []interface{}:
		var out string
		for _, raw := range content {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if blockType, _ := block["type"].(string); blockType != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				out += text
			}
		}
		return out
	default:
		return ""
	}
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []ChatMessage   `json:"messages"`
	Stream    *bool           `json:"stream,omitempty"`
	Tools     json.RawMessage `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// IsStreaming reports whether the client asked for SSE output.
func (r *ChatCompletionRequest) IsStreaming() bool {
	return r.Stream != nil && *r.Stream
}

// Usage is the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FunctionCall carries the serialized tool input returned to the client.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one function tool call in an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// CompletionMessage is the assistant message inside a completion choice.
type CompletionMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// CompletionChoice is one choice of a (non-streaming) completion.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatCompletion is the non-streaming response object.
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// ChunkDelta is the incremental payload of a streaming chunk.
type ChunkDelta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChunkChoice is one choice of a streaming chunk.
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason interface{} `json:"finish_reason"`
}

// CompletionChunk is one SSE data frame of a streaming completion.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// NewChunk builds a content chunk for a streaming completion.
func NewChunk(id, model, role, content string) CompletionChunk {
	return CompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: ChunkDelta{Role: role, Content: content},
		}},
	}
}

// NewFinishChunk builds the terminal chunk carrying finish_reason and usage.
func NewFinishChunk(id, model, finishReason string, usage Usage) CompletionChunk {
	return CompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        ChunkDelta{},
			FinishReason: finishReason,
		}},
		Usage: &usage,
	}
}

// ModelEntry is one entry of GET /v1/models.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the GET /v1/models response.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// APIError is the OpenAI-shaped error body.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries the error message and type.
type APIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewAPIError builds an OpenAI-shaped error response body.
func NewAPIError(errType, format string, args ...interface{}) APIError {
	return APIError{Error: APIErrorDetail{
		Message: fmt.Sprintf(format, args...),
		Type:    errType,
	}}
}

package models

import "encoding/json"

// Frame is the envelope of every message on the Companion WebSocket.
// Payload fields stay raw until the frame type is known.
type Frame struct {
	Type string `json:"type"`

	// session_init
	Session *SessionInitInfo `json:"session,omitempty"`

	// assistant
	ParentToolUseID *string           `json:"parent_tool_use_id,omitempty"`
	Message         *AssistantMessage `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// permission_request
	RequestID string          `json:"request_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result
	IsError bool `json:"is_error,omitempty"`

	// result
	Data *ResultData `json:"data,omitempty"`
}

// SessionInitInfo is the session_init payload.
type SessionInitInfo struct {
	Model string `json:"model,omitempty"`
}

// AssistantMessage is the assistant frame payload: content blocks plus
// per-message usage.
type AssistantMessage struct {
	Content []ContentBlock  `json:"content"`
	Usage   *CompanionUsage `json:"usage,omitempty"`
	Model   string          `json:"model,omitempty"`
}

// ContentBlock is one typed block of an assistant message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// CompanionUsage is the upstream token accounting shape.
type CompanionUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is the stream_event payload (agent SDK streaming hints).
type StreamEvent struct {
	Type         string        `json:"type"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *StreamDelta  `json:"delta,omitempty"`
}

// StreamDelta carries incremental thinking/text deltas inside stream events.
type StreamDelta struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ResultData is the terminal result payload of one turn.
type ResultData struct {
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	NumTurns     int             `json:"num_turns"`
	Usage        *CompanionUsage `json:"usage,omitempty"`
}

// UserMessageFrame is the outbound prompt frame.
type UserMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// PermissionResponseFrame answers a permission_request decided locally by
// the tool policy engine.
type PermissionResponseFrame struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"request_id"`
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// ControlResponseFrame forwards a client tool decision upstream after a
// passthrough round-trip.
type ControlResponseFrame struct {
	Type     string              `json:"type"`
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the control_response envelope body.
type ControlResponseBody struct {
	Subtype   string                `json:"subtype"`
	RequestID string                `json:"request_id"`
	Response  ControlDecisionDetail `json:"response"`
}

// ControlDecisionDetail is the behavior plus either the unchanged input
// (allow) or a denial message.
type ControlDecisionDetail struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// CreateSessionRequest is the body of POST /api/sessions/create.
type CreateSessionRequest struct {
	PermissionMode string `json:"permissionMode"`
	Cwd            string `json:"cwd"`
}

// CreateSessionResponse carries the upstream session id.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

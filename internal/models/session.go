package models

import (
	"encoding/json"
	"time"
)

// SessionState is the lifecycle state of one upstream session.
type SessionState string

const (
	StateConnecting          SessionState = "connecting"
	StateReady               SessionState = "ready"
	StateBusy                SessionState = "busy"
	StateWaitingToolDecision SessionState = "waiting_tool_decision"
	StateDead                SessionState = "dead"
)

// Working reports whether the session has an in-flight request and must
// not be evicted or given a second prompt.
func (s SessionState) Working() bool {
	return s == StateBusy || s == StateWaitingToolDecision
}

// PendingPermission is a tool-use request surfaced to the client as a
// function tool call, awaiting its decision.
type PendingPermission struct {
	RequestID  string          `json:"request_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	ToolCallID string          `json:"tool_call_id"`
}

// SessionResponse is what a finished (or passthrough-interrupted) request
// resolves with.
type SessionResponse struct {
	Text             string
	Model            string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	Turns            int
	PendingToolCalls []PendingPermission
}

// SessionInfo is a diagnostics snapshot of one pool entry.
type SessionInfo struct {
	Key             string       `json:"key"`
	UpstreamID      string       `json:"upstream_session_id"`
	State           SessionState `json:"state"`
	Model           string       `json:"model"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActivityAt  time.Time    `json:"last_activity_at"`
	TotalTurns      int          `json:"total_turns"`
	TotalInput      int          `json:"total_input_tokens"`
	TotalOutput     int          `json:"total_output_tokens"`
	TotalCost       float64      `json:"total_cost_usd"`
	LastContextPct  int          `json:"last_context_pct"`
	UserTurnCount   int          `json:"user_turn_count"`
	PendingToolUses int          `json:"pending_tool_uses"`
}

// ProgressEventType tags the progress event variants.
type ProgressEventType string

const (
	ProgressTextDelta  ProgressEventType = "text_delta"
	ProgressToolStart  ProgressEventType = "tool_start"
	ProgressToolResult ProgressEventType = "tool_result"
	ProgressThinking   ProgressEventType = "thinking"
	ProgressTurn       ProgressEventType = "turn"
)

// ProgressEvent is one live progress notification emitted while a request
// is in flight. Only the fields for its type are set.
type ProgressEvent struct {
	Type    ProgressEventType `json:"type"`
	Text    string            `json:"text,omitempty"`    // text_delta
	Tool    string            `json:"tool,omitempty"`    // tool_start, tool_result
	Detail  string            `json:"detail,omitempty"`  // tool_start human one-liner
	Success bool              `json:"success,omitempty"` // tool_result
	Status  string            `json:"status,omitempty"`  // thinking
	Turn    int               `json:"turn,omitempty"`    // turn
}

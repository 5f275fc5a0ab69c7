package services

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// RequestTrace is a post-mortem record of one completed (or failed) chat
// completion request.
type RequestTrace struct {
	RequestID    string    `json:"request_id"`
	SessionKey   string    `json:"session_key"`
	Model        string    `json:"model"`
	Streaming    bool      `json:"streaming"`
	PromptChars  int       `json:"prompt_chars"`
	ResponseChars int      `json:"response_chars"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost_usd"`
	Turns        int       `json:"turns"`
	FinishReason string    `json:"finish_reason"`
	Error        string    `json:"error,omitempty"`
	Duration     string    `json:"duration"`
	CreatedAt    time.Time `json:"created_at"`
}

// TraceStore keeps the last 30 minutes of request traces in a TTL cache,
// addressable by request id for /debug/requests lookups.
type TraceStore struct {
	traces *cache.Cache
}

// NewTraceStore creates the trace cache.
func NewTraceStore() *TraceStore {
	return &TraceStore{
		traces: cache.New(30*time.Minute, 10*time.Minute),
	}
}

// Put records a trace under its request id.
func (t *TraceStore) Put(trace RequestTrace) {
	if trace.RequestID == "" {
		return
	}
	trace.CreatedAt = time.Now()
	t.traces.Set(trace.RequestID, trace, cache.DefaultExpiration)
}

// Get retrieves a trace by request id.
func (t *TraceStore) Get(requestID string) (RequestTrace, bool) {
	value, found := t.traces.Get(requestID)
	if !found {
		return RequestTrace{}, false
	}
	trace, ok := value.(RequestTrace)
	return trace, ok
}

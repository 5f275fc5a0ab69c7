package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/logging"
	"companionbridge/internal/models"
	"companionbridge/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// busyPollInterval is how often a queued request re-checks a working
// session.
const busyPollInterval = 500 * time.Millisecond

// approvalWords are the client tool-message contents that mean "allow",
// compared after stripping non-letters and lowercasing. Anything else is a
// denial whose content becomes the reason.
var approvalWords = map[string]bool{
	"approved": true,
	"allow":    true,
	"allowed":  true,
	"yes":      true,
	"true":     true,
	"ok":       true,
	"accept":   true,
	"permit":   true,
	"granted":  true,
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// ChatHandler is the dispatcher for POST /v1/chat/completions.
type ChatHandler struct {
	cfg      *config.Config
	pool     *services.SessionPool
	ctxMgr   *services.ContextManager
	traces   *services.TraceStore
	commands *CommandHandler
}

// NewChatHandler creates the chat completions dispatcher.
func NewChatHandler(cfg *config.Config, pool *services.SessionPool, ctxMgr *services.ContextManager, traces *services.TraceStore) *ChatHandler {
	return &ChatHandler{
		cfg:      cfg,
		pool:     pool,
		ctxMgr:   ctxMgr,
		traces:   traces,
		commands: NewCommandHandler(cfg, pool, ctxMgr),
	}
}

// Handle is POST /v1/chat/completions.
func (h *ChatHandler) Handle(c *fiber.Ctx) error {
	start := time.Now()

	var req models.ChatCompletionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return badRequest(c, "invalid JSON body: %v", err)
	}
	if len(req.Messages) == 0 {
		return badRequest(c, "messages must be a non-empty array")
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return badRequest(c, "messages[%d]: invalid role %q", i, msg.Role)
		}
	}

	key := deriveSessionKey(c, &req)
	requestID := c.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	reqLog := logging.WithRequest(slog.Default(), requestID)
	reqLog.Debug("chat completion request", "session_key", key, "streaming", req.IsStreaming())

	userText := latestUserText(req.Messages)
	if strings.TrimSpace(userText) == "" {
		return badRequest(c, "no user message with text content found")
	}

	// !bridge commands are answered locally and never reach the upstream.
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(userText)), "!bridge") {
		return h.commands.Handle(c, &req, key, userText)
	}

	if m := services.GetMetrics(); m != nil {
		if req.IsStreaming() {
			m.RecordChatRequest("stream")
		} else {
			m.RecordChatRequest("json")
		}
	}

	toolDecisions, err := collectToolDecisions(req.Messages)
	if err != nil {
		return badRequest(c, "%v", err)
	}

	session, err := h.pool.GetSession(c.Context(), key)
	if err != nil {
		log.Printf("❌ [CHAT] Upstream session unavailable for %s: %v", key, err)
		if m := services.GetMetrics(); m != nil {
			m.RecordChatError("upstream_unavailable")
		}
		return c.Status(fiber.StatusBadGateway).JSON(
			models.NewAPIError("server_error", "companion unavailable: %v", err))
	}

	// Tool-result turn: the client is answering a passthrough interrupt.
	if session.State() == models.StateWaitingToolDecision && len(toolDecisions) > 0 {
		if req.IsStreaming() {
			return streamCompletion(c, h.modelName(session), "", func(sink func(models.ProgressEvent)) (*models.SessionResponse, error) {
				session.SetProgressSink(sink)
				defer session.SetProgressSink(nil)
				return session.ResumeWithToolDecisions(toolDecisions)
			})
		}
		resp, err := session.ResumeWithToolDecisions(toolDecisions)
		if err != nil {
			return h.requestError(c, key, requestID, err)
		}
		h.recordTrace(requestID, key, userText, resp, false, start, "")
		return c.JSON(h.buildCompletion(resp))
	}

	prompt := h.ctxMgr.WrapPrompt(session, userText)

	if req.IsStreaming() {
		prefix := ""
		if session.State().Working() {
			prefix = "_⏳ A previous task is still running; waiting for it to finish..._\n\n"
		}
		return streamCompletion(c, h.modelName(session), prefix, func(sink func(models.ProgressEvent)) (*models.SessionResponse, error) {
			// The session may be replaced mid-wait if it dies; always
			// re-bind before sending.
			ready, err := h.awaitSendable(key, session)
			if err != nil {
				return nil, err
			}
			ready.SetProgressSink(sink)
			defer ready.SetProgressSink(nil)
			resp, err := ready.SendPrompt(prompt)
			if err == nil {
				h.recordTrace(requestID, key, prompt, resp, true, start, "")
			} else {
				h.recordTrace(requestID, key, prompt, nil, true, start, err.Error())
			}
			return resp, err
		})
	}

	session, err = h.awaitSendable(key, session)
	if err != nil {
		return h.requestError(c, key, requestID, err)
	}

	resp, err := session.SendPrompt(prompt)
	if err != nil {
		h.recordTrace(requestID, key, prompt, nil, false, start, err.Error())
		return h.requestError(c, key, requestID, err)
	}

	if m := services.GetMetrics(); m != nil {
		m.RecordChatLatency(time.Since(start).Seconds())
	}
	h.recordTrace(requestID, key, prompt, resp, false, start, "")
	return c.JSON(h.buildCompletion(resp))
}

// awaitSendable waits until the session can accept a prompt: polls a
// working session back to ready and recreates a dead one. Capped at
// RESPONSE_TIMEOUT_MS total.
func (h *ChatHandler) awaitSendable(key string, session *services.Session) (*services.Session, error) {
	deadline := time.Now().Add(h.cfg.ResponseTimeout)

	for {
		switch session.State() {
		case models.StateReady:
			return session, nil

		case models.StateDead:
			h.pool.DestroySession(key, "dead during dispatch")
			ctx, cancel := contextWithDeadline(deadline)
			fresh, err := h.pool.GetSession(ctx, key)
			cancel()
			if err != nil {
				return nil, fmt.Errorf("recreate session: %w", err)
			}
			session = fresh

		default:
			if time.Now().After(deadline) {
				return nil, services.ErrSessionBusy
			}
			time.Sleep(busyPollInterval)
		}
	}
}

// requestError maps a dispatch failure onto an HTTP status.
func (h *ChatHandler) requestError(c *fiber.Ctx, key, requestID string, err error) error {
	m := services.GetMetrics()
	switch {
	case errors.Is(err, services.ErrResponseTimeout), errors.Is(err, services.ErrSessionBusy):
		if m != nil {
			m.RecordChatError("timeout")
		}
		return c.Status(fiber.StatusTooManyRequests).JSON(
			models.NewAPIError("server_error", "session %s is busy: %v", key, err))
	case errors.Is(err, services.ErrNotWaiting), errors.Is(err, services.ErrUnknownToolCall):
		if m != nil {
			m.RecordChatError("invalid_tool_result")
		}
		return c.Status(fiber.StatusBadRequest).JSON(
			models.NewAPIError("invalid_request_error", "%v", err))
	default:
		if m != nil {
			m.RecordChatError("upstream_failure")
		}
		return c.Status(fiber.StatusInternalServerError).JSON(
			models.NewAPIError("server_error", "%v", err))
	}
}

// buildCompletion assembles the non-streaming OpenAI completion object.
func (h *ChatHandler) buildCompletion(resp *models.SessionResponse) models.ChatCompletion {
	model := resp.Model
	if model == "" {
		model = h.cfg.ModelName
	}

	message := models.CompletionMessage{Role: "assistant", Content: resp.Text}
	finishReason := "stop"
	if len(resp.PendingToolCalls) > 0 {
		finishReason = "tool_calls"
		message.ToolCalls = toolCallsForPending(resp.PendingToolCalls)
	}

	return models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: usageFor(resp),
	}
}

func (h *ChatHandler) modelName(session *services.Session) string {
	if model := session.Model(); model != "" {
		return model
	}
	return h.cfg.ModelName
}

func (h *ChatHandler) recordTrace(requestID, key, prompt string, resp *models.SessionResponse, streaming bool, start time.Time, errMsg string) {
	trace := services.RequestTrace{
		RequestID:   requestID,
		SessionKey:  key,
		Streaming:   streaming,
		PromptChars: len(prompt),
		Duration:    time.Since(start).Round(time.Millisecond).String(),
		Error:       errMsg,
	}
	if resp != nil {
		trace.Model = resp.Model
		trace.ResponseChars = len(resp.Text)
		trace.InputTokens = resp.InputTokens
		trace.OutputTokens = resp.OutputTokens
		trace.Cost = resp.Cost
		trace.Turns = resp.Turns
		trace.FinishReason = "stop"
		if len(resp.PendingToolCalls) > 0 {
			trace.FinishReason = "tool_calls"
		}
	}
	h.traces.Put(trace)
}

// deriveSessionKey picks the pool key for a request. Deliberately ignores
// per-request ids and system prompt content: front-ends embed dynamic
// fields (timestamps, token counts) in both, which would defeat session
// reuse and lose the agent's conversational memory turn to turn.
func deriveSessionKey(c *fiber.Ctx, req *models.ChatCompletionRequest) string {
	if header := c.Get("X-Session-Key"); header != "" {
		return "key:" + header
	}
	if req.Model != "" {
		return "model:" + req.Model
	}
	return "default"
}

// latestUserText extracts the text of the most recent user message.
func latestUserText(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

// collectToolDecisions interprets role=tool messages as verdicts for
// parked tool calls.
func collectToolDecisions(messages []models.ChatMessage) ([]services.ToolDecision, error) {
	var decisions []services.ToolDecision
	for _, msg := range messages {
		if msg.Role != "tool" || msg.ToolCallID == "" {
			continue
		}
		content := msg.Text()
		decisions = append(decisions, services.ToolDecision{
			ToolCallID: msg.ToolCallID,
			Approved:   isApproval(content),
			Message:    content,
		})
	}
	return decisions, nil
}

// isApproval reduces content to letters and checks the approval word set.
func isApproval(content string) bool {
	var letters []rune
	for _, r := range strings.ToLower(content) {
		if r >= 'a' && r <= 'z' {
			letters = append(letters, r)
		}
	}
	return approvalWords[string(letters)]
}

func contextWithDeadline(deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(context.Background(), deadline)
}

func badRequest(c *fiber.Ctx, format string, args ...interface{}) error {
	return c.Status(fiber.StatusBadRequest).JSON(
		models.NewAPIError("invalid_request_error", format, args...))
}

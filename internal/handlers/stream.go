package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"companionbridge/internal/models"
	"companionbridge/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

type streamItemKind int

const (
	itemDelta streamItemKind = iota
	itemDecoration
	itemFinal
	itemError
)

type streamItem struct {
	kind streamItemKind
	text string
	resp *models.SessionResponse
	err  error
}

// heartbeatInterval keeps HTTP clients from timing out during long tool
// chains that produce no visible output. A var so tests can shorten it.
var heartbeatInterval = 5 * time.Second

// streamCompletion runs one streaming chat completion. work executes in
// its own goroutine with a progress sink attached; its progress events and
// final outcome are fanned out as OpenAI-shaped SSE chunks. prefix, when
// non-empty, is emitted as a status line before the real work begins.
//
// Once the stream has started, failures become visible error text inside
// the transcript followed by a clean [DONE]; the HTTP status never changes.
func streamCompletion(c *fiber.Ctx, model, prefix string, work func(sink func(models.ProgressEvent)) (*models.SessionResponse, error)) error {
	completionID := "chatcmpl-" + uuid.New().String()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	items := make(chan streamItem, 256)
	done := make(chan struct{})

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer close(done)

		sink := func(event models.ProgressEvent) {
			item, ok := itemForProgress(event)
			if !ok {
				return
			}
			// Ordering matters: block until the stream consumes the event
			// (or the client is gone) so deltas concatenate into the final
			// text in receive order.
			select {
			case items <- item:
			case <-done:
			}
		}

		go func() {
			resp, err := work(sink)
			item := streamItem{kind: itemFinal, resp: resp}
			if err != nil {
				item = streamItem{kind: itemError, err: err}
			}
			select {
			case items <- item:
			case <-done:
			}
		}()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		disconnected := false
		sentRole := false
		sawDelta := false

		// Writes after client disconnect are silently dropped.
		writeRaw := func(payload string) {
			if disconnected {
				return
			}
			fmt.Fprint(w, payload)
			if err := w.Flush(); err != nil {
				disconnected = true
			}
		}
		writeChunk := func(chunk models.CompletionChunk) {
			data, err := json.Marshal(chunk)
			if err != nil {
				return
			}
			writeRaw("data: " + string(data) + "\n\n")
		}
		contentChunk := func(text string) {
			role := ""
			if !sentRole {
				role = "assistant"
				sentRole = true
			}
			writeChunk(models.NewChunk(completionID, model, role, text))
		}

		if prefix != "" {
			contentChunk(prefix)
		}

		for {
			select {
			case item := <-items:
				switch item.kind {
				case itemDelta:
					sawDelta = true
					contentChunk(item.text)

				case itemDecoration:
					contentChunk(item.text)

				case itemFinal:
					resp := item.resp
					if resp.Model != "" {
						model = resp.Model
					}
					// A stream that already carried deltas must not repeat
					// the full text; one that never saw any sends it whole.
					if !sawDelta && resp.Text != "" {
						contentChunk(resp.Text)
					}
					finishReason := "stop"
					if len(resp.PendingToolCalls) > 0 {
						finishReason = "tool_calls"
						chunk := models.NewChunk(completionID, model, "", "")
						if !sentRole {
							chunk.Choices[0].Delta.Role = "assistant"
							sentRole = true
						}
						chunk.Choices[0].Delta.ToolCalls = toolCallsForPending(resp.PendingToolCalls)
						writeChunk(chunk)
					}
					writeChunk(models.NewFinishChunk(completionID, model, finishReason, usageFor(resp)))
					writeRaw("data: [DONE]\n\n")
					return

				case itemError:
					contentChunk(fmt.Sprintf("\n\n❌ Error: %v", item.err))
					writeRaw("data: [DONE]\n\n")
					return
				}

			case <-heartbeat.C:
				writeRaw(": heartbeat\n\n")
			}
		}
	}))

	return nil
}

// itemForProgress maps a session progress event to its SSE representation.
func itemForProgress(event models.ProgressEvent) (streamItem, bool) {
	switch event.Type {
	case models.ProgressTextDelta:
		return streamItem{kind: itemDelta, text: event.Text}, true
	case models.ProgressToolStart:
		text := fmt.Sprintf("\n\n_%s %s_\n\n", services.ToolIcon(event.Tool), event.Detail)
		return streamItem{kind: itemDecoration, text: text}, true
	case models.ProgressToolResult:
		mark := "✅"
		if !event.Success {
			mark = "❌"
		}
		return streamItem{kind: itemDecoration, text: fmt.Sprintf("_%s %s done_\n", mark, event.Tool)}, true
	case models.ProgressThinking:
		return streamItem{kind: itemDecoration, text: fmt.Sprintf("\n_🧠 %s_\n", event.Status)}, true
	default:
		return streamItem{}, false
	}
}

// toolCallsForPending converts parked permissions into OpenAI function
// tool calls named cc_<tool>.
func toolCallsForPending(pending []models.PendingPermission) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(pending))
	for _, perm := range pending {
		out = append(out, models.ToolCall{
			ID:   perm.ToolCallID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      "cc_" + toLowerASCII(perm.ToolName),
				Arguments: string(perm.Input),
			},
		})
	}
	return out
}

func usageFor(resp *models.SessionResponse) models.Usage {
	return models.Usage{
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		TotalTokens:      resp.InputTokens + resp.OutputTokens,
	}
}

func toLowerASCII(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b >= 'A' && b <= 'Z' {
			out[i] = b + 32
		}
	}
	return string(out)
}

package handlers

import (
	"fmt"
	"log"
	"strings"
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/models"
	"companionbridge/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// CommandHandler answers !bridge prompts locally. Nothing here ever
// reaches the upstream agent; session-scoped commands use Lookup so an
// absent session is never created as a side effect.
type CommandHandler struct {
	cfg    *config.Config
	pool   *services.SessionPool
	ctxMgr *services.ContextManager
}

// NewCommandHandler creates the !bridge interceptor.
func NewCommandHandler(cfg *config.Config, pool *services.SessionPool, ctxMgr *services.ContextManager) *CommandHandler {
	return &CommandHandler{cfg: cfg, pool: pool, ctxMgr: ctxMgr}
}

// Handle dispatches one !bridge command and renders the synthesized reply
// in whichever shape (SSE or JSON) the request asked for.
func (h *CommandHandler) Handle(c *fiber.Ctx, req *models.ChatCompletionRequest, key, userText string) error {
	command := ""
	fields := strings.Fields(strings.TrimSpace(userText))
	if len(fields) > 1 {
		command = strings.ToLower(fields[1])
	}

	log.Printf("🎛️ [BRIDGE] Command %q for session %s", command, key)

	var text string
	switch command {
	case "summary", "stateful", "hybrid", "none":
		strategy := config.ParseStrategy(command)
		h.cfg.SetStrategy(strategy)
		text = fmt.Sprintf("✅ Context strategy set to **%s**.\n\nTakes effect on the next prompt.", strategy)

	case "status", "":
		text = h.statusText(key)

	case "compact":
		session, ok := h.pool.Lookup(key)
		if !ok {
			text = "⚠️ No active session for this key; nothing to compact."
			break
		}
		session.ForceCompaction(h.cfg.SummaryTriggerPct)
		text = "✅ Compaction scheduled.\n\nThe next prompt will ask the agent to rewrite the session summary."

	case "checkpoint":
		switch h.cfg.Strategy() {
		case config.StrategyNone, config.StrategySummary:
			h.cfg.SetStrategy(config.StrategyHybrid)
			text = "✅ Strategy upgraded to **hybrid**.\n\nThe next prompt will ask the agent to write a state checkpoint."
		default:
			text = fmt.Sprintf("✅ Strategy is already **%s**; state checkpoints are active.", h.cfg.Strategy())
		}

	case "reset":
		h.pool.DestroySession(key, "bridge reset")
		text = "✅ Session destroyed.\n\nContext files on disk are untouched; the next prompt starts a fresh session."

	default:
		text = helpText(command)
	}

	return h.render(c, req, text)
}

// statusText builds the !bridge status report. Emoji prefixes are part of
// the contract; clients grep for them.
func (h *CommandHandler) statusText(key string) string {
	var b strings.Builder
	b.WriteString("**Bridge status**\n\n")
	fmt.Fprintf(&b, "📊 Strategy: %s\n", h.cfg.Strategy())

	lastPct := 0
	turns := 0
	cost := 0.0
	nextCompaction := h.cfg.SummaryTriggerPct
	if session, ok := h.pool.Lookup(key); ok {
		_, lastPct, _, turns = session.ContextSnapshot()
		cost = session.TotalCost()
		nextCompaction = h.ctxMgr.NextCompactionPct(session)
	}

	fmt.Fprintf(&b, "📈 Context usage: %d%% of %d tokens\n", lastPct, h.cfg.ContextBudgetTokens)
	fmt.Fprintf(&b, "📝 Summary file: %s\n", fileStatus(h.ctxMgr.SummaryPath(), h.ctxMgr.FileSize(h.ctxMgr.SummaryPath())))
	fmt.Fprintf(&b, "📋 State file: %s\n", fileStatus(h.ctxMgr.StatePath(), h.ctxMgr.FileSize(h.ctxMgr.StatePath())))
	fmt.Fprintf(&b, "🔄 Next compaction at: %d%%\n", nextCompaction)
	fmt.Fprintf(&b, "⏱️ User turns this session: %d\n", turns)
	fmt.Fprintf(&b, "💰 Lifetime cost: $%.4f\n", cost)
	fmt.Fprintf(&b, "🏷️ Session key: %s\n", key)
	return b.String()
}

func fileStatus(path string, size int64) string {
	if size <= 0 {
		return fmt.Sprintf("%s (absent)", path)
	}
	return fmt.Sprintf("%s (%d bytes)", path, size)
}

func helpText(command string) string {
	var b strings.Builder
	if command != "" && command != "help" {
		fmt.Fprintf(&b, "Unknown command %q.\n\n", command)
	}
	b.WriteString("**!bridge commands**\n\n")
	b.WriteString("- `!bridge status` — strategy, context usage, file sizes, cost\n")
	b.WriteString("- `!bridge summary` / `stateful` / `hybrid` / `none` — set context strategy\n")
	b.WriteString("- `!bridge compact` — force a summary rewrite on the next prompt\n")
	b.WriteString("- `!bridge checkpoint` — enable state checkpoints (switches to hybrid)\n")
	b.WriteString("- `!bridge reset` — destroy the current session\n")
	return b.String()
}

// render emits the synthesized text as either an SSE stream or a JSON
// completion, matching the shapes real completions use.
func (h *CommandHandler) render(c *fiber.Ctx, req *models.ChatCompletionRequest, text string) error {
	if req.IsStreaming() {
		return streamCompletion(c, h.cfg.ModelName, "", func(func(models.ProgressEvent)) (*models.SessionResponse, error) {
			return &models.SessionResponse{Text: text}, nil
		})
	}

	return c.JSON(models.ChatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   h.cfg.ModelName,
		Choices: []models.CompletionChoice{{
			Index:        0,
			Message:      models.CompletionMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
	})
}

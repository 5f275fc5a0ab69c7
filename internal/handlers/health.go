package handlers

import (
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/models"
	"companionbridge/internal/services"

	"github.com/gofiber/fiber/v2"
)

// Version is the adapter release stamp reported by /health.
const Version = "1.2.0"

// MetaHandler serves the non-completion surface: health, model listing,
// session teardown, and debug traces.
type MetaHandler struct {
	cfg    *config.Config
	pool   *services.SessionPool
	traces *services.TraceStore
}

// NewMetaHandler creates the meta endpoints handler.
func NewMetaHandler(cfg *config.Config, pool *services.SessionPool, traces *services.TraceStore) *MetaHandler {
	return &MetaHandler{cfg: cfg, pool: pool, traces: traces}
}

// Health is GET /health.
func (h *MetaHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "ok",
		"version":        Version,
		"companion":      h.cfg.CompanionURL,
		"cwd":            h.cfg.SessionCwd,
		"toolMode":       h.cfg.ToolMode,
		"permissionMode": h.cfg.PermissionMode,
		"model":          h.cfg.ModelName,
		"strategy":       h.cfg.Strategy(),
		"sessions":       h.pool.List(),
	})
}

// Models is GET /v1/models. A single synthetic entry: the adapter fronts
// one agent, not a model catalog.
func (h *MetaHandler) Models(c *fiber.Ctx) error {
	return c.JSON(models.ModelList{
		Object: "list",
		Data: []models.ModelEntry{{
			ID:      h.cfg.ModelName,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "companionbridge",
		}},
	})
}

// DeleteSession is DELETE /sessions/:key. The param is the full pool key
// (e.g. "default" or "model:claude-code-companion"); idempotent when no
// session exists.
func (h *MetaHandler) DeleteSession(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return badRequest(c, "session key is required")
	}
	h.pool.DestroySession(key, "api delete")
	return c.JSON(fiber.Map{"ok": true})
}

// DebugRequest is GET /debug/requests/:id.
func (h *MetaHandler) DebugRequest(c *fiber.Ctx) error {
	trace, found := h.traces.Get(c.Params("id"))
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(
			models.NewAPIError("invalid_request_error", "no trace for request id %q", c.Params("id")))
	}
	return c.JSON(trace)
}

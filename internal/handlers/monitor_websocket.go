package handlers

import (
	"encoding/json"
	"log"
	"time"

	"companionbridge/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// MonitorHandler serves /ws/monitor: a diagnostics socket that mirrors the
// adapter's internal event bus (session lifecycle, tool decisions, progress)
// to connected dashboards.
type MonitorHandler struct {
	bus  *services.EventBus
	pool *services.SessionPool
}

// NewMonitorHandler creates the monitor socket handler.
func NewMonitorHandler(bus *services.EventBus, pool *services.SessionPool) *MonitorHandler {
	return &MonitorHandler{bus: bus, pool: pool}
}

// Handle handles one monitor connection. All writes funnel through a
// single write loop; the read loop only services client heartbeats.
func (h *MonitorHandler) Handle(c *websocket.Conn) {
	connID := uuid.New().String()
	done := make(chan struct{})
	writes := make(chan interface{}, 100)

	events := h.bus.Subscribe(connID, 100)
	defer func() {
		close(done)
		h.bus.Unsubscribe(connID)
		log.Printf("🔌 [MONITOR] Client %s disconnected (%d remaining)", connID[:8], h.bus.Count())
	}()

	log.Printf("🔌 [MONITOR] Client %s connected", connID[:8])

	c.SetReadDeadline(time.Now().Add(120 * time.Second))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	go h.writeLoop(c, writes, events, done)

	// Initial snapshot so dashboards don't start blank.
	writes <- services.Event{
		Type: "snapshot",
		Data: map[string]interface{}{"sessions": h.pool.List()},
		Time: time.Now(),
	}

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		c.SetReadDeadline(time.Now().Add(120 * time.Second))

		var client struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &client) == nil && client.Type == "ping" {
			select {
			case writes <- map[string]string{"type": "pong"}:
			default:
			}
		}
	}
}

// writeLoop serializes all outbound traffic, including keepalive pings.
func (h *MonitorHandler) writeLoop(c *websocket.Conn, writes <-chan interface{}, events <-chan services.Event, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-writes:
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		case event := <-events:
			if err := c.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

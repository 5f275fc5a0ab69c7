package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"companionbridge/internal/models"

	"github.com/gorilla/websocket"
)

// CompanionClient talks to the Companion server: session lifecycle over
// HTTP, the session itself over a WebSocket.
type CompanionClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCompanionClient creates a client for the Companion at baseURL
// (http://host:port, no trailing slash).
func NewCompanionClient(baseURL string) *CompanionClient {
	return &CompanionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the Companion base URL.
func (c *CompanionClient) BaseURL() string {
	return c.baseURL
}

// CreateSession asks the Companion to spawn a new agent session and
// returns its upstream session id.
func (c *CompanionClient) CreateSession(ctx context.Context, permissionMode, cwd string) (string, error) {
	body, err := json.Marshal(models.CreateSessionRequest{
		PermissionMode: permissionMode,
		Cwd:            cwd,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/sessions/create", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("companion session create: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("companion session create returned %d: %s", resp.StatusCode, string(data))
	}

	var created models.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("companion returned empty session id")
	}

	return created.SessionID, nil
}

// KillSession tells the Companion to terminate a session. Best-effort and
// fire-and-forget: failures are logged, never propagated.
func (c *CompanionClient) KillSession(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		url := fmt.Sprintf("%s/api/sessions/%s/kill", c.baseURL, sessionID)
		req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
		if err != nil {
			return
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Printf("⚠️ [COMPANION] Session kill failed for %s: %v", sessionID, err)
			return
		}
		resp.Body.Close()
	}()
}

// DialSession opens the full-duplex browser channel for an upstream
// session id.
func (c *CompanionClient) DialSession(sessionID string) (*websocket.Conn, error) {
	wsBase := c.baseURL
	if strings.HasPrefix(wsBase, "https://") {
		wsBase = "wss://" + wsBase[len("https://"):]
	} else if strings.HasPrefix(wsBase, "http://") {
		wsBase = "ws://" + wsBase[len("http://"):]
	}
	url := fmt.Sprintf("%s/ws/browser/%s", wsBase, sessionID)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial companion session (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial companion session: %w", err)
	}
	return conn, nil
}

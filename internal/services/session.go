package services

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"companionbridge/internal/logging"
	"companionbridge/internal/models"
	"companionbridge/internal/policy"

	"github.com/google/uuid"
)

// contextWarningPcts are the context-usage thresholds that fire a warning
// once each per session.
var contextWarningPcts = []int{50, 70, 85, 95}

// wsConn is the slice of *websocket.Conn the session uses. Narrowed to an
// interface so frame handling is testable without a live socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

type pendingOutcome struct {
	resp *models.SessionResponse
	err  error
}

type pendingRequest struct {
	ch chan pendingOutcome
}

// Session owns exactly one upstream conversation: its WebSocket, its state
// machine, and the accumulators for the request in flight. No other
// component touches the socket.
type Session struct {
	Key        string
	UpstreamID string

	policy          *policy.Engine
	bus             *EventBus
	responseTimeout time.Duration
	contextBudget   int

	mu    sync.Mutex
	state models.SessionState
	conn  wsConn
	model string

	createdAt    time.Time
	lastActivity time.Time

	// per-request accumulators, reset at each new prompt
	textBuf   strings.Builder
	curInput  int
	curOutput int
	curCost   float64
	curTurns  int
	sawUsage  bool

	// lifetime counters
	totalInput  int
	totalOutput int
	totalTurns  int
	totalCost   float64

	// context tracking
	lastKnownContextPct int
	lastSummaryPct      int
	lastWarningPct      int
	contextRecoveryDone bool
	userTurnCount       int
	syntheticTurn       bool

	pending       *pendingRequest
	responseTimer *time.Timer
	pendingPerms  map[string]*models.PendingPermission
	permOrder     []string

	// progressSink is the nullable slot an SSE stream attaches to. The
	// stream clears it in its finally path; the session never owns the
	// stream.
	progressSink func(models.ProgressEvent)

	// onActivity lets the pool reset the idle timer without the session
	// knowing about the pool.
	onActivity func()

	connectOnce sync.Once
	connectCh   chan error

	logger *slog.Logger
}

// NewSession wraps a freshly dialed upstream connection. The caller starts
// the read loop with Run and waits for readiness with WaitReady.
func NewSession(key, upstreamID string, conn wsConn, engine *policy.Engine, bus *EventBus, responseTimeout time.Duration, contextBudget int) *Session {
	now := time.Now()
	return &Session{
		Key:             key,
		UpstreamID:      upstreamID,
		policy:          engine,
		bus:             bus,
		responseTimeout: responseTimeout,
		contextBudget:   contextBudget,
		state:           models.StateConnecting,
		conn:            conn,
		createdAt:       now,
		lastActivity:    now,
		pendingPerms:    make(map[string]*models.PendingPermission),
		connectCh:       make(chan error, 1),
		logger:          logging.WithSession(key, upstreamID),
	}
}

// Run consumes upstream frames until the socket closes. Blocking; run in a
// goroutine.
func (s *Session) Run() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleSocketClose(err)
			return
		}
		s.HandleFrame(data)
	}
}

// WaitReady blocks until the upstream emits cli_connected, the socket
// fails, or the timeout elapses. session_init alone is not authoritative:
// the agent process may still be booting behind a cache-loaded session.
func (s *Session) WaitReady(timeout time.Duration) error {
	select {
	case err := <-s.connectCh:
		return err
	case <-time.After(timeout):
		s.mu.Lock()
		s.state = models.StateDead
		s.mu.Unlock()
		return fmt.Errorf("upstream never reported cli_connected: %w", ErrResponseTimeout)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Model returns the model name as reported by the agent.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetProgressSink attaches (or, with nil, detaches) the live progress
// callback.
func (s *Session) SetProgressSink(sink func(models.ProgressEvent)) {
	s.mu.Lock()
	s.progressSink = sink
	s.mu.Unlock()
}

// SetActivityCallback installs the pool's idle-timer reset hook.
func (s *Session) SetActivityCallback(fn func()) {
	s.mu.Lock()
	s.onActivity = fn
	s.mu.Unlock()
}

// MarkSyntheticTurn flags the next terminal result as internal-only so it
// is excluded from user turn accounting.
func (s *Session) MarkSyntheticTurn() {
	s.mu.Lock()
	s.syntheticTurn = true
	s.mu.Unlock()
}

// SendPrompt sends one user_message upstream and blocks until the terminal
// result, a passthrough tool interrupt, a timeout, or an upstream failure.
func (s *Session) SendPrompt(prompt string) (*models.SessionResponse, error) {
	s.mu.Lock()

	if s.state == models.StateDead {
		s.mu.Unlock()
		return nil, ErrSessionDead
	}
	if s.state != models.StateReady {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	if s.conn == nil {
		s.state = models.StateDead
		s.mu.Unlock()
		return nil, ErrSessionDead
	}

	// reset per-request accumulators
	s.textBuf.Reset()
	s.curInput = 0
	s.curOutput = 0
	s.curCost = 0
	s.curTurns = 0
	s.sawUsage = false
	s.pendingPerms = make(map[string]*models.PendingPermission)
	s.permOrder = nil

	pending := &pendingRequest{ch: make(chan pendingOutcome, 1)}
	s.pending = pending
	s.state = models.StateBusy
	s.armResponseTimerLocked()
	s.touchLocked()

	err := s.conn.WriteJSON(models.UserMessageFrame{Type: "user_message", Content: prompt})
	if err != nil {
		s.state = models.StateDead
		s.clearPendingLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("send prompt upstream: %w", err)
	}
	s.mu.Unlock()

	outcome := <-pending.ch
	return outcome.resp, outcome.err
}

// ToolDecision is one client-supplied verdict for a parked permission.
type ToolDecision struct {
	ToolCallID string
	Approved   bool
	Message    string
}

// ResumeWithToolDecisions forwards client tool verdicts upstream and blocks
// until the next terminal result (or another passthrough interrupt).
func (s *Session) ResumeWithToolDecisions(decisions []ToolDecision) (*models.SessionResponse, error) {
	s.mu.Lock()

	if s.state != models.StateWaitingToolDecision {
		s.mu.Unlock()
		return nil, ErrNotWaiting
	}

	frames := make([]models.ControlResponseFrame, 0, len(decisions))
	for _, decision := range decisions {
		perm, ok := s.pendingPerms[decision.ToolCallID]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownToolCall, decision.ToolCallID)
		}
		delete(s.pendingPerms, decision.ToolCallID)

		detail := models.ControlDecisionDetail{Behavior: "deny", Message: decision.Message}
		if decision.Approved {
			detail = models.ControlDecisionDetail{Behavior: "allow", UpdatedInput: perm.Input}
		}
		frames = append(frames, models.ControlResponseFrame{
			Type: "control_response",
			Response: models.ControlResponseBody{
				Subtype:   "success",
				RequestID: perm.RequestID,
				Response:  detail,
			},
		})
	}

	pending := &pendingRequest{ch: make(chan pendingOutcome, 1)}
	s.pending = pending
	s.state = models.StateBusy
	s.armResponseTimerLocked()
	s.touchLocked()

	for _, frame := range frames {
		if err := s.conn.WriteJSON(frame); err != nil {
			s.state = models.StateDead
			s.clearPendingLocked()
			s.mu.Unlock()
			return nil, fmt.Errorf("send control_response upstream: %w", err)
		}
	}
	s.mu.Unlock()

	outcome := <-pending.ch
	return outcome.resp, outcome.err
}

// PendingToolCallIDs returns the ids of currently parked permissions.
func (s *Session) PendingToolCallIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.permOrder))
	copy(out, s.permOrder)
	return out
}

// Destroy tears the session down: stops timers, detaches the sink, closes
// the socket, and rejects any in-flight request.
func (s *Session) Destroy(reason string) {
	s.mu.Lock()
	s.state = models.StateDead
	s.progressSink = nil
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.rejectLocked(fmt.Errorf("session destroyed: %s", reason))
	s.mu.Unlock()

	s.signalConnect(fmt.Errorf("session destroyed: %s", reason))
}

// Snapshot returns a diagnostics view of the session.
func (s *Session) Snapshot() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		Key:             s.Key,
		UpstreamID:      s.UpstreamID,
		State:           s.state,
		Model:           s.model,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivity,
		TotalTurns:      s.totalTurns,
		TotalInput:      s.totalInput,
		TotalOutput:     s.totalOutput,
		TotalCost:       s.totalCost,
		LastContextPct:  s.lastKnownContextPct,
		UserTurnCount:   s.userTurnCount,
		PendingToolUses: len(s.pendingPerms),
	}
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ── context accounting accessors (used by the context manager) ──────────

// ContextSnapshot returns the context-persistence bookkeeping fields.
func (s *Session) ContextSnapshot() (recoveryDone bool, lastPct, lastSummaryPct, userTurns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextRecoveryDone, s.lastKnownContextPct, s.lastSummaryPct, s.userTurnCount
}

// MarkContextRecoveryDone records that the first-prompt injection ran,
// whether or not any files were found.
func (s *Session) MarkContextRecoveryDone() {
	s.mu.Lock()
	s.contextRecoveryDone = true
	s.mu.Unlock()
}

// SetLastSummaryPct records the threshold at which a summary compaction
// was scheduled. Monotone non-decreasing.
func (s *Session) SetLastSummaryPct(pct int) {
	s.mu.Lock()
	if pct > s.lastSummaryPct {
		s.lastSummaryPct = pct
	}
	s.mu.Unlock()
}

// ForceCompaction clears the compaction history and pins the observed
// context usage to pct so the next prompt carries the summary instruction.
func (s *Session) ForceCompaction(pct int) {
	s.mu.Lock()
	s.lastSummaryPct = 0
	s.lastKnownContextPct = pct
	s.mu.Unlock()
}

// TotalCost returns the lifetime cost in USD.
func (s *Session) TotalCost() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCost
}

// ── frame consumption ───────────────────────────────────────────────────

// HandleFrame processes one upstream frame. Exported for the read loop and
// for tests; frames are processed strictly in receive order.
func (s *Session) HandleFrame(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("unparseable upstream frame", "error", err)
		return
	}

	if m := GetMetrics(); m != nil {
		m.RecordUpstreamFrame(frame.Type)
	}

	switch frame.Type {
	case "session_init":
		s.mu.Lock()
		if frame.Session != nil && frame.Session.Model != "" {
			s.model = frame.Session.Model
		}
		s.mu.Unlock()

	case "cli_connected":
		s.mu.Lock()
		if s.state == models.StateConnecting {
			s.state = models.StateReady
		}
		s.mu.Unlock()
		s.signalConnect(nil)
		log.Printf("✅ [SESSION] Agent connected for %s (upstream %s)", s.Key, s.UpstreamID)

	case "assistant":
		s.handleAssistant(&frame)

	case "stream_event":
		s.handleStreamEvent(frame.Event)

	case "permission_request":
		s.handlePermissionRequest(&frame)

	case "tool_result":
		s.mu.Lock()
		s.emitProgressLocked(models.ProgressEvent{
			Type:    models.ProgressToolResult,
			Tool:    frame.ToolName,
			Success: !frame.IsError,
		})
		s.touchLocked()
		s.mu.Unlock()

	case "result":
		s.handleResult(frame.Data)

	case "cli_disconnected":
		s.mu.Lock()
		if s.state.Working() {
			s.state = models.StateDead
			s.clearResponseTimerLocked()
			s.rejectLocked(ErrUpstreamClosed)
			s.mu.Unlock()
			log.Printf("❌ [SESSION] Agent disconnected mid-request for %s", s.Key)
			return
		}
		s.mu.Unlock()
		s.logger.Info("agent disconnected while idle")

	case "ping", "pong", "heartbeat":
		// keepalive noise

	default:
		s.logger.Info("unknown upstream frame type", "frame_type", frame.Type)
	}
}

func (s *Session) handleAssistant(frame *models.Frame) {
	// Sub-agent frames carry a parent tool use id; their text belongs to
	// the parent's tool transcript, not to the client response.
	if frame.ParentToolUseID != nil {
		return
	}
	if frame.Message == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, block := range frame.Message.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		s.textBuf.WriteString(block.Text)
		s.emitProgressLocked(models.ProgressEvent{
			Type: models.ProgressTextDelta,
			Text: block.Text,
		})
	}

	if frame.Message.Usage != nil {
		s.curInput += frame.Message.Usage.InputTokens
		s.curOutput += frame.Message.Usage.OutputTokens
		s.sawUsage = true
	}
	if frame.Message.Model != "" {
		s.model = frame.Message.Model
	}

	s.curTurns++
	s.emitProgressLocked(models.ProgressEvent{
		Type: models.ProgressTurn,
		Turn: s.curTurns,
	})
	s.touchLocked()
}

func (s *Session) handleStreamEvent(event *models.StreamEvent) {
	if event == nil {
		return
	}

	var status string
	switch event.Type {
	case "message_start":
		status = "Processing..."
	case "content_block_start":
		if event.ContentBlock == nil {
			return
		}
		switch event.ContentBlock.Type {
		case "thinking":
			status = "Thinking..."
		case "text":
			status = "Writing response..."
		case "tool_use":
			status = "Preparing " + event.ContentBlock.Name
		default:
			return
		}
	case "content_block_delta":
		// Thinking deltas are logged, never surfaced as client text.
		if event.Delta != nil && event.Delta.Thinking != "" {
			s.logger.Debug("thinking delta", "chars", len(event.Delta.Thinking))
		}
		return
	default:
		return
	}

	s.mu.Lock()
	s.emitProgressLocked(models.ProgressEvent{
		Type:   models.ProgressThinking,
		Status: status,
	})
	s.mu.Unlock()
}

func (s *Session) handlePermissionRequest(frame *models.Frame) {
	decision := s.policy.Decide(frame.ToolName, frame.Input)
	if m := GetMetrics(); m != nil {
		m.RecordToolDecision(string(decision))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch decision {
	case policy.ActionAllow:
		s.writeLocked(models.PermissionResponseFrame{
			Type:         "permission_response",
			RequestID:    frame.RequestID,
			Behavior:     "allow",
			UpdatedInput: frame.Input,
		})
		s.emitProgressLocked(models.ProgressEvent{
			Type:   models.ProgressToolStart,
			Tool:   frame.ToolName,
			Detail: FormatToolDetail(frame.ToolName, frame.Input),
		})

	case policy.ActionDeny:
		s.writeLocked(models.PermissionResponseFrame{
			Type:      "permission_response",
			RequestID: frame.RequestID,
			Behavior:  "deny",
			Message:   "denied by tool policy",
		})
		log.Printf("⛔ [POLICY] Denied %s for %s", frame.ToolName, s.Key)

	case policy.ActionPassthrough:
		toolCallID := newToolCallID()
		s.pendingPerms[toolCallID] = &models.PendingPermission{
			RequestID:  frame.RequestID,
			ToolName:   frame.ToolName,
			Input:      frame.Input,
			ToolCallID: toolCallID,
		}
		s.permOrder = append(s.permOrder, toolCallID)

		if s.state == models.StateBusy {
			s.state = models.StateWaitingToolDecision
			s.clearResponseTimerLocked()
			s.resolveLocked(&models.SessionResponse{
				Text:             s.textBuf.String(),
				Model:            s.model,
				InputTokens:      s.curInput,
				OutputTokens:     s.curOutput,
				Cost:             s.curCost,
				Turns:            s.curTurns,
				PendingToolCalls: s.pendingPermsSnapshotLocked(),
			})
		}
		log.Printf("🔀 [POLICY] Passthrough %s for %s (tool_call_id %s)", frame.ToolName, s.Key, toolCallID)
	}
	s.touchLocked()
}

func (s *Session) handleResult(data *models.ResultData) {
	if data == nil {
		data = &models.ResultData{}
	}

	s.mu.Lock()

	// Per-message usage is authoritative; the terminal frame's usage is
	// only a fallback when no assistant frame carried one.
	if !s.sawUsage && data.Usage != nil {
		s.curInput = data.Usage.InputTokens
		s.curOutput = data.Usage.OutputTokens
	}
	s.curCost = data.TotalCostUSD

	s.totalInput += s.curInput
	s.totalOutput += s.curOutput
	s.totalTurns += data.NumTurns
	s.totalCost += data.TotalCostUSD

	if s.contextBudget > 0 {
		s.lastKnownContextPct = int(math.Round(float64(s.curInput) / float64(s.contextBudget) * 100))
	}

	for _, threshold := range contextWarningPcts {
		if s.lastKnownContextPct >= threshold && s.lastWarningPct < threshold {
			s.lastWarningPct = threshold
			log.Printf("⚠️ [CONTEXT] Session %s crossed %d%% of the context window (%d tokens)",
				s.Key, threshold, s.curInput)
			if s.bus != nil {
				s.bus.Publish(Event{Type: "context_warning", Data: map[string]interface{}{
					"key": s.Key, "pct": threshold,
				}})
			}
		}
	}

	text := s.textBuf.String()
	if data.IsError && len(data.Errors) > 0 && text == "" {
		text = strings.Join(data.Errors, "; ")
	}
	if text == "" && data.Result != "" {
		text = data.Result
	}

	// Turn accounting for the context manager: synthetic turns are
	// internal-only and skip the user turn counter.
	if s.syntheticTurn {
		s.syntheticTurn = false
	} else {
		s.userTurnCount++
	}

	s.clearResponseTimerLocked()
	s.state = models.StateReady
	s.touchLocked()

	s.resolveLocked(&models.SessionResponse{
		Text:         text,
		Model:        s.model,
		InputTokens:  s.curInput,
		OutputTokens: s.curOutput,
		Cost:         data.TotalCostUSD,
		Turns:        data.NumTurns,
	})
	s.mu.Unlock()
}

func (s *Session) handleSocketClose(err error) {
	s.mu.Lock()
	wasWorking := s.state.Working()
	wasConnecting := s.state == models.StateConnecting
	s.state = models.StateDead
	s.clearResponseTimerLocked()
	if wasWorking {
		s.rejectLocked(ErrUpstreamClosed)
	}
	s.mu.Unlock()

	if wasConnecting {
		s.signalConnect(fmt.Errorf("upstream socket closed during connect: %v", err))
		return
	}
	if wasWorking {
		log.Printf("❌ [SESSION] Upstream socket closed mid-request for %s: %v", s.Key, err)
	} else {
		s.logger.Info("upstream socket closed while idle", "error", err)
	}
}

// ── internals (all require s.mu held) ───────────────────────────────────

func (s *Session) pendingPermsSnapshotLocked() []models.PendingPermission {
	out := make([]models.PendingPermission, 0, len(s.permOrder))
	for _, id := range s.permOrder {
		if perm, ok := s.pendingPerms[id]; ok {
			out = append(out, *perm)
		}
	}
	return out
}

func (s *Session) emitProgressLocked(event models.ProgressEvent) {
	if s.progressSink != nil {
		s.progressSink(event)
	}
	if s.bus != nil && event.Type != models.ProgressTextDelta {
		s.bus.Publish(Event{Type: "session_progress", Data: map[string]interface{}{
			"key":   s.Key,
			"event": event,
		}})
	}
}

func (s *Session) writeLocked(v interface{}) {
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.logger.Warn("upstream write failed", "error", err)
	}
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
	if fn := s.onActivity; fn != nil {
		// The hook takes the pool lock, and the pool calls session
		// accessors under that lock. Run the hook off s.mu so the lock
		// order is always pool then session.
		go fn()
	}
}

func (s *Session) armResponseTimerLocked() {
	s.clearResponseTimerLocked()
	s.responseTimer = time.AfterFunc(s.responseTimeout, s.onResponseTimeout)
}

func (s *Session) clearResponseTimerLocked() {
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) onResponseTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	if s.state == models.StateBusy || s.state == models.StateWaitingToolDecision {
		s.state = models.StateReady
	}
	s.rejectLocked(ErrResponseTimeout)
	log.Printf("⏱️ [SESSION] Response timeout for %s after %s", s.Key, s.responseTimeout)
}

// resolveLocked and rejectLocked settle the in-flight request exactly
// once; the state transition and the settle happen under the same lock so
// a late frame can never resolve twice.
func (s *Session) resolveLocked(resp *models.SessionResponse) {
	if s.pending == nil {
		return
	}
	s.pending.ch <- pendingOutcome{resp: resp}
	s.pending = nil
}

func (s *Session) rejectLocked(err error) {
	if s.pending == nil {
		return
	}
	s.pending.ch <- pendingOutcome{err: err}
	s.pending = nil
}

func (s *Session) clearPendingLocked() {
	s.clearResponseTimerLocked()
	s.pending = nil
}

func (s *Session) signalConnect(err error) {
	s.connectOnce.Do(func() {
		s.connectCh <- err
	})
}

// newToolCallID synthesizes the 12-hex-char id handed to OpenAI clients.
func newToolCallID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

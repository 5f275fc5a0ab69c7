package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"companionbridge/internal/models"
	"companionbridge/internal/policy"
)

// fakeConn satisfies wsConn and records every outbound frame.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	readCh chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.readCh)
	}
	return nil
}

func (f *fakeConn) written() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.writes))
	for _, raw := range f.writes {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(t *testing.T, toolMode string) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	engine := policy.New("", toolMode)
	session := NewSession("test-key", "upstream-1", conn, engine, nil, 5*time.Second, 200000)
	session.HandleFrame([]byte(`{"type":"cli_connected"}`))
	if session.State() != models.StateReady {
		t.Fatalf("session should be ready after cli_connected, got %s", session.State())
	}
	return session, conn
}

func waitForState(t *testing.T, s *Session, want models.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s (stuck at %s)", want, s.State())
}

type promptResult struct {
	resp *models.SessionResponse
	err  error
}

func sendPromptAsync(s *Session, prompt string) chan promptResult {
	ch := make(chan promptResult, 1)
	go func() {
		resp, err := s.SendPrompt(prompt)
		ch <- promptResult{resp, err}
	}()
	return ch
}

func TestSession_PromptRoundTrip(t *testing.T) {
	session, conn := newTestSession(t, "auto")

	result := sendPromptAsync(session, "hello")
	waitForState(t, session, models.StateBusy)

	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello, "}],"usage":{"input_tokens":100,"output_tokens":5},"model":"test-model"}}`))
	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"world."}],"usage":{"input_tokens":50,"output_tokens":3}}}`))
	session.HandleFrame([]byte(`{"type":"result","data":{"is_error":false,"total_cost_usd":0.02,"num_turns":2}}`))

	outcome := <-result
	if outcome.err != nil {
		t.Fatalf("SendPrompt returned error: %v", outcome.err)
	}
	if outcome.resp.Text != "Hello, world." {
		t.Errorf("concatenated text = %q, want %q", outcome.resp.Text, "Hello, world.")
	}
	if outcome.resp.InputTokens != 150 || outcome.resp.OutputTokens != 8 {
		t.Errorf("usage = %d/%d, want 150/8", outcome.resp.InputTokens, outcome.resp.OutputTokens)
	}
	if outcome.resp.Model != "test-model" {
		t.Errorf("model = %q, want test-model", outcome.resp.Model)
	}
	if outcome.resp.Cost != 0.02 {
		t.Errorf("cost = %v, want 0.02", outcome.resp.Cost)
	}
	if session.State() != models.StateReady {
		t.Errorf("session should be ready after result, got %s", session.State())
	}

	writes := conn.written()
	if len(writes) != 1 || writes[0]["type"] != "user_message" || writes[0]["content"] != "hello" {
		t.Errorf("unexpected outbound frames: %v", writes)
	}
}

func TestSession_SubAgentFramesExcluded(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)

	session.HandleFrame([]byte(`{"type":"assistant","parent_tool_use_id":"tu_1","message":{"content":[{"type":"text","text":"internal"}]}}`))
	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"visible"}]}}`))
	session.HandleFrame([]byte(`{"type":"result","data":{}}`))

	outcome := <-result
	if outcome.err != nil {
		t.Fatalf("SendPrompt error: %v", outcome.err)
	}
	if outcome.resp.Text != "visible" {
		t.Errorf("sub-agent text leaked into response: %q", outcome.resp.Text)
	}
}

func TestSession_ResultUsageFallback(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)

	// No assistant frame carried usage; terminal usage applies.
	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}`))
	session.HandleFrame([]byte(`{"type":"result","data":{"usage":{"input_tokens":400,"output_tokens":20}}}`))

	outcome := <-result
	if outcome.resp.InputTokens != 400 || outcome.resp.OutputTokens != 20 {
		t.Errorf("fallback usage = %d/%d, want 400/20", outcome.resp.InputTokens, outcome.resp.OutputTokens)
	}
}

func TestSession_ErrorResultTextFallbacks(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"result","data":{"is_error":true,"errors":["boom","bang"]}}`))

	outcome := <-result
	if outcome.err != nil {
		t.Fatalf("error results still resolve: %v", outcome.err)
	}
	if outcome.resp.Text != "boom; bang" {
		t.Errorf("joined errors = %q, want %q", outcome.resp.Text, "boom; bang")
	}

	// Empty accumulator falls back to data.result.
	result = sendPromptAsync(session, "again")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"result","data":{"result":"final summary"}}`))
	outcome = <-result
	if outcome.resp.Text != "final summary" {
		t.Errorf("result fallback = %q, want %q", outcome.resp.Text, "final summary")
	}
}

func TestSession_PassthroughParksToolCall(t *testing.T) {
	session, conn := newTestSession(t, "passthrough")

	result := sendPromptAsync(session, "run something")
	waitForState(t, session, models.StateBusy)

	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"Let me run that."}]}}`))
	session.HandleFrame([]byte(`{"type":"permission_request","request_id":"req-1","tool_name":"Bash","input":{"command":"ls"}}`))

	outcome := <-result
	if outcome.err != nil {
		t.Fatalf("passthrough interrupt should resolve, got error: %v", outcome.err)
	}
	if len(outcome.resp.PendingToolCalls) != 1 {
		t.Fatalf("pending tool calls = %d, want 1", len(outcome.resp.PendingToolCalls))
	}
	perm := outcome.resp.PendingToolCalls[0]
	if perm.ToolName != "Bash" || perm.RequestID != "req-1" {
		t.Errorf("unexpected parked permission: %+v", perm)
	}
	if len(perm.ToolCallID) != 12 {
		t.Errorf("tool_call_id length = %d, want 12", len(perm.ToolCallID))
	}
	if outcome.resp.Text != "Let me run that." {
		t.Errorf("text so far = %q", outcome.resp.Text)
	}
	if session.State() != models.StateWaitingToolDecision {
		t.Errorf("state = %s, want waiting_tool_decision", session.State())
	}

	// Nothing was sent upstream for the parked request.
	for _, frame := range conn.written() {
		if frame["type"] == "permission_response" {
			t.Error("passthrough must not answer the permission upstream")
		}
	}
}

func TestSession_ResumeWithToolDecisions(t *testing.T) {
	session, conn := newTestSession(t, "passthrough")

	result := sendPromptAsync(session, "run")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"permission_request","request_id":"req-9","tool_name":"Write","input":{"file_path":"/tmp/a"}}`))
	first := <-result

	id := first.resp.PendingToolCalls[0].ToolCallID

	resumed := make(chan promptResult, 1)
	go func() {
		resp, err := session.ResumeWithToolDecisions([]ToolDecision{{ToolCallID: id, Approved: true}})
		resumed <- promptResult{resp, err}
	}()
	waitForState(t, session, models.StateBusy)

	var control map[string]interface{}
	for _, frame := range conn.written() {
		if frame["type"] == "control_response" {
			control = frame
		}
	}
	if control == nil {
		t.Fatal("no control_response sent upstream")
	}
	body := control["response"].(map[string]interface{})
	if body["request_id"] != "req-9" {
		t.Errorf("control_response request_id = %v", body["request_id"])
	}
	detail := body["response"].(map[string]interface{})
	if detail["behavior"] != "allow" {
		t.Errorf("behavior = %v, want allow", detail["behavior"])
	}

	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"ran it"}]}}`))
	session.HandleFrame([]byte(`{"type":"result","data":{}}`))

	outcome := <-resumed
	if outcome.err != nil {
		t.Fatalf("resume error: %v", outcome.err)
	}
	if outcome.resp.Text != "ran it" {
		t.Errorf("resumed text = %q", outcome.resp.Text)
	}
}

func TestSession_ResumeRejectsUnknownToolCall(t *testing.T) {
	session, _ := newTestSession(t, "passthrough")

	result := sendPromptAsync(session, "run")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"permission_request","request_id":"r","tool_name":"Bash","input":{}}`))
	<-result

	_, err := session.ResumeWithToolDecisions([]ToolDecision{{ToolCallID: "nope", Approved: true}})
	if !errors.Is(err, ErrUnknownToolCall) {
		t.Errorf("err = %v, want ErrUnknownToolCall", err)
	}
}

func TestSession_ResumeRequiresWaitingState(t *testing.T) {
	session, _ := newTestSession(t, "auto")
	if _, err := session.ResumeWithToolDecisions(nil); !errors.Is(err, ErrNotWaiting) {
		t.Errorf("err = %v, want ErrNotWaiting", err)
	}
}

func TestSession_AutoAllowAnswersUpstream(t *testing.T) {
	session, conn := newTestSession(t, "auto")

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"permission_request","request_id":"req-2","tool_name":"Read","input":{"file_path":"/etc/hosts"}}`))

	var answered bool
	for _, frame := range conn.written() {
		if frame["type"] == "permission_response" && frame["behavior"] == "allow" && frame["request_id"] == "req-2" {
			answered = true
		}
	}
	if !answered {
		t.Error("allow decision should answer the permission_request upstream")
	}
	if session.State() != models.StateBusy {
		t.Errorf("auto-allow must not interrupt the request, state = %s", session.State())
	}

	session.HandleFrame([]byte(`{"type":"result","data":{}}`))
	<-result
}

func TestSession_DenyAnswersUpstream(t *testing.T) {
	engine := policy.New(`[{"tool": "Bash", "action": "deny"}, {"tool": "*", "action": "allow"}]`, "auto")
	conn := newFakeConn()
	session := NewSession("k", "u", conn, engine, nil, 5*time.Second, 200000)
	session.HandleFrame([]byte(`{"type":"cli_connected"}`))

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"permission_request","request_id":"req-3","tool_name":"Bash","input":{"command":"rm"}}`))

	var denied bool
	for _, frame := range conn.written() {
		if frame["type"] == "permission_response" && frame["behavior"] == "deny" {
			denied = true
		}
	}
	if !denied {
		t.Error("deny decision should answer the permission_request upstream")
	}

	session.HandleFrame([]byte(`{"type":"result","data":{}}`))
	<-result
}

func TestSession_DisconnectMidRequestRejects(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"cli_disconnected"}`))

	outcome := <-result
	if !errors.Is(outcome.err, ErrUpstreamClosed) {
		t.Errorf("err = %v, want ErrUpstreamClosed", outcome.err)
	}
	if session.State() != models.StateDead {
		t.Errorf("state = %s, want dead", session.State())
	}
}

func TestSession_DisconnectWhileIdleIsNotFatal(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	session.HandleFrame([]byte(`{"type":"cli_disconnected"}`))
	if session.State() != models.StateReady {
		t.Errorf("idle disconnect should not kill the session, state = %s", session.State())
	}
}

func TestSession_ResponseTimeout(t *testing.T) {
	conn := newFakeConn()
	engine := policy.New("", "auto")
	session := NewSession("k", "u", conn, engine, nil, 50*time.Millisecond, 200000)
	session.HandleFrame([]byte(`{"type":"cli_connected"}`))

	_, err := session.SendPrompt("slow")
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("err = %v, want ErrResponseTimeout", err)
	}
	if session.State() != models.StateReady {
		t.Errorf("timed-out session should return to ready, got %s", session.State())
	}
}

func TestSession_SendPromptStateGuards(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	result := sendPromptAsync(session, "first")
	waitForState(t, session, models.StateBusy)

	if _, err := session.SendPrompt("second"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("busy session err = %v, want ErrSessionBusy", err)
	}

	session.HandleFrame([]byte(`{"type":"result","data":{}}`))
	<-result

	session.Destroy("test")
	if _, err := session.SendPrompt("third"); !errors.Is(err, ErrSessionDead) {
		t.Errorf("dead session err = %v, want ErrSessionDead", err)
	}
}

func TestSession_ContextPctAndWarnings(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	run := func(inputTokens int) {
		result := sendPromptAsync(session, "go")
		waitForState(t, session, models.StateBusy)
		frame := fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":"x"}],"usage":{"input_tokens":%d,"output_tokens":1}}}`, inputTokens)
		session.HandleFrame([]byte(frame))
		session.HandleFrame([]byte(`{"type":"result","data":{}}`))
		<-result
	}

	run(100000) // 50%
	_, lastPct, _, turns := session.ContextSnapshot()
	if lastPct != 50 {
		t.Errorf("context pct = %d, want 50", lastPct)
	}
	if turns != 1 {
		t.Errorf("user turns = %d, want 1", turns)
	}

	run(190000) // 95%
	_, lastPct, _, turns = session.ContextSnapshot()
	if lastPct != 95 {
		t.Errorf("context pct = %d, want 95", lastPct)
	}
	if turns != 2 {
		t.Errorf("user turns = %d, want 2", turns)
	}
}

func TestSession_SyntheticTurnSkipsAccounting(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	session.MarkSyntheticTurn()
	result := sendPromptAsync(session, "internal")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"result","data":{}}`))
	<-result

	_, _, _, turns := session.ContextSnapshot()
	if turns != 0 {
		t.Errorf("synthetic turn counted: turns = %d, want 0", turns)
	}
}

func TestSession_ProgressSinkReceivesDeltas(t *testing.T) {
	session, _ := newTestSession(t, "auto")

	var mu sync.Mutex
	var events []models.ProgressEvent
	session.SetProgressSink(func(event models.ProgressEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	result := sendPromptAsync(session, "go")
	waitForState(t, session, models.StateBusy)
	session.HandleFrame([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"chunk"}]}}`))
	session.HandleFrame([]byte(`{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"thinking"}}}`))
	session.HandleFrame([]byte(`{"type":"tool_result","tool_name":"Bash","is_error":false}`))
	session.HandleFrame([]byte(`{"type":"result","data":{}}`))
	<-result

	mu.Lock()
	defer mu.Unlock()

	var sawDelta, sawThinking, sawToolResult bool
	for _, event := range events {
		switch event.Type {
		case models.ProgressTextDelta:
			if event.Text == "chunk" {
				sawDelta = true
			}
		case models.ProgressThinking:
			if event.Status == "Thinking..." {
				sawThinking = true
			}
		case models.ProgressToolResult:
			if event.Tool == "Bash" && event.Success {
				sawToolResult = true
			}
		}
	}
	if !sawDelta || !sawThinking || !sawToolResult {
		t.Errorf("missing progress events (delta=%v thinking=%v tool_result=%v)", sawDelta, sawThinking, sawToolResult)
	}
}

func TestSession_ModelFromSessionInit(t *testing.T) {
	session, _ := newTestSession(t, "auto")
	session.HandleFrame([]byte(`{"type":"session_init","session":{"model":"opus-x"}}`))
	if session.Model() != "opus-x" {
		t.Errorf("model = %q, want opus-x", session.Model())
	}
}

func TestSession_WaitReadyTimeout(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("k", "u", conn, policy.New("", "auto"), nil, time.Second, 200000)

	if err := session.WaitReady(20 * time.Millisecond); err == nil {
		t.Fatal("WaitReady should fail when cli_connected never arrives")
	}
	if session.State() != models.StateDead {
		t.Errorf("state = %s, want dead", session.State())
	}
}

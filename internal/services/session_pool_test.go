package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/models"
	"companionbridge/internal/policy"

	"github.com/gorilla/websocket"
)

// fakeCompanion is a minimal Companion server: session create/kill over
// HTTP plus a browser WebSocket that reports cli_connected immediately.
type fakeCompanion struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	created int
	killed  int
}

func newFakeCompanion(t *testing.T) *fakeCompanion {
	t.Helper()
	fc := &fakeCompanion{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/create", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.created++
		fc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sessionId":"sess-1"}`))
	})
	mux.HandleFunc("/ws/browser/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteJSON(map[string]string{"type": "cli_connected"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/kill") {
			fc.mu.Lock()
			fc.killed++
			fc.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})

	fc.srv = httptest.NewServer(mux)
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCompanion) createCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.created
}

func newTestPool(t *testing.T, fc *fakeCompanion, maxSessions int, idleTimeout time.Duration) *SessionPool {
	t.Helper()
	cfg := &config.Config{
		CompanionURL:        fc.srv.URL,
		PermissionMode:      "default",
		SessionCwd:          t.TempDir(),
		ResponseTimeout:     5 * time.Second,
		SessionIdleTimeout:  idleTimeout,
		MaxSessions:         maxSessions,
		ContextBudgetTokens: 200000,
	}
	cfg.SetStrategy(config.StrategyNone)

	client := NewCompanionClient(fc.srv.URL)
	pool := NewSessionPool(cfg, client, policy.New("", "auto"), NewEventBus())
	t.Cleanup(func() { pool.DestroyAll("test cleanup") })
	return pool
}

func TestPool_ReusesSessionPerKey(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	first, err := pool.GetSession(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	second, err := pool.GetSession(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetSession (second): %v", err)
	}

	if first != second {
		t.Error("same key should return the same session")
	}
	if fc.createCount() != 1 {
		t.Errorf("upstream creates = %d, want 1", fc.createCount())
	}
}

func TestPool_SeparateSessionsPerKey(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	a, err := pool.GetSession(context.Background(), "key:a")
	if err != nil {
		t.Fatalf("GetSession a: %v", err)
	}
	b, err := pool.GetSession(context.Background(), "key:b")
	if err != nil {
		t.Fatalf("GetSession b: %v", err)
	}

	if a == b {
		t.Error("different keys must map to different sessions")
	}
	if pool.Count() != 2 {
		t.Errorf("pool count = %d, want 2", pool.Count())
	}
}

func TestPool_EvictsReadyLRUAtCapacity(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 1, time.Hour)

	first, err := pool.GetSession(context.Background(), "key:a")
	if err != nil {
		t.Fatalf("GetSession a: %v", err)
	}
	if _, err := pool.GetSession(context.Background(), "key:b"); err != nil {
		t.Fatalf("GetSession b: %v", err)
	}

	if pool.Count() != 1 {
		t.Errorf("pool count = %d, want 1 after eviction", pool.Count())
	}
	if _, ok := pool.Lookup("key:a"); ok {
		t.Error("LRU session should have been evicted")
	}
	waitFor(t, func() bool { return first.State() == models.StateDead })
}

func TestPool_LookupNeverCreates(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	if _, ok := pool.Lookup("missing"); ok {
		t.Error("Lookup should miss on an empty pool")
	}
	if fc.createCount() != 0 {
		t.Errorf("Lookup triggered %d upstream creates", fc.createCount())
	}
}

func TestPool_DestroySessionRemovesEntry(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	if _, err := pool.GetSession(context.Background(), "default"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	pool.DestroySession("default", "test")

	if pool.Count() != 0 {
		t.Errorf("pool count = %d, want 0", pool.Count())
	}
	if _, ok := pool.Lookup("default"); ok {
		t.Error("destroyed session still in the pool")
	}
}

func TestPool_IdleTimeoutDestroysReadySession(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, 50*time.Millisecond)

	if _, err := pool.GetSession(context.Background(), "default"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	waitFor(t, func() bool { return pool.Count() == 0 })
}

func TestPool_DeadSessionReplacedOnGet(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	first, err := pool.GetSession(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	first.Destroy("simulated upstream loss")

	second, err := pool.GetSession(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetSession after death: %v", err)
	}
	if second == first {
		t.Error("dead session should be replaced, not reused")
	}
	if fc.createCount() != 2 {
		t.Errorf("upstream creates = %d, want 2", fc.createCount())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// Frame handling fires the pool's activity hook while pool scans call
// session accessors; the two must never hold each other's locks.
func TestPool_FrameActivityDuringPoolScansDoesNotDeadlock(t *testing.T) {
	fc := newFakeCompanion(t)
	pool := newTestPool(t, fc, 10, time.Hour)

	session, err := pool.GetSession(context.Background(), "default")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				session.HandleFrame([]byte(`{"type":"tool_result","tool_name":"Bash"}`))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if _, err := pool.GetSession(context.Background(), "default"); err != nil {
					t.Errorf("GetSession under load: %v", err)
					return
				}
				pool.List()
				pool.Count()
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool and session operations deadlocked")
	}
}

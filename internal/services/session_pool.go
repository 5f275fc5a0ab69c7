package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"companionbridge/internal/config"
	"companionbridge/internal/models"
	"companionbridge/internal/policy"
)

// SessionPool multiplexes client requests onto a bounded number of
// persistent upstream sessions, keyed by the dispatcher's pool key.
type SessionPool struct {
	cfg    *config.Config
	client *CompanionClient
	policy *policy.Engine
	bus    *EventBus

	mu         sync.Mutex
	sessions   map[string]*Session
	idleTimers map[string]*time.Timer
}

// NewSessionPool creates an empty pool.
func NewSessionPool(cfg *config.Config, client *CompanionClient, engine *policy.Engine, bus *EventBus) *SessionPool {
	return &SessionPool{
		cfg:        cfg,
		client:     client,
		policy:     engine,
		bus:        bus,
		sessions:   make(map[string]*Session),
		idleTimers: make(map[string]*time.Timer),
	}
}

// GetSession returns the live session for key, creating one when none
// exists. A returned session has seen cli_connected.
func (p *SessionPool) GetSession(ctx context.Context, key string) (*Session, error) {
	p.mu.Lock()
	if session, ok := p.sessions[key]; ok && session.State() != models.StateDead {
		p.resetIdleTimerLocked(key)
		p.mu.Unlock()
		return session, nil
	}
	p.sweepDeadLocked()
	p.evictForRoomLocked()
	p.mu.Unlock()

	upstreamID, err := p.client.CreateSession(ctx, p.cfg.PermissionMode, p.cfg.SessionCwd)
	if err != nil {
		return nil, fmt.Errorf("create upstream session: %w", err)
	}

	conn, err := p.client.DialSession(upstreamID)
	if err != nil {
		p.client.KillSession(upstreamID)
		return nil, fmt.Errorf("open upstream socket: %w", err)
	}

	session := NewSession(key, upstreamID, conn, p.policy, p.bus, p.cfg.ResponseTimeout, p.cfg.ContextBudgetTokens)
	session.SetActivityCallback(func() { p.resetIdleTimer(key) })
	go session.Run()

	p.mu.Lock()
	// A concurrent request may have created a session for the same key
	// while we were dialing; the map entry is the one that wins.
	if existing, ok := p.sessions[key]; ok && existing.State() != models.StateDead {
		p.mu.Unlock()
		session.Destroy("duplicate create")
		p.client.KillSession(upstreamID)
		return existing, nil
	}
	p.sessions[key] = session
	p.resetIdleTimerLocked(key)
	p.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.RecordSessionCreated()
	}
	log.Printf("✅ [POOL] Session created for %s (upstream %s, total: %d)", key, upstreamID, p.Count())
	p.bus.Publish(Event{Type: "session_created", Data: map[string]interface{}{
		"key": key, "upstream_session_id": upstreamID,
	}})

	if err := session.WaitReady(p.cfg.ResponseTimeout); err != nil {
		p.DestroySession(key, "connect failed")
		return nil, fmt.Errorf("upstream session never became ready: %w", err)
	}
	return session, nil
}

// Lookup returns the session for key without creating one.
func (p *SessionPool) Lookup(key string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[key]
	return session, ok
}

// DestroySession removes and tears down the session for key.
func (p *SessionPool) DestroySession(key, reason string) {
	p.mu.Lock()
	session, ok := p.sessions[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, key)
	if timer, ok := p.idleTimers[key]; ok {
		timer.Stop()
		delete(p.idleTimers, key)
	}
	p.mu.Unlock()

	idleFor := time.Since(session.LastActivity()).Round(time.Second)
	log.Printf("🗑️ [POOL] Destroying session %s (reason: %s, idle: %s, upstream: %s)",
		key, reason, idleFor, session.UpstreamID)

	session.Destroy(reason)
	p.client.KillSession(session.UpstreamID)

	if m := GetMetrics(); m != nil {
		m.RecordSessionDestroyed(reason)
	}
	p.bus.Publish(Event{Type: "session_destroyed", Data: map[string]interface{}{
		"key": key, "reason": reason,
	}})
}

// DestroyAll tears down every session (shutdown path).
func (p *SessionPool) DestroyAll(reason string) {
	p.mu.Lock()
	keys := make([]string, 0, len(p.sessions))
	for key := range p.sessions {
		keys = append(keys, key)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.DestroySession(key, reason)
	}
}

// List snapshots every pool entry for diagnostics.
func (p *SessionPool) List() []models.SessionInfo {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, session := range p.sessions {
		sessions = append(sessions, session)
	}
	p.mu.Unlock()

	out := make([]models.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Snapshot())
	}
	return out
}

// Count returns the number of pooled sessions.
func (p *SessionPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// resetIdleTimer (re)arms the idle-eviction timer for key.
func (p *SessionPool) resetIdleTimer(key string) {
	p.mu.Lock()
	p.resetIdleTimerLocked(key)
	p.mu.Unlock()
}

func (p *SessionPool) resetIdleTimerLocked(key string) {
	if timer, ok := p.idleTimers[key]; ok {
		timer.Stop()
	}
	p.idleTimers[key] = time.AfterFunc(p.cfg.SessionIdleTimeout, func() {
		p.onIdle(key)
	})
}

// onIdle fires when a session has been quiet for SESSION_IDLE_TIMEOUT_MS.
// A working session is never evicted; the timer reschedules instead.
func (p *SessionPool) onIdle(key string) {
	p.mu.Lock()
	session, ok := p.sessions[key]
	if !ok {
		delete(p.idleTimers, key)
		p.mu.Unlock()
		return
	}
	state := session.State()
	if state.Working() || state == models.StateConnecting {
		p.resetIdleTimerLocked(key)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.DestroySession(key, "idle timeout")
}

// sweepDeadLocked drops sessions whose upstream is gone before any
// capacity check.
func (p *SessionPool) sweepDeadLocked() {
	for key, session := range p.sessions {
		if session.State() == models.StateDead {
			delete(p.sessions, key)
			if timer, ok := p.idleTimers[key]; ok {
				timer.Stop()
				delete(p.idleTimers, key)
			}
			if m := GetMetrics(); m != nil {
				m.RecordSessionDestroyed("swept dead")
			}
			log.Printf("🧹 [POOL] Swept dead session %s", key)
		}
	}
}

// evictForRoomLocked evicts ready sessions, oldest activity first, until
// the pool has room. Busy, waiting, and connecting sessions are exempt;
// when everything is working the pool temporarily exceeds its cap rather
// than killing an in-flight request.
func (p *SessionPool) evictForRoomLocked() {
	for len(p.sessions) >= p.cfg.MaxSessions {
		var victim string
		var oldest time.Time
		for key, session := range p.sessions {
			state := session.State()
			if state != models.StateReady && state != models.StateDead {
				continue
			}
			last := session.LastActivity()
			if victim == "" || last.Before(oldest) {
				victim = key
				oldest = last
			}
		}
		if victim == "" {
			return
		}

		session := p.sessions[victim]
		delete(p.sessions, victim)
		if timer, ok := p.idleTimers[victim]; ok {
			timer.Stop()
			delete(p.idleTimers, victim)
		}
		log.Printf("♻️ [POOL] Evicting LRU session %s (last activity %s ago)",
			victim, time.Since(oldest).Round(time.Second))
		session.Destroy("evicted for capacity")
		p.client.KillSession(session.UpstreamID)
		if m := GetMetrics(); m != nil {
			m.RecordSessionDestroyed("evicted for capacity")
		}
		p.bus.Publish(Event{Type: "session_destroyed", Data: map[string]interface{}{
			"key": victim, "reason": "evicted for capacity",
		}})
	}
}

package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ContextStrategy selects which context persistence files the adapter
// maintains across sessions.
type ContextStrategy string

const (
	StrategyNone     ContextStrategy = "none"
	StrategySummary  ContextStrategy = "summary"
	StrategyStateful ContextStrategy = "stateful"
	StrategyHybrid   ContextStrategy = "hybrid"
)

// ParseStrategy normalizes a strategy name, falling back to hybrid for
// anything unrecognized.
func ParseStrategy(s string) ContextStrategy {
	switch ContextStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyNone:
		return StrategyNone
	case StrategySummary:
		return StrategySummary
	case StrategyStateful:
		return StrategyStateful
	case StrategyHybrid:
		return StrategyHybrid
	default:
		return StrategyHybrid
	}
}

// Config holds all application configuration
type Config struct {
	CompanionURL   string // Companion server base URL (http://host:port)
	Port           string // adapter listen port
	SessionCwd     string // working directory handed to the agent
	PermissionMode string // upstream permission mode for session create
	ModelName      string // model id reported on the OpenAI surface
	ToolMode       string // "auto" or "passthrough"
	ToolPolicy     string // inline JSON rule list (TOOL_POLICY)
	ToolPolicyFile string // rules file, hot-reloaded (.json or .yaml)

	ResponseTimeout    time.Duration
	SessionIdleTimeout time.Duration
	MaxSessions        int

	SummaryTriggerPct   int
	SummaryRecompactPct int
	ContextBudgetTokens int
	ContextDir          string

	// strategy is process-wide and mutable from !bridge chat commands.
	// Read it through Strategy() at each prompt, never capture it.
	strategyMu sync.RWMutex
	strategy   ContextStrategy
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	cwd := getEnv("SESSION_CWD", "")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	cfg := &Config{
		CompanionURL:   strings.TrimRight(getEnv("COMPANION_URL", "http://localhost:3456"), "/"),
		Port:           getEnv("ADAPTER_PORT", "8080"),
		SessionCwd:     cwd,
		PermissionMode: getEnv("PERMISSION_MODE", "default"),
		ModelName:      getEnv("MODEL_NAME", "claude-code-companion"),
		ToolMode:       strings.ToLower(getEnv("TOOL_MODE", "auto")),
		ToolPolicy:     getEnv("TOOL_POLICY", ""),
		ToolPolicyFile: getEnv("TOOL_POLICY_FILE", ""),

		ResponseTimeout:    time.Duration(getIntEnv("RESPONSE_TIMEOUT_MS", 1800000)) * time.Millisecond,
		SessionIdleTimeout: time.Duration(getIntEnv("SESSION_IDLE_TIMEOUT_MS", 1800000)) * time.Millisecond,
		MaxSessions:        getIntEnv("MAX_SESSIONS", 10),

		SummaryTriggerPct:   getIntEnv("SUMMARY_TRIGGER_PCT", 40),
		SummaryRecompactPct: getIntEnv("SUMMARY_RECOMPACT_PCT", 20),
		ContextBudgetTokens: getIntEnv("CONTEXT_BUDGET_TOKENS", 200000),
		ContextDir:          getEnv("CONTEXT_DIR", cwd),

		strategy: ParseStrategy(getEnv("CONTEXT_STRATEGY", "hybrid")),
	}

	if cfg.ToolMode != "passthrough" {
		cfg.ToolMode = "auto"
	}
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}

	return cfg
}

// Strategy returns the current context persistence strategy.
func (c *Config) Strategy() ContextStrategy {
	c.strategyMu.RLock()
	defer c.strategyMu.RUnlock()
	return c.strategy
}

// SetStrategy switches the context persistence strategy. Takes effect at
// the next prompt.
func (c *Config) SetStrategy(s ContextStrategy) {
	c.strategyMu.Lock()
	defer c.strategyMu.Unlock()
	c.strategy = s
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

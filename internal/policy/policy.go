package policy

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Action is the outcome of a tool policy decision.
type Action string

const (
	ActionAllow       Action = "allow"
	ActionDeny        Action = "deny"
	ActionPassthrough Action = "passthrough"
)

// Rule matches a tool-use request by name and, optionally, a substring of
// its JSON-serialized input. Tool "*" matches any tool.
type Rule struct {
	Tool          string `json:"tool" yaml:"tool"`
	Action        Action `json:"action" yaml:"action"`
	InputContains string `json:"input_contains,omitempty" yaml:"input_contains,omitempty"`
}

// Engine evaluates an ordered rule list top to bottom. The rule set can be
// swapped atomically by the file watcher; decisions are deterministic for
// a given rule set and input.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// DefaultRules returns the built-in rule list for the given global tool
// mode ("auto" or "passthrough"). Read-only tools are always auto-allowed;
// the catch-all depends on the mode.
func DefaultRules(toolMode string) []Rule {
	rules := []Rule{
		{Tool: "Read", Action: ActionAllow},
		{Tool: "Glob", Action: ActionAllow},
		{Tool: "Grep", Action: ActionAllow},
		{Tool: "WebSearch", Action: ActionAllow},
		{Tool: "Task", Action: ActionAllow},
	}
	catchAll := ActionAllow
	if toolMode == "passthrough" {
		catchAll = ActionPassthrough
	}
	return append(rules, Rule{Tool: "*", Action: catchAll})
}

// New builds an engine from the inline TOOL_POLICY JSON (if any), falling
// back to the defaults for toolMode when the override is empty or invalid.
func New(inlineJSON, toolMode string) *Engine {
	engine := &Engine{rules: DefaultRules(toolMode)}

	if inlineJSON != "" {
		rules, err := parseRules([]byte(inlineJSON), false)
		if err != nil {
			log.Printf("⚠️ [POLICY] Invalid TOOL_POLICY override, using defaults: %v", err)
		} else {
			engine.rules = rules
			log.Printf("✅ [POLICY] Loaded %d rules from TOOL_POLICY", len(rules))
		}
	}

	return engine
}

// LoadFile replaces the rule set with the contents of a .json or .yaml
// rules file. A malformed file keeps the previous rules.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}

	isYAML := false
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		isYAML = true
	}

	rules, err := parseRules(data, isYAML)
	if err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	log.Printf("✅ [POLICY] Loaded %d rules from %s", len(rules), path)
	return nil
}

// Rules returns a snapshot of the active rule list.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Decide maps a (tool name, input) pair to an action. Evaluation is
// strictly top to bottom; the first matching rule wins. When no rule
// matches, the decision is allow.
func (e *Engine) Decide(toolName string, input json.RawMessage) Action {
	serialized := string(input)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		if rule.Tool != "*" && !strings.EqualFold(rule.Tool, toolName) {
			continue
		}
		if rule.InputContains != "" && !strings.Contains(serialized, rule.InputContains) {
			continue
		}
		return rule.Action
	}
	return ActionAllow
}

func parseRules(data []byte, isYAML bool) ([]Rule, error) {
	var rules []Rule
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &rules)
	} else {
		err = json.Unmarshal(data, &rules)
	}
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule list is empty")
	}
	for i := range rules {
		if rules[i].Tool == "" {
			return nil, fmt.Errorf("rule %d: tool is required", i)
		}
		switch rules[i].Action {
		case ActionAllow, ActionDeny, ActionPassthrough:
		default:
			return nil, fmt.Errorf("rule %d: invalid action %q", i, rules[i].Action)
		}
	}
	return rules, nil
}
